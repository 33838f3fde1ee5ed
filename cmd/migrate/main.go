// Schema migration CLI. Applies the SQL files under migrations/ in order,
// tracking progress in the schema_version table.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/tradehive/tradehive/internal/config"
	"github.com/tradehive/tradehive/internal/db"
)

func main() {
	_ = godotenv.Load()

	command := flag.String("command", "up", "Command to run: up, down, or status")
	dsn := flag.String("db", "", "Database connection URL (defaults to the swarmd config)")
	dir := flag.String("migrations", "migrations", "Path to migrations directory")
	flag.Parse()

	if err := run(*command, *dsn, *dir); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(command, dsn, dir string) error {
	if dsn == "" {
		cfg, err := config.Load("swarmd")
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dsn = cfg.Database.DSN()
	}

	handle, err := db.OpenForMigration(dsn)
	if err != nil {
		return err
	}
	defer handle.Close()

	m := db.NewMigrator(handle, dir)
	ctx := context.Background()

	switch command {
	case "up":
		return m.Up(ctx)
	case "down":
		return m.Down(ctx)
	case "status":
		return m.Status(ctx)
	default:
		return fmt.Errorf("unknown command %q (want up, down, or status)", command)
	}
}
