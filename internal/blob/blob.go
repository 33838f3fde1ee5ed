// Package blob is the append-only artifact store capability. Control loops
// write hourly snapshots and strategy exports here; nothing in the trading
// path reads them back.
package blob

import (
	"context"
	"fmt"
	"os"
)

// Store persists artifacts by path.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
}

// PutFile uploads a local file through a Store.
func PutFile(ctx context.Context, s Store, path, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	return s.Put(ctx, path, data)
}
