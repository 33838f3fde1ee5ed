package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// serverReadyTimeout bounds how long boot waits for the embedded broker.
const serverReadyTimeout = 5 * time.Second

// StartEmbeddedServer runs an in-process NATS server, used by the
// single-binary deployment so the swarm needs no external broker. Port -1
// picks a free port; read the resulting URL from ClientURL.
func StartEmbeddedServer(host string, port int, logger zerolog.Logger) (*server.Server, error) {
	opts := &server.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(serverReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after %s", serverReadyTimeout)
	}
	logger.Info().Str("url", ns.ClientURL()).Msg("Embedded NATS server started")
	return ns, nil
}

// Connect dials NATS with the reconnect posture every swarm process uses:
// infinite retries with a short backoff, and connection state changes logged.
func Connect(url, name string, logger zerolog.Logger) (*nats.Conn, error) {
	log := logger.With().Str("component", "bus").Logger()
	nc, err := nats.Connect(
		url,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}
