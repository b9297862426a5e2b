// Package bustest starts an embedded NATS server for tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/natsserver"
)

// Connect starts a private embedded server on a random port and returns a
// connected client. Both are torn down when the test ends. Options adjust the
// bus configuration before the server starts.
func Connect(t testing.TB, opts ...func(*config.BusConfig)) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
