// Package natsserver runs the bus in-process so the tutor ships as one binary.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer is a NATS server owned by the tutor process.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs an embedded server when cfg asks for one and returns nil
// otherwise. Port -1 picks a free port; ClientURL reports the result.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		ServerName: "loqa-tutor",
		Host:       cfg.Host,
		Port:       cfg.Port,
		StoreDir:   cfg.StoreDir,
		MaxPayload: int32(cfg.MaxPayload),
		NoSigs:     true,
		NoLog:      true,
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server not ready after " + readyTimeout.String())
	}

	info := []any{slog.String("url", ns.ClientURL())}
	if cfg.MaxPayload > 0 {
		info = append(info, slog.String("max_payload", humanize.IBytes(uint64(cfg.MaxPayload))))
	}
	log.Info("embedded NATS server started", info...)
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the address clients in this process should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
