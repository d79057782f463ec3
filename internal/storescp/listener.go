// Package storescp runs the gateway's inbound C-STORE service.
package storescp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/dicom-gateway/pkg/dimse"
	"github.com/otcheredev/dicom-gateway/pkg/logger"
)

// ErrInvalidConfig is returned for a listener configuration that cannot be
// applied.
var ErrInvalidConfig = errors.New("invalid listener configuration")

// Config is the listening endpoint.
type Config struct {
	AETitle      string        `json:"ae_title"`
	Address      string        `json:"address"`
	Port         int           `json:"port"`
	MaxPDULength uint32        `json:"max_pdu_length,omitempty"`
	Timeout      time.Duration `json:"-"`
}

// Validate checks the AE title and port.
func (c Config) Validate() error {
	if c.AETitle == "" || len(c.AETitle) > 16 {
		return fmt.Errorf("%w: AE title must be 1-16 characters", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	return nil
}

// Listener accepts associations for verification and every storage SOP
// class and hands each C-STORE to its handler.
type Listener struct {
	log zerolog.Logger

	mu      sync.Mutex
	cfg     Config
	handler dimse.StoreFunc
	srv     *dimse.Server
	served  chan struct{}
}

// New creates a stopped listener.
func New(cfg Config, handler dimse.StoreFunc) *Listener {
	return &Listener{cfg: cfg, handler: handler, log: logger.With("storescp")}
}

// Config returns the current configuration.
func (l *Listener) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Running reports whether the listener is accepting associations.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.srv != nil
}

// Addr returns the bound address while running.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv == nil {
		return nil
	}
	return l.srv.Addr()
}

// Start binds and starts serving. Starting a running listener is a no-op.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.start()
}

func (l *Listener) start() error {
	if l.srv != nil {
		return nil
	}
	if err := l.cfg.Validate(); err != nil {
		return err
	}
	srv := dimse.NewServer(dimse.ServerConfig{
		AETitle:      l.cfg.AETitle,
		Address:      l.cfg.Address,
		Port:         l.cfg.Port,
		Accept:       dimse.AcceptStorage,
		MaxPDULength: l.cfg.MaxPDULength,
		Timeout:      l.cfg.Timeout,
		OnStore:      l.handler,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(); err != nil {
			l.log.Error().Err(err).Msg("Store SCP stopped accepting")
		}
	}()
	l.srv, l.served = srv, served

	l.log.Info().
		Str("ae_title", l.cfg.AETitle).
		Str("addr", srv.Addr().String()).
		Msg("Store SCP started")
	return nil
}

// Stop stops accepting and waits for in-flight associations, bounded by ctx.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stop(ctx)
}

func (l *Listener) stop(ctx context.Context) error {
	if l.srv == nil {
		return nil
	}
	err := l.srv.Shutdown(ctx)
	<-l.served
	l.srv, l.served = nil, nil
	l.log.Info().Str("ae_title", l.cfg.AETitle).Msg("Store SCP stopped")
	return err
}

// Reconfigure restarts the listener with cfg. If the new configuration
// cannot be started, the previous one is restored and restarted, and the
// start error is returned. A stopped listener only records cfg.
func (l *Listener) Reconfigure(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.srv == nil {
		l.cfg = cfg
		return nil
	}
	prev := l.cfg
	if err := l.stop(ctx); err != nil {
		l.log.Warn().Err(err).Msg("Store SCP did not drain before reconfiguring")
	}

	l.cfg = cfg
	startErr := l.start()
	if startErr == nil {
		return nil
	}

	l.log.Error().Err(startErr).Str("ae_title", cfg.AETitle).Int("port", cfg.Port).Msg("Reconfigured store SCP failed to start, rolling back")
	l.cfg = prev
	if err := l.start(); err != nil {
		return fmt.Errorf("failed to apply new config (%v) and to restore the previous one: %w", startErr, err)
	}
	return fmt.Errorf("failed to apply new config: %w", startErr)
}
