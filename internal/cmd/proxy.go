package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Alia5/nucusbd/internal/log"
	"github.com/Alia5/nucusbd/internal/server/proxy"
)

type Proxy struct {
	ListenAddr        string        `help:"Proxy listen address" default:":3241" env:"NUCUSBD_PROXY_ADDR"`
	UpstreamAddr      string        `name:"upstream" help:"Upstream USB-IP server address" required:"" env:"NUCUSBD_PROXY_UPSTREAM"`
	ConnectionTimeout time.Duration `help:"Deadline for the upstream dial and the first frame" default:"30s" env:"NUCUSBD_PROXY_TIMEOUT"`
}

// Run is called by Kong when the proxy command is executed.
func (p *Proxy) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.StartProxy(ctx, logger, rawLogger)
}

// StartProxy forwards connections until ctx is cancelled or the listener
// fails.
func (p *Proxy) StartProxy(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	switch {
	case p.UpstreamAddr == "":
		return errors.New("upstream address is empty")
	case p.ConnectionTimeout < 0:
		return errors.New("connection timeout must not be negative")
	}

	srv := proxy.New(p.ListenAddr, p.UpstreamAddr, p.ConnectionTimeout, logger, rawLogger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down proxy server")
		closeErr := srv.Close()
		return errors.Join(<-errCh, closeErr)
	case err := <-errCh:
		return err
	}
}
