package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Alia5/nucusbd/device/nuc970"
	"github.com/Alia5/nucusbd/internal/log"
	"github.com/Alia5/nucusbd/internal/monitor"
	"github.com/Alia5/nucusbd/internal/server/usb"
	"github.com/Alia5/nucusbd/internal/trace"
	"github.com/Alia5/nucusbd/virtualbus"
)

type Server struct {
	UsbServerConfig usb.ServerConfig `embed:"" prefix:"usb."`
	Device          nuc970.Config    `embed:"" prefix:"device."`
	Trace           trace.Config     `embed:"" prefix:"trace."`
	Monitor         monitor.Config   `embed:"" prefix:"monitor."`
	BusID           uint32           `help:"Bus number the emulated device is exported on" default:"1" env:"NUCUSBD_BUS_ID"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

// StartServer runs until ctx is cancelled or the USB/IP listener fails.
func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	recorder, err := trace.Open(s.Trace, logger)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn("Failed to close trace", "error", err)
		}
	}()

	usbSrv := usb.New(s.UsbServerConfig, logger, rawLogger, recorder)

	bus, err := virtualbus.NewWithBusId(s.BusID)
	if err != nil {
		return err
	}
	if err := usbSrv.AddBus(bus); err != nil {
		return err
	}
	devCtx, err := bus.Add(nuc970.New(nil, s.Device, logger))
	if err != nil {
		return err
	}
	busID := virtualbus.MetaFromContext(devCtx).BusIDString()

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbSrv.ListenAndServe()
	}()

	select {
	case err := <-usbErrCh:
		return err
	case <-usbSrv.Ready():
	}
	logger.Info("NUC970 exported",
		"busid", busID,
		"turnaround", s.Device.Turnaround,
		"attach", fmt.Sprintf("usbip attach -r <host> -b %s (port %d)", busID, usbSrv.GetListenPort()))

	var mon *monitor.Monitor
	if s.Monitor.Addr != "" {
		mon = monitor.New(usbSrv, logger)
		if err := mon.Start(s.Monitor.Addr); err != nil {
			_ = usbSrv.Close()
			<-usbErrCh
			return fmt.Errorf("start monitor: %w", err)
		}
	}

	shutdown := func() {
		if mon != nil {
			_ = mon.Close()
		}
		_ = usbSrv.RemoveBus(s.BusID)
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdown()
		_ = usbSrv.Close()
		<-usbErrCh
		return nil
	case err := <-usbErrCh:
		shutdown()
		return err
	}
}
