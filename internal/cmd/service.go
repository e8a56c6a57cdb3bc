package cmd

import "log/slog"

// ServiceCommand manages the systemd unit.
type ServiceCommand struct {
	Install   ServiceInstall   `cmd:"" help:"Install and start nucusbd as a systemd service"`
	Uninstall ServiceUninstall `cmd:"" help:"Stop and remove the systemd service"`
}

type ServiceInstall struct {
	Args []string `arg:"" optional:"" passthrough:"" help:"Extra arguments for 'nucusbd server'"`
}

func (s *ServiceInstall) Run(logger *slog.Logger) error { return install(logger, s.Args) }

type ServiceUninstall struct{}

func (s *ServiceUninstall) Run(logger *slog.Logger) error { return uninstall(logger) }
