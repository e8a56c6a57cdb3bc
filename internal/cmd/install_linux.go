//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Alia5/nucusbd/internal/configpaths"
)

const (
	serviceName = "nucusbd.service"
	servicePath = "/etc/systemd/system/" + serviceName
)

func install(logger *slog.Logger, extraArgs []string) error {
	exePath, err := currentExecutable()
	if err != nil {
		return err
	}

	unit := systemdUnitContent(exePath, extraArgs)
	if err := os.WriteFile(servicePath, []byte(unit), 0o644); err != nil {
		return err
	}

	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", serviceName},
		{"restart", serviceName},
	} {
		if err := runSystemctl(args...); err != nil {
			return err
		}
	}

	logger.Info("nucusbd systemd service installed", "path", servicePath, "exe", exePath)
	return nil
}

func uninstall(logger *slog.Logger) error {
	var errs []error
	for _, args := range [][]string{{"stop", serviceName}, {"disable", serviceName}} {
		if err := runSystemctl(args...); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(servicePath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := runSystemctl("daemon-reload"); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Info("nucusbd systemd service removed", "path", servicePath)
	return nil
}

// systemdUnitContent runs "nucusbd server" with extraArgs appended.
func systemdUnitContent(exePath string, extraArgs []string) string {
	execStart := fmt.Sprintf("%q server", exePath)
	for _, a := range extraArgs {
		execStart += " " + fmt.Sprintf("%q", a)
	}
	return fmt.Sprintf(`[Unit]
Description=NUC970 USB boot-mode emulator (USB/IP)
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s
WorkingDirectory=%s
EnvironmentFile=-%s/nucusbd.env
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, execStart, filepath.Dir(exePath), configpaths.SystemConfigDir)
}

func runSystemctl(args ...string) error {
	output, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

func currentExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(exe)
}
