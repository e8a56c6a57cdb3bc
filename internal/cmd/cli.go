// Package cmd holds the kong command tree of nucusbd.
package cmd

import (
	"github.com/alecthomas/kong"
	"github.com/tebeka/atexit"
)

// CLI is the root command.
type CLI struct {
	ConfigFile string `name:"config" help:"Config file (json, yaml or toml)" type:"path" env:"NUCUSBD_CONFIG"`
	Log        Log    `embed:"" prefix:"log."`

	Server  Server         `cmd:"" help:"Export an emulated NUC970 over USB/IP"`
	Proxy   Proxy          `cmd:"" help:"Forward a USB/IP connection and log every frame"`
	Trace   TraceCommand   `cmd:"" help:"Inspect URB trace databases"`
	Config  ConfigCommand  `cmd:"" help:"Configuration helpers"`
	Service ServiceCommand `cmd:"" help:"Manage the systemd service"`
}

// Log configures both loggers.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"NUCUSBD_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" type:"path" env:"NUCUSBD_LOG_FILE"`
	RawFile string `help:"Hex dump of all USB/IP traffic" type:"path" env:"NUCUSBD_LOG_RAW_FILE"`
}

// Options configures the kong parser for CLI.
func Options() []kong.Option {
	return []kong.Option{
		kong.Name("nucusbd"),
		kong.Description("NUC970 USB boot-mode emulator over USB/IP"),
		kong.UsageOnError(),
		kong.Exit(atexit.Exit),
	}
}
