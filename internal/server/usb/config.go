package usb

import "time"

// ServerConfig represents the server subcommand configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3240" env:"NUCUSBD_USB_ADDR"`
	ConnectionTimeout time.Duration `help:"Deadline for the devlist/import handshake" default:"30s" env:"NUCUSBD_USB_CONNECTION_TIMEOUT"`
}
