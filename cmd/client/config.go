package main

import (
	"flag"
	"os"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"
)

// Config holds client runtime configuration.
type Config struct {
	ServerURL  string
	Identity   string
	SocksAddr  string
	HostHeader string
	Insecure   bool
	Debug      bool
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.ServerURL, "server", "ws://127.0.0.1:8080/", "server websocket url (ws:// or wss://)")
	flag.StringVar(&cfg.Identity, "uuid", os.Getenv("UUID"), "identity configured on the server")
	flag.StringVar(&cfg.SocksAddr, "socks", "127.0.0.1:1080", "local SOCKS5 listen address")
	flag.StringVar(&cfg.HostHeader, "host-header", "", "override the Host header sent to the server")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "skip TLS certificate verification for wss://")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return errors.Errorf("-server must be a ws:// or wss:// url, got %q", c.ServerURL)
	}
	if !govalidator.IsURL(c.ServerURL) {
		return errors.Errorf("invalid -server url %q", c.ServerURL)
	}
	if c.HostHeader != "" && !govalidator.IsHost(c.HostHeader) {
		return errors.Errorf("invalid -host-header %q", c.HostHeader)
	}
	return nil
}
