package main

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/pkg/errors"

	"github.com/matst80/vlessedge/internal/identity"
	"github.com/matst80/vlessedge/internal/obs"
	"github.com/matst80/vlessedge/internal/outbound"
	"github.com/matst80/vlessedge/internal/server"
	"github.com/matst80/vlessedge/internal/session"
)

// Config holds all runtime configuration derived from flags and environment.
type Config struct {
	ListenAddr       string
	MetricsAddr      string
	Identity         string
	Name             string
	ProxyIP          string
	DoHURL           string
	DialTimeout      time.Duration
	DoHTimeout       time.Duration
	IdlePeriod       time.Duration
	IdleThreshold    time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	OutboundTLS      bool
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ConnRate         int
	ConnBurst        int
	TLSCertFile      string
	TLSKeyFile       string
	Debug            bool
	PrintLink        string
}

var cfg Config

// init registers flags into the global flag set. main() parses and validates.
func init() {
	flag.StringVar(&cfg.ListenAddr, "listen", ":"+getEnv("PORT", "8080"), "address for control-channel and info requests")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address (empty disables)")
	flag.StringVar(&cfg.Identity, "uuid", getEnv("UUID", ""), "client identity (UUIDv4); a random one is generated when empty")
	flag.StringVar(&cfg.Name, "name", server.DefaultShareName, "label used in share links")
	flag.StringVar(&cfg.ProxyIP, "proxy-ip", getEnv("PROXYIP", ""), "dial this address instead of the requested host (ip, host, or host:port)")
	flag.StringVar(&cfg.DoHURL, "doh", getEnv("DOH_URL", outbound.DefaultDoHURL), "DNS-over-HTTPS endpoint for port 53 datagrams")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", outbound.DefaultDialTimeout, "outbound connect timeout")
	flag.DurationVar(&cfg.DoHTimeout, "doh-timeout", outbound.DefaultDoHTimeout, "DoH request timeout")
	flag.DurationVar(&cfg.IdlePeriod, "idle-period", session.DefaultIdlePeriod, "how often idle sessions are checked")
	flag.DurationVar(&cfg.IdleThreshold, "idle-threshold", session.DefaultIdleThreshold, "inactivity after which a keepalive is sent")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", session.DefaultHandshakeTimeout, "how long a new channel may take to send its first frame")
	flag.Int64Var(&cfg.MaxMessageSize, "max-message", server.DefaultMaxMessageSize, "largest inbound frame in bytes")
	flag.BoolVar(&cfg.OutboundTLS, "outbound-tls", false, "wrap outbound TCP connections in TLS")
	flag.StringVar(&cfg.RedisAddr, "redis", getEnv("REDIS_ADDR", ""), "redis address for the shared session registry (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "redis database")
	flag.IntVar(&cfg.ConnRate, "conn-rate", 0, "new sessions per second allowed per client IP (0 disables)")
	flag.IntVar(&cfg.ConnBurst, "conn-burst", 10, "burst size for -conn-rate")
	flag.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file path")
	flag.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file path")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.PrintLink, "print-link", "", "public host name; prints the share link for it at startup")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// validate checks the configuration. A missing or malformed identity is only
// a warning here; sessions fail individually until it is fixed.
func (c *Config) validate() error {
	if c.Identity == "" {
		c.Identity = identity.Random().String()
		obs.Warn("config.uuid.generated", obs.Fields{"uuid": c.Identity})
	} else if _, err := identity.Parse(c.Identity); err != nil {
		obs.Warn("config.uuid.invalid", obs.Fields{"err": err.Error()})
	}
	if c.ProxyIP != "" && !validProxyIP(c.ProxyIP) {
		return errors.Errorf("invalid -proxy-ip %q", c.ProxyIP)
	}
	if !govalidator.IsURL(c.DoHURL) || !strings.HasPrefix(c.DoHURL, "http") {
		return errors.Errorf("invalid -doh url %q", c.DoHURL)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("-tls-cert and -tls-key must be set together")
	}
	if c.PrintLink != "" && !govalidator.IsHost(c.PrintLink) {
		return errors.Errorf("invalid -print-link host %q", c.PrintLink)
	}
	if c.ConnRate < 0 || c.ConnBurst < 0 {
		return errors.New("-conn-rate and -conn-burst must not be negative")
	}
	return nil
}

func validProxyIP(v string) bool {
	v = strings.TrimSpace(v)
	if host, port, err := net.SplitHostPort(v); err == nil {
		return govalidator.IsPort(port) && (govalidator.IsDNSName(host) || govalidator.IsIP(host))
	}
	v = strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
	return govalidator.IsDNSName(v) || govalidator.IsIP(v)
}
