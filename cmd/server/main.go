package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/matst80/vlessedge/internal/obs"
	"github.com/matst80/vlessedge/internal/outbound"
	"github.com/matst80/vlessedge/internal/ratelimit"
	"github.com/matst80/vlessedge/internal/server"
	"github.com/matst80/vlessedge/internal/session"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
	limiterSweep      = time.Minute
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := cfg.validate(); err != nil {
		color.HiRed("error: %s", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := newStateStore(ctx, cfg)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer state.close()

	var limiter *ratelimit.Limiter
	if cfg.ConnRate > 0 {
		limiter = ratelimit.New(0, cfg.ConnRate, cfg.ConnBurst)
		go limiter.Run(ctx, limiterSweep)
	}

	connector := outbound.NewConnector(
		&outbound.Dialer{ProxyIP: cfg.ProxyIP, Timeout: cfg.DialTimeout, TLS: cfg.OutboundTLS},
		outbound.NewDoHResolver(cfg.DoHURL, cfg.DoHTimeout),
	)
	handler := server.New(server.Options{
		Identity:       cfg.Identity,
		Name:           cfg.Name,
		Opener:         connector,
		Limiter:        limiter,
		MaxMessageSize: cfg.MaxMessageSize,
		Session: session.Config{
			Identity:         cfg.Identity,
			IdlePeriod:       cfg.IdlePeriod,
			IdleThreshold:    cfg.IdleThreshold,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Tracker:          state,
		},
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler, ReadHeaderTimeout: readHeaderTimeout}
	metricsSrv := startMetricsServer(cfg.MetricsAddr, state)

	go func() {
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("server.listen", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
			stop()
		}
	}()

	obs.Info("server.start", obs.Fields{
		"listen":   cfg.ListenAddr,
		"metrics":  cfg.MetricsAddr,
		"proxy_ip": cfg.ProxyIP,
		"doh":      cfg.DoHURL,
		"tls":      cfg.TLSCertFile != "",
	})
	printBanner(os.Stdout, cfg)
	state.setReady(true)

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	state.setClosing(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("server.shutdown", obs.Fields{"err": err.Error()})
	}
	// hijacked websocket connections are not covered by http.Server.Shutdown
	if err := handler.Shutdown(shutdownCtx); err != nil {
		obs.Error("server.shutdown.sessions", obs.Fields{"err": err.Error()})
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}

func printBanner(w io.Writer, c Config) {
	title := color.New(color.FgGreen, color.Bold)
	_, _ = title.Fprintf(w, "vlessedge listening on %s\n", c.ListenAddr)
	_, _ = fmt.Fprintf(w, "  uuid: %s\n", color.CyanString(c.Identity))
	if c.ProxyIP != "" {
		_, _ = fmt.Fprintf(w, "  proxy ip: %s\n", c.ProxyIP)
	}
	if c.PrintLink != "" {
		_, _ = fmt.Fprintf(w, "  share: %s\n", color.YellowString(server.ShareLink(c.Identity, c.PrintLink, c.Name)))
	}
}
