package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/eahydra/socks"
	"github.com/fatih/color"

	"github.com/matst80/vlessedge/internal/client"
	"github.com/matst80/vlessedge/internal/identity"
	"github.com/matst80/vlessedge/internal/obs"
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
	id, err := identity.Parse(cfg.Identity)
	if err != nil {
		color.HiRed("error: -uuid: %s", err)
		os.Exit(2)
	}

	d := client.NewDialer(cfg.ServerURL, id)
	d.Host = cfg.HostHeader
	d.Insecure = cfg.Insecure

	s, err := socks.NewSocks5Server(d)
	if err != nil {
		obs.Error("client.socks", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	ln, err := net.Listen("tcp", cfg.SocksAddr)
	if err != nil {
		obs.Error("client.listen", obs.Fields{"err": err.Error(), "addr": cfg.SocksAddr})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	color.Green("socks5 proxy on %s via %s", ln.Addr(), cfg.ServerURL)
	obs.Info("client.start", obs.Fields{"socks": ln.Addr().String(), "server": cfg.ServerURL})
	if err := s.Serve(ln); err != nil && ctx.Err() == nil {
		obs.Error("client.serve", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("client.stop", obs.Fields{})
}
