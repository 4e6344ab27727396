package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/code2u/trojan-go/internal/config"
	"github.com/code2u/trojan-go/internal/engine"
	"github.com/code2u/trojan-go/internal/metrics"
	"github.com/code2u/trojan-go/internal/redirect"
	"github.com/code2u/trojan-go/internal/routeinstall"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsListen != "" {
		metrics.Enable()
		go func() {
			if err := metrics.StartServer(ctx, cfg.MetricsListen); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
		log.Printf("Prometheus metrics listening on %s", cfg.MetricsListen)
	}

	if cfg.Route.AddWhiteList {
		list, err := routeinstall.LoadAllowList(cfg.Route.WhiteIPList)
		if err != nil {
			log.Fatalf("allow list: %v", err)
		}
		routeinstall.InstallViaGateway(list, cfg.Route.DefaultGateway)
		log.Printf("allow list installed: %d routes via %s", len(list), cfg.Route.DefaultGateway)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	errC := make(chan error, 2)
	go func() { errC <- eng.Run(ctx) }()

	if cfg.Redirect.Enable {
		rl := redirect.New(cfg.Redirect.Listen, func(ctx context.Context, conn *net.TCPConn, dst string) {
			addr, err := netip.ParseAddrPort(dst)
			if err != nil {
				log.Printf("[redirect] bad original destination %q: %v", dst, err)
				conn.Close()
				return
			}
			eng.HandleRedirectedTCP(ctx, conn, addr)
		})
		go func() { errC <- rl.Run(ctx) }()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigc:
		log.Printf("shutting down...")
		cancel()
	case err := <-errC:
		if err != nil {
			log.Printf("fatal: %v", err)
			cancel()
			os.Exit(1)
		}
		cancel()
	}
}
