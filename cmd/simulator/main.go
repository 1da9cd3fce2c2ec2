// Command simulator runs the market simulator: it loads the historical bar
// universe, publishes a two-rate price stream (live TCP to the broker,
// delayed UDP to subscribers), and registers itself with the catalog.
// Shutdown is context + signal driven, with the dashboard goroutine wired
// in only when its port is configured.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ndrandal/stockmarketsim/internal/config"
	"github.com/ndrandal/stockmarketsim/internal/dashboard"
	"github.com/ndrandal/stockmarketsim/internal/discovery"
	"github.com/ndrandal/stockmarketsim/internal/market"
	"github.com/ndrandal/stockmarketsim/internal/proto"
	"github.com/ndrandal/stockmarketsim/internal/simulator"
	"github.com/ndrandal/stockmarketsim/internal/symbol"
)

func main() {
	cfg := config.Load()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("simulator starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	bars, err := market.LoadUniverse(cfg.BarsDir, symbol.Universe)
	if err != nil {
		log.Fatalf("load bar universe: %v", err)
	}
	log.Printf("loaded bar history for %d tickers from %s", len(bars), cfg.BarsDir)

	simCfg := simulator.Config{
		UpdateRate:       cfg.UpdateRate,
		MinuteRate:       cfg.MinuteRate,
		PublishRate:      cfg.PublishRate,
		SubscribeTimeout: cfg.SubscribeTimeout,
		DelayDepth:       cfg.DelayDepth,
		Seed:             cfg.Seed,
	}
	sim, err := simulator.New(simCfg, bars)
	if err != nil {
		log.Fatalf("create simulator: %v", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.SimulatorPort))
	if err != nil {
		log.Fatalf("listen on port %d: %v", cfg.SimulatorPort, err)
	}
	log.Printf("listening on %s", ln.Addr())

	disc := discovery.New(cfg.CatalogURL, cfg.CatalogUDP)
	go disc.RunRegistration(ctx, proto.ServiceSimulator, cfg.ProjectName, cfg.Owner, cfg.SimulatorPort, cfg.RegisterEvery)

	if cfg.DashboardPort != 0 {
		dash := dashboard.NewServer(func() any {
			st, err := sim.Stats(context.Background())
			if err != nil {
				return map[string]string{"error": err.Error()}
			}
			return st
		}, 64)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.DashboardPort)
			log.Printf("dashboard listening on %s", addr)
			if err := dash.ListenAndServe(ctx, addr); err != nil {
				log.Printf("dashboard: %v", err)
			}
		}()
	}

	if err := sim.Serve(ctx, ln); err != nil {
		log.Fatalf("serve: %v", err)
	}
	log.Println("simulator stopped")
}
