// Command broker runs the hash-sharded request router: it fronts clients,
// forwards requests to the replicator shard owning each username, tracks
// the cross-shard leaderboard, and relays the simulator's live price feed.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ndrandal/stockmarketsim/internal/broker"
	"github.com/ndrandal/stockmarketsim/internal/config"
	"github.com/ndrandal/stockmarketsim/internal/dashboard"
	"github.com/ndrandal/stockmarketsim/internal/discovery"
	"github.com/ndrandal/stockmarketsim/internal/proto"
)

func main() {
	cfg := config.Load()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("broker starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	disc := discovery.New(cfg.CatalogURL, cfg.CatalogUDP)
	b := broker.New(cfg.ProjectName, cfg.NumShards, disc, cfg.ShardQueueDepth)

	go disc.RunRegistration(ctx, proto.ServiceBroker, cfg.ProjectName, cfg.Owner, cfg.BrokerPort, cfg.RegisterEvery)
	go b.Run(ctx)
	go b.RunPriceFeed(ctx, disc)
	go b.RunLeaderboardUpdates(ctx, cfg.LeaderboardEvery)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.BrokerPort))
	if err != nil {
		log.Fatalf("listen on port %d: %v", cfg.BrokerPort, err)
	}
	log.Printf("listening on %s", ln.Addr())

	if cfg.DashboardPort != 0 {
		dash := dashboard.NewServer(func() any {
			return map[string]any{
				"num_shards":  cfg.NumShards,
				"leaderboard": b.Leaderboard(),
			}
		}, 64)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.DashboardPort)
			log.Printf("dashboard listening on %s", addr)
			if err := dash.ListenAndServe(ctx, addr); err != nil {
				log.Printf("dashboard: %v", err)
			}
		}()
	}

	if err := b.Serve(ctx, ln); err != nil {
		log.Fatalf("serve: %v", err)
	}
	log.Println("broker stopped")
}
