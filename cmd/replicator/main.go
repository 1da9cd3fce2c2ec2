// Command replicator runs one shard of the account ledger: it replays its
// WAL + checkpoint on startup, then serves the owning broker connection.
// Two side channels are opt-in: an audit sink mirroring every trade into
// MongoDB, and an S3 archiver draining superseded WAL artifacts — neither
// is on the durability-critical path (see internal/audit, internal/archive,
// internal/wal's retireDir). The audit sink is fed through a bounded
// channel that decouples the replicator's request-handling goroutine from
// the slower Mongo calls; the archiver instead sweeps the retire directory
// on its own timer, so S3 calls never touch request handling.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ndrandal/stockmarketsim/internal/archive"
	"github.com/ndrandal/stockmarketsim/internal/audit"
	"github.com/ndrandal/stockmarketsim/internal/config"
	"github.com/ndrandal/stockmarketsim/internal/dashboard"
	"github.com/ndrandal/stockmarketsim/internal/discovery"
	"github.com/ndrandal/stockmarketsim/internal/replicator"
	"github.com/ndrandal/stockmarketsim/internal/wal"
)

func main() {
	cfg := config.Load()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("replicator starting (shard %d)", cfg.ShardIndex)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := os.MkdirAll(cfg.WALDir, 0o755); err != nil {
		log.Fatalf("create wal dir: %v", err)
	}
	shardName := fmt.Sprintf("shard%d", cfg.ShardIndex)
	logPath := filepath.Join(cfg.WALDir, shardName+".log")
	ckptPath := filepath.Join(cfg.WALDir, shardName+".ckpt")
	// Deliberately NOT per-shard: preserves the original's unshared
	// "./table.ckpt.shadow" name (see DESIGN.md Open Question decision #1)
	// rather than silently fixing the cross-shard race it implies when
	// multiple shards share one WALDir.
	shadowPath := filepath.Join(cfg.WALDir, "table.ckpt.shadow")

	w, accounts, err := wal.Open(logPath, ckptPath, shadowPath, cfg.CheckpointEvery, time.Now().UnixNano())
	if err != nil {
		log.Fatalf("open WAL: %v", err)
	}
	defer w.Close()
	log.Printf("recovered %d accounts from %s", len(accounts), cfg.WALDir)

	shard := replicator.New(cfg.ShardIndex, w, accounts)

	if cfg.MongoURI != "" {
		sink, err := audit.NewSink(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			log.Fatalf("audit sink: %v", err)
		}
		defer sink.Close(context.Background())

		tradeCh := make(chan replicator.TradeEvent, 4096)
		shard.TradeEvents = tradeCh
		go tradeWriter(ctx, sink, tradeCh)
	}

	if cfg.S3Bucket != "" {
		retireDir := filepath.Join(cfg.WALDir, "retired")
		w.SetRetireDir(retireDir)

		s3Client, err := archive.NewClient(ctx, cfg.S3Region)
		if err != nil {
			log.Fatalf("archive S3 client: %v", err)
		}
		prefix := fmt.Sprintf("%s/%s", cfg.S3Prefix, shardName)
		archiver := archive.New(s3Client, cfg.S3Bucket, prefix, retireDir, cfg.ArchiveInterval, cfg.ArchiveAfterIdle)
		go archiver.Run(ctx)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ReplicatorPort))
	if err != nil {
		log.Fatalf("listen on port %d: %v", cfg.ReplicatorPort, err)
	}
	log.Printf("listening on %s", ln.Addr())

	disc := discovery.New(cfg.CatalogURL, cfg.CatalogUDP)
	serviceType := discovery.ServiceTypeForShard(cfg.ShardIndex)
	go disc.RunRegistration(ctx, serviceType, cfg.ProjectName, cfg.Owner, cfg.ReplicatorPort, cfg.RegisterEvery)

	if cfg.DashboardPort != 0 {
		dash := dashboard.NewServer(func() any {
			return map[string]any{
				"shard":     cfg.ShardIndex,
				"usernames": shard.SortedUsernames(),
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

	if err := shard.Serve(ctx, ln); err != nil {
		log.Fatalf("serve: %v", err)
	}
	log.Println("replicator stopped")
}

// tradeWriter drains the trade-event channel into the audit sink.
func tradeWriter(ctx context.Context, sink *audit.Sink, ch <-chan replicator.TradeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			sink.Record(context.Background(), audit.Trade{
				Shard:    ev.Shard,
				Username: ev.Username,
				Op:       ev.Op,
				Ticker:   ev.Ticker,
				Amount:   ev.Amount,
				Price:    ev.Price,
			})
		}
	}
}
