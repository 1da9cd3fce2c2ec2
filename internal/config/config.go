// Package config loads process configuration from flags with
// environment-variable fallback, covering the fields this system's three
// service binaries (broker, replicator, simulator) need (catalog location, project name, shard index/count,
// ports, simulator rates, WAL paths, and the opt-in dashboard/audit/
// archive settings).
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds every flag/env-configurable setting across the three
// service binaries. Each of their main.go files reads only the fields
// relevant to it; cmd/client defines its own flags and does not use Config.
type Config struct {
	// Identity & discovery — every binary.
	ProjectName string
	CatalogURL  string
	CatalogUDP  string
	Owner       string
	RegisterEvery time.Duration

	// Broker.
	BrokerPort         int
	NumShards          int
	ShardQueueDepth    int
	LeaderboardEvery   time.Duration

	// Replicator.
	ShardIndex      int
	ReplicatorPort  int
	WALDir          string
	CheckpointEvery int

	// Simulator.
	SimulatorPort    int
	BarsDir          string
	Seed             int64
	UpdateRate       time.Duration
	MinuteRate       time.Duration
	PublishRate      time.Duration
	SubscribeTimeout time.Duration
	DelayDepth       int

	// Dashboard (opt-in: only served when DashboardPort != 0).
	DashboardPort int

	// Audit sink (opt-in: only active when MongoURI != "").
	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	// Checkpoint/WAL cold-storage archiver (opt-in: only active when
	// S3Bucket != "").
	S3Bucket         string
	S3Region         string
	S3Prefix         string
	ArchiveInterval  time.Duration
	ArchiveAfterIdle time.Duration
}

// Load parses flags (with env-var defaults) into a Config. Call once per
// process, after os.Args is final.
func Load() *Config {
	c := &Config{}

	flag.StringVar(&c.ProjectName, "project", envStr("PROJECT_NAME", "stockmarketsim"), "catalog project name")
	flag.StringVar(&c.CatalogURL, "catalog-url", envStr("CATALOG_URL", "http://catalog.cse.nd.edu:9097/query.json"), "catalog HTTP query URL")
	flag.StringVar(&c.CatalogUDP, "catalog-udp", envStr("CATALOG_UDP", "catalog.cse.nd.edu:9097"), "catalog UDP registration address")
	flag.StringVar(&c.Owner, "owner", envStr("OWNER", os.Getenv("USER")), "catalog registration owner field")
	flag.DurationVar(&c.RegisterEvery, "register-every", envDuration("REGISTER_EVERY", 60*time.Second), "catalog registration interval")

	flag.IntVar(&c.BrokerPort, "broker-port", envInt("BROKER_PORT", 9100), "broker listen port")
	flag.IntVar(&c.NumShards, "num-shards", envInt("NUM_SHARDS", 3), "number of replicator shards")
	flag.IntVar(&c.ShardQueueDepth, "shard-queue-depth", envInt("SHARD_QUEUE_DEPTH", 32), "bounded per-shard pending request queue depth")
	flag.DurationVar(&c.LeaderboardEvery, "leaderboard-every", envDuration("LEADERBOARD_EVERY", 10*time.Second), "leaderboard rebuild interval")

	flag.IntVar(&c.ShardIndex, "shard-index", envInt("SHARD_INDEX", 0), "this replicator's shard number")
	flag.IntVar(&c.ReplicatorPort, "replicator-port", envInt("REPLICATOR_PORT", 9200), "replicator listen port")
	flag.StringVar(&c.WALDir, "wal-dir", envStr("WAL_DIR", "./data"), "directory holding shard{n}.log/shard{n}.ckpt")
	flag.IntVar(&c.CheckpointEvery, "checkpoint-every", envInt("CHECKPOINT_EVERY", 100), "WAL records between checkpoints")

	flag.IntVar(&c.SimulatorPort, "simulator-port", envInt("SIMULATOR_PORT", 9300), "simulator listen port")
	flag.StringVar(&c.BarsDir, "bars-dir", envStr("BARS_DIR", "./testdata/bars"), "directory of per-ticker minute-bar CSVs")
	flag.Int64Var(&c.Seed, "seed", envInt64("SIM_SEED", 1), "PRNG seed for intra-minute price sampling")
	flag.DurationVar(&c.UpdateRate, "update-rate", envDuration("UPDATE_RATE", 250*time.Millisecond), "intra-minute tick period")
	flag.DurationVar(&c.MinuteRate, "minute-rate", envDuration("MINUTE_RATE", 5*time.Second), "wall time per simulated minute")
	flag.DurationVar(&c.PublishRate, "publish-rate", envDuration("PUBLISH_RATE", 250*time.Millisecond), "how often a tick is published")
	flag.DurationVar(&c.SubscribeTimeout, "subscribe-timeout", envDuration("SUBSCRIBE_TIMEOUT", 30*time.Second), "subscription liveness window")
	flag.IntVar(&c.DelayDepth, "delay-depth", envInt("DELAY_DEPTH", 5), "publish periods the public feed lags the broker feed")

	flag.IntVar(&c.DashboardPort, "dashboard-port", envInt("DASHBOARD_PORT", 0), "opt-in HTTP/WS observability port (0 = disabled)")

	flag.StringVar(&c.MongoURI, "mongo-uri", envStr("MONGO_URI", ""), "opt-in audit sink Mongo URI (empty = disabled)")
	flag.StringVar(&c.MongoDatabase, "mongo-database", envStr("MONGO_DATABASE", "stockmarketsim"), "audit sink database name")
	flag.StringVar(&c.MongoCollection, "mongo-collection", envStr("MONGO_COLLECTION", "trades"), "audit sink collection name")

	flag.StringVar(&c.S3Bucket, "s3-bucket", envStr("S3_BUCKET", ""), "opt-in archive S3 bucket (empty = disabled)")
	flag.StringVar(&c.S3Region, "s3-region", envStr("S3_REGION", "us-east-1"), "archive S3 region")
	flag.StringVar(&c.S3Prefix, "s3-prefix", envStr("S3_PREFIX", "stockmarketsim"), "archive S3 key prefix")
	flag.DurationVar(&c.ArchiveInterval, "archive-interval", envDuration("ARCHIVE_INTERVAL", time.Hour), "how often the archiver sweeps for retired WAL artifacts")
	flag.DurationVar(&c.ArchiveAfterIdle, "archive-after-idle", envDuration("ARCHIVE_AFTER_IDLE", 24*time.Hour), "archive checkpoint/log files idle longer than this")

	flag.Parse()
	return c
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
