// Package audit implements an optional trade-audit sink: a mirror of every
// committed BUY/SELL into a MongoDB collection for analytics/dashboards,
// following a connect/index/insert-one-document-per-trade shape. It is
// deliberately a side-channel — the replicator's WAL is the sole source of
// truth, so Sink.Record is called only *after* the WAL append has already
// been fsynced (see internal/replicator), and a Mongo outage never blocks
// or fails a trade.
package audit

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Trade is one audited BUY/SELL, recorded after its WAL record is durable.
type Trade struct {
	Shard     int       `bson:"shard"`
	Username  string    `bson:"username"`
	Op        string    `bson:"op"` // "BUY" or "SELL"
	Ticker    string    `bson:"ticker"`
	Amount    int64     `bson:"amount"`
	Price     float64   `bson:"price"`
	ExecutedAt time.Time `bson:"executed_at"`
}

// Sink writes audited trades to a Mongo collection.
type Sink struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewSink connects to MongoDB at uri and ensures the trades collection's
// indexes exist. A non-empty dbName overrides the database named in the
// URI path; collName defaults to "trades" when empty.
func NewSink(ctx context.Context, uri, dbName, collName string) (*Sink, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("audit: ping: %w", err)
	}

	if dbName == "" {
		dbName = dbNameFromURI(uri, "stockmarketsim")
	}
	if collName == "" {
		collName = "trades"
	}

	coll := client.Database(dbName).Collection(collName)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "username", Value: 1},
			{Key: "executed_at", Value: -1},
		},
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("audit: create index: %w", err)
	}

	log.Printf("audit: connected to MongoDB (db=%s, collection=%s)", dbName, collName)
	return &Sink{client: client, collection: coll}, nil
}

func dbNameFromURI(uri, def string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return def
	}
	if name := strings.TrimPrefix(u.Path, "/"); name != "" {
		return name
	}
	return def
}

// Close disconnects from MongoDB.
func (s *Sink) Close(ctx context.Context) {
	s.client.Disconnect(ctx)
}

// Record inserts one audited trade. Errors are logged, not propagated —
// a dropped audit record never affects the trade that already committed
// to the WAL.
func (s *Sink) Record(ctx context.Context, t Trade) {
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now()
	}
	if _, err := s.collection.InsertOne(ctx, t); err != nil {
		log.Printf("audit: record trade for %s: %v", t.Username, err)
	}
}
