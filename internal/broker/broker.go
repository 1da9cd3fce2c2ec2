// Package broker implements the hash-sharded request router: it fronts
// clients, forwards each request to the replicator shard owning that
// username, maintains a cross-shard leaderboard, and relays the
// simulator's live price stream into every outgoing request. The
// routing and leaderboard state machine follows the hash/start_request/
// finalize_request/_update_leaderboard flow of the original Python
// broker, re-expressed with one goroutine per shard connection instead
// of a single-threaded select loop, with sync.RWMutex-guarded price and
// leaderboard snapshots as the only state shared across goroutines.
package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ndrandal/stockmarketsim/internal/discovery"
	"github.com/ndrandal/stockmarketsim/internal/framing"
	"github.com/ndrandal/stockmarketsim/internal/proto"
	"github.com/ndrandal/stockmarketsim/internal/symbol"
)

// clientRequestTimeout bounds how long a client waits for its request to be
// serviced end-to-end.
const clientRequestTimeout = 5 * time.Second

// LeaderboardEntry is one ranked row of the top-10 leaderboard.
type LeaderboardEntry struct {
	Username string
	NetWorth float64
}

// Broker routes client requests to replicator shards and aggregates their
// leaderboards.
type Broker struct {
	project   string
	numShards int
	shards    []*shardConn

	pricesMu sync.RWMutex
	prices   map[string]float64

	lbMu        sync.RWMutex
	leaderboard []LeaderboardEntry
}

// New creates a Broker for numShards replicator shards, using disc to find
// each shard and queueDepth as the cap on each shard's pending queue (the
// one request in flight on a shard is not counted against it).
func New(project string, numShards int, disc *discovery.Client, queueDepth int) *Broker {
	b := &Broker{
		project:   project,
		numShards: numShards,
		shards:    make([]*shardConn, numShards),
		prices:    make(map[string]float64, len(symbol.Universe)),
	}
	for i := range symbol.Universe {
		b.prices[symbol.Universe[i]] = 0
	}
	for i := 0; i < numShards; i++ {
		b.shards[i] = newShardConn(i, disc, project, queueDepth)
	}
	return b
}

// Run starts every shard's connection worker. It blocks until ctx is
// cancelled.
func (b *Broker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sc := range b.shards {
		wg.Add(1)
		go func(sc *shardConn) {
			defer wg.Done()
			sc.Run(ctx)
		}(sc)
	}
	wg.Wait()
}

// SetLatestPrices updates the live price snapshot used to annotate every
// outgoing request, fed by the broker's TCP connection to the simulator.
func (b *Broker) SetLatestPrices(prices map[string]float64) {
	b.pricesMu.Lock()
	defer b.pricesMu.Unlock()
	for t, p := range prices {
		b.prices[t] = p
	}
}

func (b *Broker) snapshotPrices() map[string]float64 {
	b.pricesMu.RLock()
	defer b.pricesMu.RUnlock()
	out := make(map[string]float64, len(b.prices))
	for t, p := range b.prices {
		out[t] = p
	}
	return out
}

// HandleRequest is the broker's client-facing entry point: the original's
// start_request/finalize_request split collapsed into one synchronous
// call, since a client connection only ever has one request in flight at
// a time — one goroutine per client connection, processing requests
// strictly sequentially, so no client can ever be starved of service.
func (b *Broker) HandleRequest(ctx context.Context, req proto.Request) proto.Response {
	if req.Action == proto.ActionLeaderboard {
		return proto.Ok(b.formattedLeaderboard())
	}
	if req.Username == "" {
		return proto.Fail("Username required to perform an action")
	}

	req.LatestStockInfo = b.snapshotPrices()
	shard := Shard(req.Username, b.numShards)

	reply, ok := b.shards[shard].TrySend(req)
	if !ok {
		return proto.Fail("busy")
	}

	ctx, cancel := context.WithTimeout(ctx, clientRequestTimeout)
	defer cancel()

	select {
	case resp := <-reply:
		return resp
	case <-ctx.Done():
		return proto.Fail("request timed out")
	}
}

// RunLeaderboardUpdates rebuilds the leaderboard every interval until ctx is
// cancelled.
func (b *Broker) RunLeaderboardUpdates(ctx context.Context, interval time.Duration) {
	b.rebuildLeaderboard(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.rebuildLeaderboard(ctx)
		}
	}
}

func (b *Broker) rebuildLeaderboard(ctx context.Context) {
	prices := b.snapshotPrices()
	merged := make(map[string]float64)

	for _, sc := range b.shards {
		if sc.Busy() {
			log.Printf("broker: shard %d busy, skipping this leaderboard cycle", sc.index)
			continue
		}

		req := proto.Request{
			Action:          proto.ActionBrokerLeaderboard,
			Username:        "broker",
			Password:        "broker",
			LatestStockInfo: prices,
		}
		reply, ok := sc.TrySend(req)
		if !ok {
			log.Printf("broker: shard %d busy, skipping this leaderboard cycle", sc.index)
			continue
		}

		select {
		case resp := <-reply:
			if !resp.Success {
				continue
			}
			addWorths(merged, resp.Value)
		case <-time.After(clientRequestTimeout):
			continue
		case <-ctx.Done():
			return
		}
	}

	entries := make([]LeaderboardEntry, 0, len(merged))
	for u, nw := range merged {
		entries = append(entries, LeaderboardEntry{Username: u, NetWorth: nw})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].NetWorth > entries[j].NetWorth })

	b.lbMu.Lock()
	b.leaderboard = entries
	b.lbMu.Unlock()
}

// addWorths merges a broker_leaderboard reply's Value (a JSON object
// decoded as map[string]any since proto.Response.Value is untyped) into
// dst as username -> net worth.
func addWorths(dst map[string]float64, value any) {
	m, ok := value.(map[string]any)
	if !ok {
		return
	}
	for u, v := range m {
		if f, ok := v.(float64); ok {
			dst[u] = f
		}
	}
}

// formattedLeaderboard renders the cached top-10, matching
// original_source's "TOP 10\n---------------\nuser | networth\n" string.
func (b *Broker) formattedLeaderboard() string {
	b.lbMu.RLock()
	defer b.lbMu.RUnlock()

	out := "TOP 10\n---------------\n"
	n := len(b.leaderboard)
	if n > 10 {
		n = 10
	}
	for i := 0; i < n; i++ {
		out += fmt.Sprintf("%s | %.2f\n", b.leaderboard[i].Username, b.leaderboard[i].NetWorth)
	}
	return out
}

// Leaderboard returns the cached ranked entries (top 10), for the
// dashboard's JSON snapshot.
func (b *Broker) Leaderboard() []LeaderboardEntry {
	b.lbMu.RLock()
	defer b.lbMu.RUnlock()
	n := len(b.leaderboard)
	if n > 10 {
		n = 10
	}
	out := make([]LeaderboardEntry, n)
	copy(out, b.leaderboard[:n])
	return out
}

// clientIdleTimeout bounds how long a client connection may sit without
// sending a request before the broker gives up on it.
const clientIdleTimeout = 60 * time.Second

// Serve accepts client connections on ln until ctx is cancelled. Each
// connection gets its own goroutine processing requests strictly
// sequentially — the "one client, one request in flight" rule
// HandleRequest's doc comment relies on for busy_clients.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker: accept: %w", err)
		}
		go b.serveClient(ctx, conn)
	}
}

func (b *Broker) serveClient(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(clientIdleTimeout))
		result, raw, err := framing.DecodeRaw(r)
		switch result {
		case framing.ResultEOF:
			return
		case framing.ResultFramingError:
			log.Printf("broker: framing error from client %s: %v", conn.RemoteAddr(), err)
			return
		}

		var req proto.Request
		resp := proto.Fail("Unintelligable request")
		if json.Unmarshal(raw, &req) == nil {
			resp = b.HandleRequest(ctx, req)
		}
		if err := framing.Write(conn, resp); err != nil {
			return
		}
	}
}

// RunPriceFeed dials the simulator via disc, announces itself with a
// {"type":"broker"} hello, and continuously applies every TickUpdate it
// receives to the live price snapshot over the simulator's unicast live
// channel. It reconnects on any read/dial failure until ctx is cancelled.
func (b *Broker) RunPriceFeed(ctx context.Context, disc *discovery.Client) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := b.dialSimulator(ctx, disc)
		if err != nil {
			log.Printf("broker: simulator dial: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.readPriceFeed(ctx, conn)
	}
}

func (b *Broker) dialSimulator(ctx context.Context, disc *discovery.Client) (net.Conn, error) {
	entries := disc.Lookup(ctx, b.project, proto.ServiceSimulator)
	var lastErr error
	for _, e := range entries {
		addr := fmt.Sprintf("%s:%d", e.Name, e.Port)
		conn, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		if err := framing.Write(conn, proto.SubscribeHello{Type: "broker"}); err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		log.Printf("broker: connected to simulator at %s", addr)
		return conn, nil
	}
	return nil, fmt.Errorf("no reachable simulator (last error: %v)", lastErr)
}

func (b *Broker) readPriceFeed(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		result, raw, err := framing.DecodeRaw(r)
		if result != framing.ResultOK {
			_ = err
			return
		}
		var tick proto.TickUpdate
		if err := json.Unmarshal(raw, &tick); err != nil {
			continue
		}
		b.SetLatestPrices(tick.Prices)
	}
}
