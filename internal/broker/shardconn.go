package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/ndrandal/stockmarketsim/internal/discovery"
	"github.com/ndrandal/stockmarketsim/internal/framing"
	"github.com/ndrandal/stockmarketsim/internal/proto"
)

// connectTimeout is the broker-to-replicator connect deadline.
const connectTimeout = 5 * time.Second

// job is one unit of work handed to a shardConn's worker goroutine: a
// request to forward upstream, and a channel to deliver the reply on.
type job struct {
	req   proto.Request
	reply chan proto.Response
}

// shardConn owns the single persistent TCP connection to one replicator
// shard. Its request channel folds together the original's in-flight
// request and pending queue: it is a single-consumer goroutine (so at most
// one request is ever outstanding on the upstream socket) backed by a
// bounded buffer (so the pending queue cannot grow without bound — see
// DESIGN.md for why this intentionally departs from the unbounded queue
// in the original). A full channel causes TrySend to fail immediately with
// a "busy" response to the client, and causes a leaderboard cycle to skip
// this shard for the round, giving the same fairness/backpressure
// behavior without a hand-rolled set+queue.
type shardConn struct {
	index      int
	serviceTyp string
	disc       *discovery.Client
	project    string

	jobs chan job
	busy atomic.Bool
}

// newShardConn creates (but does not yet start) a shard connection worker.
// queueDepth bounds the pending-request queue per shard.
func newShardConn(index int, disc *discovery.Client, project string, queueDepth int) *shardConn {
	return &shardConn{
		index:      index,
		serviceTyp: discovery.ServiceTypeForShard(index),
		disc:       disc,
		project:    project,
		jobs:       make(chan job, queueDepth),
	}
}

// TrySend enqueues req and returns a channel that will receive exactly one
// reply, or false if the shard's queue is currently full.
func (sc *shardConn) TrySend(req proto.Request) (chan proto.Response, bool) {
	reply := make(chan proto.Response, 1)
	select {
	case sc.jobs <- job{req: req, reply: reply}:
		return reply, true
	default:
		return nil, false
	}
}

// Busy reports whether this shard connection is currently processing a
// job on the upstream socket. It is a best-effort snapshot, not a lock:
// callers use it to skip a shard that is actively busy rather than block
// behind it (see rebuildLeaderboard), not to make a correctness decision.
func (sc *shardConn) Busy() bool {
	return sc.busy.Load()
}

// Run dials the shard, then repeatedly pulls jobs from the channel and
// round-trips them on the single upstream connection, reconnecting (and
// discarding the previous upstream connection) whenever it drops.
func (sc *shardConn) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := sc.dial(ctx)
		if err != nil {
			log.Printf("broker: shard %d: %v", sc.index, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		sc.serve(ctx, conn)
	}
}

func (sc *shardConn) dial(ctx context.Context) (net.Conn, error) {
	entries := sc.disc.Lookup(ctx, sc.project, sc.serviceTyp)
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
		log.Printf("broker: shard %d: connected to %s", sc.index, addr)
		return conn, nil
	}
	return nil, fmt.Errorf("shard %d: no reachable replicator (last error: %v)", sc.index, lastErr)
}

// serve processes jobs on conn until it breaks or ctx is cancelled. A send
// or read failure never fails the job in flight: the connection is closed
// and the job is pushed back onto the queue so Run's reconnect loop picks
// it up and services it once a new upstream connection is established.
func (sc *shardConn) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-sc.jobs:
			sc.busy.Store(true)
			ok := sc.roundTrip(ctx, conn, r, j)
			sc.busy.Store(false)
			if !ok {
				return
			}
		}
	}
}

// roundTrip writes j.req to conn, reads back the reply, and delivers it on
// j.reply. It reports false if the connection failed, in which case it has
// already requeued j rather than replying to the client with it.
func (sc *shardConn) roundTrip(ctx context.Context, conn net.Conn, r *bufio.Reader, j job) bool {
	conn.SetDeadline(time.Now().Add(connectTimeout))
	if err := framing.Write(conn, j.req); err != nil {
		sc.requeue(ctx, j)
		return false
	}
	result, raw, err := framing.DecodeRaw(r)
	if result != framing.ResultOK {
		_ = err
		sc.requeue(ctx, j)
		return false
	}
	var resp proto.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		sc.requeue(ctx, j)
		return false
	}
	j.reply <- resp
	return true
}

// requeue pushes j back onto the pending queue after an upstream failure.
// It never drops the job: a non-blocking send is tried first, and if the
// queue is momentarily full it falls back to a blocking send in its own
// goroutine so serve can return immediately and Run can start
// reconnecting without the requeue stalling it.
func (sc *shardConn) requeue(ctx context.Context, j job) {
	select {
	case sc.jobs <- j:
		return
	default:
	}
	go func() {
		select {
		case sc.jobs <- j:
		case <-ctx.Done():
		}
	}()
}
