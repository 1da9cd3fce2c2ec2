// Package simulator implements the market simulator's publish pipeline:
// subscription management, the two-rate (minute/tick/publish) price clock,
// and the bounded delay queue that gives public subscribers a lagged view
// relative to the broker's live feed. The state machine follows
// original_source/src/StockMarketSimulator_threaded.py's `simulate`/
// `accept_new_connection`/`publish_stock_data`, with its three independent
// timer threads collapsed into one single-writer main loop fed by a
// channel from a separate TCP accept goroutine: one goroutine mutates all
// simulator state, everything else talks to it only by channel send.
package simulator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/ndrandal/stockmarketsim/internal/framing"
	"github.com/ndrandal/stockmarketsim/internal/market"
	"github.com/ndrandal/stockmarketsim/internal/proto"
	"github.com/ndrandal/stockmarketsim/internal/symbol"
)

// Config holds every timing/sizing parameter of the publish pipeline.
type Config struct {
	UpdateRate       time.Duration // intra-minute tick period
	MinuteRate       time.Duration // wall time per simulated minute
	PublishRate      time.Duration // how often a tick is published
	SubscribeTimeout time.Duration // subscription liveness window
	DelayDepth       int           // D: publish periods the public feed lags the broker feed
	Seed             int64
}

// SamplesPerMinute derives S = MINUTE_RATE / UPDATE_RATE.
func (c Config) SamplesPerMinute() int {
	return int(c.MinuteRate / c.UpdateRate)
}

type subscription struct {
	host          string
	port          int
	lastRefreshNS int64
}

// connEvent is handed from the accept goroutine to the main loop so that
// only the main loop ever touches subs/brokerConn.
type connEvent struct {
	conn  net.Conn
	hello proto.SubscribeHello
}

// Simulator owns the subscription table, delay queue, and broker connection
// handle. Every field below this comment is touched only by Run's loop.
type Simulator struct {
	cfg Config
	gen *market.Generator

	subs       []subscription
	brokerConn net.Conn
	delayQueue []proto.TickUpdate
	tickIdx    int

	udpConn *net.UDPConn
	events  chan connEvent
	statsReq chan chan Stats
}

// Stats is a point-in-time snapshot of simulator state, read out through
// the main loop so callers never touch subs/brokerConn directly.
type Stats struct {
	Subscribers     int
	TickIndex       int
	BrokerConnected bool
	Prices          map[string]float64
}

// New creates a Simulator over a loaded bar universe.
func New(cfg Config, bars map[string][]market.Bar) (*Simulator, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("simulator: open publish socket: %w", err)
	}
	return &Simulator{
		cfg:     cfg,
		gen:     market.NewGenerator(bars, symbol.Universe, cfg.SamplesPerMinute(), cfg.Seed),
		udpConn:  udpConn,
		events:   make(chan connEvent, 64),
		statsReq: make(chan chan Stats),
	}, nil
}

// Stats returns a snapshot of simulator state, or an error if ctx is
// cancelled before the main loop answers.
func (s *Simulator) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case s.statsReq <- reply:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Serve accepts TCP hello connections on ln and runs the publish loop until
// ctx is cancelled.
func (s *Simulator) Serve(ctx context.Context, ln net.Listener) error {
	go s.acceptLoop(ctx, ln)
	s.run(ctx)
	s.udpConn.Close()
	if s.brokerConn != nil {
		s.brokerConn.Close()
	}
	return nil
}

func (s *Simulator) acceptLoop(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.greet(ctx, conn)
	}
}

// greet reads the single hello frame off a freshly accepted connection and
// forwards it to the main loop. Subscriber connections are closed
// immediately after; a broker connection is handed to the main loop to own.
func (s *Simulator) greet(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	result, raw, err := framing.DecodeRaw(r)
	if result != framing.ResultOK {
		_ = err
		conn.Close()
		return
	}
	var hello proto.SubscribeHello
	if err := json.Unmarshal(raw, &hello); err != nil {
		conn.Close()
		return
	}

	select {
	case s.events <- connEvent{conn: conn, hello: hello}:
	case <-ctx.Done():
		conn.Close()
	}
}

// run is the single-writer main loop: it owns subs, brokerConn, the delay
// queue, and the tick/minute indices.
func (s *Simulator) run(ctx context.Context) {
	updateTicker := time.NewTicker(s.cfg.UpdateRate)
	minuteTicker := time.NewTicker(s.cfg.MinuteRate)
	publishTicker := time.NewTicker(s.cfg.PublishRate)
	defer updateTicker.Stop()
	defer minuteTicker.Stop()
	defer publishTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-updateTicker.C:
			s.tickIdx++
		case <-minuteTicker.C:
			s.gen.AdvanceMinute()
			s.tickIdx = 0
		case <-publishTicker.C:
			s.publishOnce()
		case reply := <-s.statsReq:
			reply <- s.snapshot()
		}
	}
}

func (s *Simulator) snapshot() Stats {
	return Stats{
		Subscribers:     len(s.subs),
		TickIndex:       s.tickIdx,
		BrokerConnected: s.brokerConn != nil,
		Prices:          s.gen.Sample(s.tickIdx),
	}
}

func (s *Simulator) handleEvent(ev connEvent) {
	if ev.hello.Type == "broker" {
		if s.brokerConn != nil {
			s.brokerConn.Close()
		}
		s.brokerConn = ev.conn
		log.Printf("simulator: broker connected from %s", ev.conn.RemoteAddr())
		return
	}

	now := time.Now().UnixNano()
	for i := range s.subs {
		if s.subs[i].host == ev.hello.Hostname && s.subs[i].port == ev.hello.Port {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	s.subs = append(s.subs, subscription{host: ev.hello.Hostname, port: ev.hello.Port, lastRefreshNS: now})
	ev.conn.Close()
}

func (s *Simulator) evictExpired(now int64) {
	i := 0
	for i < len(s.subs) && now-s.subs[i].lastRefreshNS >= int64(s.cfg.SubscribeTimeout) {
		i++
	}
	if i > 0 {
		s.subs = s.subs[i:]
	}
}

func (s *Simulator) publishOnce() {
	now := time.Now().UnixNano()
	update := proto.TickUpdate{
		Type:   "stockmarketsimupdate",
		TimeNS: now,
		Prices: s.gen.Sample(s.tickIdx),
	}

	if s.brokerConn != nil {
		if err := framing.Write(s.brokerConn, update); err != nil {
			log.Printf("simulator: broker write failed, dropping connection: %v", err)
			s.brokerConn.Close()
			s.brokerConn = nil
		}
	}

	s.evictExpired(now)

	s.delayQueue = append(s.delayQueue, update)
	if len(s.delayQueue) <= s.cfg.DelayDepth {
		return
	}
	delayed := s.delayQueue[0]
	s.delayQueue = s.delayQueue[1:]
	s.fanOut(delayed)
}

func (s *Simulator) fanOut(update proto.TickUpdate) {
	body, err := json.Marshal(update)
	if err != nil {
		return
	}
	for _, sub := range s.subs {
		addr := &net.UDPAddr{IP: net.ParseIP(sub.host), Port: sub.port}
		s.udpConn.WriteToUDP(body, addr)
	}
}

