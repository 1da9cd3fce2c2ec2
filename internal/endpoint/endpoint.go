// Package endpoint implements a client-side library: a
// broker RPC connection with exponential-backoff reconnect, and a
// simulator subscription with a background receiver that keeps
// `RecentPrice` warm and periodically re-subscribes to survive a simulator
// restart. Grounded on the broker's own internal/broker.shardConn
// dial-then-serve-loop shape (the broker is itself a client of the
// replicators, so its reconnect idiom is the natural model for this
// outward-facing client) and on original_source/StockMarketClient.py for
// the call surface (register/buy/sell/balance/get_leaderboard/
// get_stock_update).
package endpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ndrandal/stockmarketsim/internal/discovery"
	"github.com/ndrandal/stockmarketsim/internal/framing"
	"github.com/ndrandal/stockmarketsim/internal/proto"
)

const (
	connectTimeout = 5 * time.Second
	requestTimeout = 5 * time.Second

	initialReconnectBackoff = 500 * time.Millisecond
	maxReconnectBackoff     = 10 * time.Second
)

// Config configures an Endpoint.
type Config struct {
	Project          string
	Disc             *discovery.Client
	SubscribeTimeout time.Duration // must match the simulator's configured value
}

// Endpoint is a single user's connection to the broker (for RPCs) and to
// the simulator (for the delayed price feed). It is safe for concurrent
// use: RecentPrice may be read from any goroutine while the background
// receiver updates it.
type Endpoint struct {
	cfg Config

	brokerMu   sync.Mutex
	brokerConn net.Conn

	priceMu      sync.RWMutex
	recentPrice  map[string]float64
	udpConn      *net.UDPConn
}

// New creates an Endpoint, dials the broker once, subscribes to the
// simulator, and starts the background price receiver. The returned
// Endpoint owns both connections until ctx is cancelled.
func New(ctx context.Context, cfg Config) (*Endpoint, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("endpoint: open subscriber socket: %w", err)
	}

	e := &Endpoint{
		cfg:         cfg,
		recentPrice: make(map[string]float64),
		udpConn:     udpConn,
	}

	if err := e.subscribe(ctx, false); err != nil {
		udpConn.Close()
		return nil, err
	}
	if _, err := e.brokerConnection(ctx); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("endpoint: connect to broker: %w", err)
	}

	go e.receiveLoop(ctx)
	go e.resubscribeLoop(ctx)

	return e, nil
}

// Close releases the endpoint's sockets.
func (e *Endpoint) Close() {
	e.brokerMu.Lock()
	if e.brokerConn != nil {
		e.brokerConn.Close()
		e.brokerConn = nil
	}
	e.brokerMu.Unlock()
	e.udpConn.Close()
}

// RecentPrice returns the last price seen for ticker, and whether any
// price has been received yet.
func (e *Endpoint) RecentPrice(ticker string) (float64, bool) {
	e.priceMu.RLock()
	defer e.priceMu.RUnlock()
	p, ok := e.recentPrice[ticker]
	return p, ok
}

// RecentPrices returns a snapshot of every ticker's last known price.
func (e *Endpoint) RecentPrices() map[string]float64 {
	e.priceMu.RLock()
	defer e.priceMu.RUnlock()
	out := make(map[string]float64, len(e.recentPrice))
	for t, p := range e.recentPrice {
		out[t] = p
	}
	return out
}

// subscribe dials the simulator and sends a subscription hello carrying
// this endpoint's UDP listening address.
func (e *Endpoint) subscribe(ctx context.Context, resub bool) error {
	entries := e.cfg.Disc.Lookup(ctx, e.cfg.Project, proto.ServiceSimulator)

	var lastErr error
	for _, entry := range entries {
		addr := fmt.Sprintf("%s:%d", entry.Name, entry.Port)
		conn, err := net.DialTimeout("tcp", addr, connectTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		hello := proto.SubscribeHello{
			Hostname: localUDPHost(e.udpConn),
			Port:     e.udpConn.LocalAddr().(*net.UDPAddr).Port,
			Resub:    resub,
		}
		err = framing.Write(conn, hello)
		conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("endpoint: no simulator instances available")
	}
	return fmt.Errorf("endpoint: subscribe: %w", lastErr)
}

func localUDPHost(conn *net.UDPConn) string {
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil || host == "" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

// resubscribeLoop re-subscribes on a jittered interval so the simulator
// doesn't see every client's resubscription land in the same tick after a
// restart: randomized to avoid herd re-subscription.
func (e *Endpoint) resubscribeLoop(ctx context.Context) {
	for {
		jitter := 0.8 + rand.Float64()*0.1 // Uniform(0.8, 0.9)
		wait := time.Duration(float64(e.cfg.SubscribeTimeout) * jitter)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := e.subscribe(ctx, true); err != nil {
			// A failed resubscribe just means we try again next interval;
			// the subscriber-side timeout degrading to stale prices is
			// the visible symptom, not a terminal failure.
			continue
		}
	}
}

// receiveLoop continuously reads UDP price updates into recentPrice.
func (e *Endpoint) receiveLoop(ctx context.Context) {
	buf := make([]byte, 8192)
	for {
		if ctx.Err() != nil {
			return
		}
		e.udpConn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := e.udpConn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		var update proto.TickUpdate
		if err := json.Unmarshal(buf[:n], &update); err != nil {
			continue
		}
		e.priceMu.Lock()
		for t, p := range update.Prices {
			e.recentPrice[t] = p
		}
		e.priceMu.Unlock()
	}
}

// call sends req to the broker and returns its decoded reply, dialing (or
// redialing) the broker connection with exponential backoff first.
func (e *Endpoint) call(ctx context.Context, req proto.Request) (proto.Response, error) {
	conn, err := e.brokerConnection(ctx)
	if err != nil {
		return proto.Response{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	type result struct {
		resp proto.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := framing.Write(conn, req); err != nil {
			done <- result{err: fmt.Errorf("endpoint: write request: %w", err)}
			return
		}
		r := bufio.NewReader(conn)
		var resp proto.Response
		decodeResult, err := framing.Decode(r, &resp)
		if decodeResult != framing.ResultOK {
			done <- result{err: fmt.Errorf("endpoint: decode response: %w", err)}
			return
		}
		done <- result{resp: resp}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			e.dropBrokerConnection()
		}
		return res.resp, res.err
	case <-reqCtx.Done():
		e.dropBrokerConnection()
		return proto.Response{}, reqCtx.Err()
	}
}

func (e *Endpoint) dropBrokerConnection() {
	e.brokerMu.Lock()
	if e.brokerConn != nil {
		e.brokerConn.Close()
		e.brokerConn = nil
	}
	e.brokerMu.Unlock()
}

// brokerConnection returns the current broker connection, dialing a fresh
// one with exponential backoff if there isn't one.
func (e *Endpoint) brokerConnection(ctx context.Context) (net.Conn, error) {
	e.brokerMu.Lock()
	defer e.brokerMu.Unlock()
	if e.brokerConn != nil {
		return e.brokerConn, nil
	}

	backoff := initialReconnectBackoff
	for {
		entries := e.cfg.Disc.Lookup(ctx, e.cfg.Project, proto.ServiceBroker)
		for _, entry := range entries {
			addr := fmt.Sprintf("%s:%d", entry.Name, entry.Port)
			conn, err := net.DialTimeout("tcp", addr, connectTimeout)
			if err == nil {
				e.brokerConn = conn
				return conn, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

// Register creates a new account.
func (e *Endpoint) Register(ctx context.Context, username, password string) (proto.Response, error) {
	return e.call(ctx, proto.Request{Action: proto.ActionRegister, Username: username, Password: password})
}

// Buy submits a buy order.
func (e *Endpoint) Buy(ctx context.Context, username, password, ticker string, amount int64) (proto.Response, error) {
	return e.call(ctx, proto.Request{
		Action: proto.ActionBuy, Username: username, Password: password,
		Ticker: ticker, Amount: amount,
	})
}

// Sell submits a sell order.
func (e *Endpoint) Sell(ctx context.Context, username, password, ticker string, amount int64) (proto.Response, error) {
	return e.call(ctx, proto.Request{
		Action: proto.ActionSell, Username: username, Password: password,
		Ticker: ticker, Amount: amount,
	})
}

// Balance fetches the account's current cash/shares/net worth.
func (e *Endpoint) Balance(ctx context.Context, username, password string) (proto.Response, error) {
	return e.call(ctx, proto.Request{Action: proto.ActionBalance, Username: username, Password: password})
}

// GetLeaderboard fetches the formatted top-10 text block.
func (e *Endpoint) GetLeaderboard(ctx context.Context, username, password string) (proto.Response, error) {
	return e.call(ctx, proto.Request{Action: proto.ActionLeaderboard, Username: username, Password: password})
}

// GetStockUpdate returns the last price this endpoint has received for
// ticker, and whether a price has arrived yet.
func (e *Endpoint) GetStockUpdate(ticker string) (float64, bool) {
	return e.RecentPrice(ticker)
}
