// Package replicator implements one shard of the account ledger: it owns a
// single upstream broker connection, a write-ahead log, and the in-memory
// account map for every user hashed onto this shard. The request dispatch
// and authentication sequencing follows original_source/src/Replicator.py
// (perform_request/_register_user/_user_buy/_user_sell/_get_user_balance),
// expressed in Go as a sync.Mutex-guarded struct with exactly one
// goroutine mutating ledger state.
package replicator

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

	"github.com/ndrandal/stockmarketsim/internal/account"
	"github.com/ndrandal/stockmarketsim/internal/framing"
	"github.com/ndrandal/stockmarketsim/internal/proto"
	"github.com/ndrandal/stockmarketsim/internal/symbol"
	"github.com/ndrandal/stockmarketsim/internal/wal"
)

// upstreamIdleTimeout matches original_source's socket.settimeout(60) on the
// accepted connection: if the broker goes quiet this long, we assume it is
// gone and wait for a fresh connection.
const upstreamIdleTimeout = 60 * time.Second

// TradeEvent describes one committed BUY/SELL, handed off for the optional
// audit sink to pick up. It is sent only after the WAL append for that
// trade is already durable.
type TradeEvent struct {
	Shard    int
	Username string
	Op       string // "BUY" or "SELL"
	Ticker   string
	Amount   int64
	Price    float64
}

// Shard owns the accounts for one hash bucket plus the WAL that makes their
// mutations durable.
type Shard struct {
	Index int

	mu           sync.Mutex
	accounts     map[string]*account.Account
	log          *wal.WAL
	latestPrices map[string]float64

	connMu    sync.Mutex
	activeGen uint64

	// TradeEvents, if non-nil, receives one TradeEvent per committed
	// BUY/SELL via a non-blocking send that drops the event rather than
	// blocking a trade on a slow audit consumer (see internal/audit).
	TradeEvents chan<- TradeEvent
}

// New wraps an already-opened WAL and its replayed account map as a Shard.
func New(index int, w *wal.WAL, accounts map[string]*account.Account) *Shard {
	return &Shard{
		Index:        index,
		accounts:     accounts,
		log:          w,
		latestPrices: make(map[string]float64),
	}
}

// emitTrade drops the event if TradeEvents is unset or its buffer is full.
func (s *Shard) emitTrade(ev TradeEvent) {
	if s.TradeEvents == nil {
		return
	}
	select {
	case s.TradeEvents <- ev:
	default:
	}
}

// Serve accepts connections on ln until ctx is cancelled. Every accepted
// connection's first frame must be {"type":"broker"}; any
// other first frame, or a framing error, closes the connection immediately.
// A new broker connection replaces whatever was previously active.
func (s *Shard) Serve(ctx context.Context, ln net.Listener) error {
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
			return fmt.Errorf("replicator: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Shard) handleConn(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(upstreamIdleTimeout))
	r := bufio.NewReader(conn)
	result, raw, _ := framing.DecodeRaw(r)
	if result != framing.ResultOK {
		conn.Close()
		return
	}
	var hello proto.SubscribeHello
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Type != "broker" {
		conn.Close()
		return
	}

	s.connMu.Lock()
	s.activeGen++
	myGen := s.activeGen
	s.connMu.Unlock()

	log.Printf("replicator[%d]: broker connected from %s", s.Index, conn.RemoteAddr())
	defer conn.Close()

	for {
		s.connMu.Lock()
		stale := myGen != s.activeGen
		s.connMu.Unlock()
		if stale || ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(upstreamIdleTimeout))
		result, raw, err := framing.DecodeRaw(r)
		switch result {
		case framing.ResultEOF:
			log.Printf("replicator[%d]: broker disconnected", s.Index)
			return
		case framing.ResultFramingError:
			log.Printf("replicator[%d]: framing error from broker: %v", s.Index, err)
			return
		}

		var req proto.Request
		resp := proto.Fail("Unintelligable request")
		if json.Unmarshal(raw, &req) == nil {
			resp = s.handle(req)
		}
		if err := framing.Write(conn, resp); err != nil {
			return
		}
	}
}

// handle dispatches one request to its action handler.
func (s *Shard) handle(req proto.Request) proto.Response {
	if req.Action == "" {
		return proto.Fail("Action was not provided")
	}
	if req.Action == proto.ActionBrokerLeaderboard {
		s.mu.Lock()
		if req.LatestStockInfo != nil {
			s.latestPrices = req.LatestStockInfo
		}
		worths := s.netWorthsLocked()
		s.mu.Unlock()
		return proto.Ok(worths)
	}

	if req.Username == "" {
		return proto.Fail("Username not provided.")
	}
	if req.Password == "" {
		return proto.Fail("Password not provided")
	}

	if req.Action == proto.ActionRegister {
		return s.register(req.Username, req.Password)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.LatestStockInfo != nil {
		s.latestPrices = req.LatestStockInfo
	}

	acct, ok := s.accounts[req.Username]
	if !ok {
		return proto.Fail("User associated with Username does not exist.")
	}
	if !acct.Authenticate(req.Password) {
		return proto.Fail(fmt.Sprintf("Password for %s is incorrect", req.Username))
	}

	switch req.Action {
	case proto.ActionBuy:
		return s.buyLocked(acct, req)
	case proto.ActionSell:
		return s.sellLocked(acct, req)
	case proto.ActionBalance:
		return s.balanceLocked(acct)
	default:
		return proto.Fail(fmt.Sprintf("%s is an invalid action.", req.Action))
	}
}

func (s *Shard) register(username, password string) proto.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[username]; exists {
		return proto.Fail(fmt.Sprintf("Username %s is already in use.", username))
	}

	if err := s.log.Append(wal.Record{
		TimestampNS: time.Now().UnixNano(),
		Op:          wal.OpRegister,
		Username:    username,
		Password:    password,
	}); err != nil {
		log.Fatalf("replicator[%d]: WAL append (register) failed, cannot guarantee durability: %v", s.Index, err)
	}

	s.accounts[username] = account.New(username, password)
	s.maybeCheckpointLocked()
	return proto.Ok(nil)
}

func (s *Shard) buyLocked(acct *account.Account, req proto.Request) proto.Response {
	if !symbol.Valid(req.Ticker) {
		return proto.Fail(fmt.Sprintf("Ticker %s is not valid.", req.Ticker))
	}
	if req.Amount < 0 {
		return proto.Fail("Amount must be a positive value >0.")
	}
	if req.Amount == 0 {
		return proto.Ok(fmt.Sprintf("Purchased 0 shares of %s.", req.Ticker))
	}

	price := s.latestPrices[req.Ticker]
	if !acct.CanBuy(req.Amount, price) {
		return proto.Fail(fmt.Sprintf("Insufficient funds to purchase %d shares of %s at %v", req.Amount, req.Ticker, price))
	}

	if err := s.log.Append(wal.Record{
		TimestampNS: time.Now().UnixNano(),
		Op:          wal.OpBuy,
		Username:    acct.Username,
		Ticker:      req.Ticker,
		Amount:      req.Amount,
		Price:       price,
	}); err != nil {
		log.Fatalf("replicator[%d]: WAL append (buy) failed, cannot guarantee durability: %v", s.Index, err)
	}

	acct.Buy(req.Ticker, req.Amount, price)
	s.maybeCheckpointLocked()
	s.emitTrade(TradeEvent{Shard: s.Index, Username: acct.Username, Op: "BUY", Ticker: req.Ticker, Amount: req.Amount, Price: price})
	return proto.Ok(fmt.Sprintf("Purchased %d shares of %s at %v", req.Amount, req.Ticker, price))
}

func (s *Shard) sellLocked(acct *account.Account, req proto.Request) proto.Response {
	if !symbol.Valid(req.Ticker) {
		return proto.Fail(fmt.Sprintf("Ticker %s is not valid.", req.Ticker))
	}
	if req.Amount < 0 {
		return proto.Fail("Amount must be a positive value >0.")
	}
	if req.Amount == 0 {
		return proto.Ok(fmt.Sprintf("Sold 0 shares of %s.", req.Ticker))
	}

	price := s.latestPrices[req.Ticker]
	if !acct.CanSell(req.Ticker, req.Amount) {
		return proto.Fail(fmt.Sprintf("Insufficient owned shares to sell %d shares of %s at %v", req.Amount, req.Ticker, price))
	}

	if err := s.log.Append(wal.Record{
		TimestampNS: time.Now().UnixNano(),
		Op:          wal.OpSell,
		Username:    acct.Username,
		Ticker:      req.Ticker,
		Amount:      req.Amount,
		Price:       price,
	}); err != nil {
		log.Fatalf("replicator[%d]: WAL append (sell) failed, cannot guarantee durability: %v", s.Index, err)
	}

	acct.Sell(req.Ticker, req.Amount, price)
	s.maybeCheckpointLocked()
	s.emitTrade(TradeEvent{Shard: s.Index, Username: acct.Username, Op: "SELL", Ticker: req.Ticker, Amount: req.Amount, Price: price})
	return proto.Ok(fmt.Sprintf("Sold %d shares of %s at %v", req.Amount, req.Ticker, price))
}

func (s *Shard) balanceLocked(acct *account.Account) proto.Response {
	worth := acct.NetWorth(s.latestPrices)
	return proto.Ok(proto.BalanceValue{
		Str:      fmt.Sprintf("%s Net Worth: %v", acct.Username, worth),
		NetWorth: worth,
		Cash:     acct.Cash,
		Stocks:   acct.Shares,
	})
}

func (s *Shard) netWorthsLocked() map[string]float64 {
	out := make(map[string]float64, len(s.accounts))
	for username, acct := range s.accounts {
		out[username] = acct.NetWorth(s.latestPrices)
	}
	return out
}

// maybeCheckpointLocked triggers a checkpoint every K records, per spec
// §4.3. Must be called with s.mu held.
func (s *Shard) maybeCheckpointLocked() {
	if !s.log.ShouldCheckpoint() {
		return
	}
	if err := s.log.Checkpoint(s.accounts, time.Now().UnixNano()); err != nil {
		log.Printf("replicator[%d]: checkpoint failed (log keeps growing until next attempt): %v", s.Index, err)
	}
}

// SortedUsernames returns every username on this shard in ascending order,
// used by tests and the dashboard snapshot.
func (s *Shard) SortedUsernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.accounts))
	for u := range s.accounts {
		names = append(names, u)
	}
	sort.Strings(names)
	return names
}
