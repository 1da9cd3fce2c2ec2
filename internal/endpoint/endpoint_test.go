package endpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ndrandal/stockmarketsim/internal/discovery"
	"github.com/ndrandal/stockmarketsim/internal/framing"
	"github.com/ndrandal/stockmarketsim/internal/proto"
)

// fakeBroker accepts connections and answers every request with respond(req).
func fakeBroker(t *testing.T, respond func(proto.Request) proto.Response) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					result, raw, err := framing.DecodeRaw(r)
					if result != framing.ResultOK {
						_ = err
						return
					}
					var req proto.Request
					json.Unmarshal(raw, &req)
					if err := framing.Write(conn, respond(req)); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// fakeSimulator accepts TCP hellos, records each one, and after each
// immediately sends one UDP datagram to the subscriber address it was given.
func fakeSimulator(t *testing.T) (addr string, lastHello func() proto.SubscribeHello, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	helloCh := make(chan proto.SubscribeHello, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r := bufio.NewReader(conn)
			result, raw, err := framing.DecodeRaw(r)
			conn.Close()
			if result != framing.ResultOK {
				_ = err
				continue
			}
			var hello proto.SubscribeHello
			if err := json.Unmarshal(raw, &hello); err != nil {
				continue
			}
			helloCh <- hello

			body, _ := json.Marshal(proto.TickUpdate{
				Type:   "stockmarketsimupdate",
				TimeNS: 1,
				Prices: map[string]float64{"TSLA": 123.45},
			})
			udpConn.WriteToUDP(body, &net.UDPAddr{IP: net.ParseIP(hello.Hostname), Port: hello.Port})
		}
	}()

	var last proto.SubscribeHello
	return ln.Addr().String(), func() proto.SubscribeHello {
			select {
			case h := <-helloCh:
				last = h
				return h
			case <-time.After(time.Second):
				return last
			}
		}, func() {
			ln.Close()
			udpConn.Close()
		}
}

func catalogServer(t *testing.T, entries []proto.CatalogEntry) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(entries)
	}))
}

func mustPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func TestNewSubscribesAndReceivesPrice(t *testing.T) {
	simAddr, _, stopSim := fakeSimulator(t)
	defer stopSim()
	simHost, simPort := mustPort(t, simAddr)

	brokerAddr, stopBroker := fakeBroker(t, func(req proto.Request) proto.Response {
		return proto.Ok(nil)
	})
	defer stopBroker()
	brokerHost, brokerPort := mustPort(t, brokerAddr)

	cat := catalogServer(t, []proto.CatalogEntry{
		{Type: proto.ServiceSimulator, Project: "proj", Name: simHost, Port: simPort},
		{Type: proto.ServiceBroker, Project: "proj", Name: brokerHost, Port: brokerPort},
	})
	defer cat.Close()

	disc := discovery.New(cat.URL, "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep, err := New(ctx, Config{Project: "proj", Disc: disc, SubscribeTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ep.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if price, ok := ep.GetStockUpdate("TSLA"); ok {
			if price != 123.45 {
				t.Fatalf("price = %v, want 123.45", price)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("never received a price update")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCallRoundTripsThroughBroker(t *testing.T) {
	simAddr, _, stopSim := fakeSimulator(t)
	defer stopSim()
	simHost, simPort := mustPort(t, simAddr)

	brokerAddr, stopBroker := fakeBroker(t, func(req proto.Request) proto.Response {
		if req.Action == proto.ActionBalance && req.Username == "alice" {
			return proto.Ok(proto.BalanceValue{Str: "ok", Cash: 100000, NetWorth: 100000})
		}
		return proto.Fail("unexpected")
	})
	defer stopBroker()
	brokerHost, brokerPort := mustPort(t, brokerAddr)

	cat := catalogServer(t, []proto.CatalogEntry{
		{Type: proto.ServiceSimulator, Project: "proj", Name: simHost, Port: simPort},
		{Type: proto.ServiceBroker, Project: "proj", Name: brokerHost, Port: brokerPort},
	})
	defer cat.Close()

	disc := discovery.New(cat.URL, "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep, err := New(ctx, Config{Project: "proj", Disc: disc, SubscribeTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ep.Close()

	resp, err := ep.Balance(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Balance response: %+v", resp)
	}
}

func TestCallReconnectsAfterBrokerDrop(t *testing.T) {
	simAddr, _, stopSim := fakeSimulator(t)
	defer stopSim()
	simHost, simPort := mustPort(t, simAddr)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	brokerHost, brokerPort := mustPort(t, ln.Addr().String())

	// First connection: accept then immediately close, forcing the
	// endpoint to treat the reply as failed and redial on the next call.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()

		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r := bufio.NewReader(conn)
			result, raw, err := framing.DecodeRaw(r)
			if result != framing.ResultOK {
				_ = err
				conn.Close()
				return
			}
			var req proto.Request
			json.Unmarshal(raw, &req)
			framing.Write(conn, proto.Ok(proto.BalanceValue{Str: "ok"}))
			conn.Close()
		}
	}()

	cat := catalogServer(t, []proto.CatalogEntry{
		{Type: proto.ServiceSimulator, Project: "proj", Name: simHost, Port: simPort},
		{Type: proto.ServiceBroker, Project: "proj", Name: brokerHost, Port: brokerPort},
	})
	defer cat.Close()

	disc := discovery.New(cat.URL, "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep, err := New(ctx, Config{Project: "proj", Disc: disc, SubscribeTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ep.Close()

	// First call: broker closes the connection before replying -> error.
	if _, err := ep.Balance(ctx, "alice", "pw"); err == nil {
		t.Fatal("expected first call to fail against a connection that closes immediately")
	}
	// Second call: the endpoint should have dropped the dead connection
	// and redialed against the accept loop's second branch.
	resp, err := ep.Balance(ctx, "alice", "pw")
	if err != nil {
		t.Fatalf("Balance after reconnect: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Balance after reconnect: %+v", resp)
	}
}
