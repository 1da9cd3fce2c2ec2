// Command client is a minimal register -> buy -> balance -> leaderboard
// smoke driver over internal/endpoint, giving the client library a real
// caller instead of leaving it exercised only by tests.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/ndrandal/stockmarketsim/internal/discovery"
	"github.com/ndrandal/stockmarketsim/internal/endpoint"
)

func main() {
	var (
		project          = flag.String("project", envStr("PROJECT_NAME", "stockmarketsim"), "catalog project name")
		catalogURL       = flag.String("catalog-url", envStr("CATALOG_URL", "http://catalog.cse.nd.edu:9097/query.json"), "catalog HTTP query URL")
		catalogUDP       = flag.String("catalog-udp", envStr("CATALOG_UDP", "catalog.cse.nd.edu:9097"), "catalog UDP registration address")
		subscribeTimeout = flag.Duration("subscribe-timeout", 30*time.Second, "must match the simulator's configured value")
		username         = flag.String("username", "", "account username")
		password         = flag.String("password", "", "account password")
		ticker           = flag.String("ticker", "TSLA", "ticker to buy/sell")
		amount           = flag.Int64("amount", 1, "shares to buy")
	)
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *username == "" || *password == "" {
		log.Fatal("both -username and -password are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	disc := discovery.New(*catalogURL, *catalogUDP)
	ep, err := endpoint.New(ctx, endpoint.Config{
		Project:          *project,
		Disc:             disc,
		SubscribeTimeout: *subscribeTimeout,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer ep.Close()

	resp, err := ep.Register(ctx, *username, *password)
	if err != nil {
		log.Fatalf("register: %v", err)
	}
	log.Printf("register: success=%v value=%v", resp.Success, resp.Value)

	resp, err = ep.Buy(ctx, *username, *password, *ticker, *amount)
	if err != nil {
		log.Fatalf("buy: %v", err)
	}
	log.Printf("buy %d %s: success=%v value=%v", *amount, *ticker, resp.Success, resp.Value)

	resp, err = ep.Balance(ctx, *username, *password)
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	log.Printf("balance: success=%v value=%v", resp.Success, resp.Value)

	resp, err = ep.GetLeaderboard(ctx, *username, *password)
	if err != nil {
		log.Fatalf("leaderboard: %v", err)
	}
	log.Printf("leaderboard:\n%v", resp.Value)

	if price, ok := ep.GetStockUpdate(*ticker); ok {
		log.Printf("recent %s price from simulator feed: %.2f", *ticker, price)
	} else {
		log.Printf("no simulator price received yet for %s", *ticker)
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
