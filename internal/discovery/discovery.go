// Package discovery implements the catalog-mediated service lookup used by
// every component to find its peers. The catalog itself is a
// black box: an HTTP endpoint returning a JSON array of entries, plus a UDP
// registration datagram. We never talk to the real one in tests; Client's
// HTTP client is overridable.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ndrandal/stockmarketsim/internal/proto"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff      = 30 * time.Second
)

// Client looks up and advertises services through the catalog.
type Client struct {
	CatalogURL string // e.g. "http://catalog.cse.nd.edu:9097/query.json"
	CatalogUDP string // e.g. "catalog.cse.nd.edu:9097"
	HTTPClient *http.Client
}

// New creates a discovery client pointed at the given catalog HTTP query
// URL and UDP registration address.
func New(catalogURL, catalogUDP string) *Client {
	return &Client{
		CatalogURL: catalogURL,
		CatalogUDP: catalogUDP,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Lookup fetches the catalog and returns every entry whose Project and
// Type match. On failure or an empty result it waits, doubles the wait
// (capped at maxBackoff), and retries until ctx is cancelled, in which case
// it returns nil; otherwise it never returns an empty slice. Callers
// iterate the result in order, attempting connection to each.
func (c *Client) Lookup(ctx context.Context, project, serviceType string) []proto.CatalogEntry {
	backoff := initialBackoff
	for {
		entries, err := c.fetch(ctx)
		if err == nil {
			var matches []proto.CatalogEntry
			for _, e := range entries {
				if e.Project == project && e.Type == serviceType {
					matches = append(matches, e)
				}
			}
			if len(matches) > 0 {
				return matches
			}
			log.Printf("discovery: no %s/%s entries in catalog, retrying in %v", project, serviceType, backoff)
		} else {
			log.Printf("discovery: catalog fetch failed: %v, retrying in %v", err, backoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) fetch(ctx context.Context) ([]proto.CatalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.CatalogURL, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: build request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	var entries []proto.CatalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("discovery: decode catalog: %w", err)
	}
	return entries, nil
}

// Register sends one UDP registration datagram advertising this component.
// Errors are logged, not returned — a dropped
// registration datagram is retried on the next tick by the caller.
func (c *Client) Register(serviceType, project, owner string, port int) {
	msg := proto.CatalogRegistration{
		Type:    serviceType,
		Owner:   owner,
		Port:    port,
		Project: project,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("discovery: marshal registration: %v", err)
		return
	}
	conn, err := net.Dial("udp", c.CatalogUDP)
	if err != nil {
		log.Printf("discovery: dial catalog udp: %v", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		log.Printf("discovery: write registration: %v", err)
	}
}

// RunRegistration sends a registration datagram immediately, then every
// interval until ctx is cancelled: a signal-timer pattern re-expressed as
// a goroutine + ticker.
func (c *Client) RunRegistration(ctx context.Context, serviceType, project, owner string, port int, interval time.Duration) {
	c.Register(serviceType, project, owner, port)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Register(serviceType, project, owner, port)
		}
	}
}

// ServiceTypeForShard returns the catalog service type string for
// replicator shard n ("chain-<n>").
func ServiceTypeForShard(n int) string {
	return proto.ServiceReplicatorPrefix + strconv.Itoa(n)
}
