// Package proto defines every JSON payload exchanged on the wire: broker
// client requests and replies, the simulator's subscription hello and tick
// update, and the catalog registration datagram. Every message is framed
// with internal/framing before it hits a socket.
package proto

import "encoding/json"

// Action names accepted by the broker/replicator request handler.
const (
	ActionRegister          = "register"
	ActionBuy               = "buy"
	ActionSell              = "sell"
	ActionBalance           = "balance"
	ActionLeaderboard       = "leaderboard"
	ActionBrokerLeaderboard = "broker_leaderboard"
)

// Request is a client→broker→replicator action. Not every field is set for
// every action; each handler reads the plain fields its action needs.
type Request struct {
	Action          string             `json:"action"`
	Username        string             `json:"username,omitempty"`
	Password        string             `json:"password,omitempty"`
	Ticker          string             `json:"ticker,omitempty"`
	Amount          int64              `json:"amount,omitempty"`
	LatestStockInfo map[string]float64 `json:"latest_stock_info,omitempty"`
}

// Response is the universal broker/replicator reply envelope.
type Response struct {
	Success bool `json:"Success"`
	Value   any  `json:"Value"`
}

// Ok builds a successful Response.
func Ok(value any) Response { return Response{Success: true, Value: value} }

// Fail builds a failed Response carrying a human-readable reason.
func Fail(reason string) Response { return Response{Success: false, Value: reason} }

// BalanceValue is the Value payload of a successful "balance" Response.
type BalanceValue struct {
	Str      string           `json:"Str"`
	NetWorth float64          `json:"Net Worth"`
	Cash     float64          `json:"Cash"`
	Stocks   map[string]int64 `json:"Stocks"`
}

// SubscribeHello is sent by a client over a short-lived TCP connection to
// the simulator to register (or refresh) a UDP subscription.
type SubscribeHello struct {
	Type     string `json:"type,omitempty"` // "broker" when promoting to the live feed connection
	Hostname string `json:"hostname,omitempty"`
	Port     int    `json:"port,omitempty"`
	Resub    bool   `json:"resub,omitempty"`
}

// TickUpdate is the simulator's price snapshot: framed over TCP to the
// broker (the live feed) and sent as a raw UDP datagram to every live
// subscriber (the public, delayed feed).
type TickUpdate struct {
	Type   string
	TimeNS int64
	Prices map[string]float64
}

// MarshalJSON flattens Prices into top-level per-ticker fields:
// {type, time, <t>: price for t in universe}.
func (u TickUpdate) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(u.Prices)+2)
	m["type"] = u.Type
	m["time"] = u.TimeNS
	for t, p := range u.Prices {
		m[t] = p
	}
	return json.Marshal(m)
}

// UnmarshalJSON reverses MarshalJSON, collecting every field that isn't
// "type"/"time" into Prices.
func (u *TickUpdate) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	u.Prices = make(map[string]float64, len(m))
	for k, v := range m {
		switch k {
		case "type":
			if s, ok := v.(string); ok {
				u.Type = s
			}
		case "time":
			if f, ok := v.(float64); ok {
				u.TimeNS = int64(f)
			}
		default:
			if f, ok := v.(float64); ok {
				u.Prices[k] = f
			}
		}
	}
	return nil
}

// CatalogEntry is one entry returned by the catalog's /query.json endpoint.
type CatalogEntry struct {
	Type    string `json:"type"`
	Project string `json:"project"`
	Owner   string `json:"owner,omitempty"`
	Name    string `json:"name"`
	Port    int    `json:"port"`
}

// CatalogRegistration is the UDP datagram every component sends the
// catalog roughly every 60s to advertise itself.
type CatalogRegistration struct {
	Type    string `json:"type"`
	Owner   string `json:"owner"`
	Port    int    `json:"port"`
	Project string `json:"project"`
}

// Service type strings used for catalog registration/lookup.
const (
	ServiceSimulator       = "stockmarketsim"
	ServiceBroker          = "stockmarketbroker"
	ServiceReplicatorPrefix = "chain-"
)
