// Package symbol defines the fixed ticker universe every component agrees
// on at startup.
package symbol

// Universe is the fixed, ordered list of tradeable tickers. Every
// component — simulator, broker, replicator, client — knows this list at
// startup; it never changes at runtime.
var Universe = []string{"TSLA", "MSFT", "AAPL", "NVDA", "AMZN"}

// Names maps a ticker to its display name, for human-facing output
// (balance strings, leaderboard text, the dashboard).
var Names = map[string]string{
	"TSLA": "Tesla",
	"MSFT": "Microsoft",
	"AAPL": "Apple",
	"NVDA": "Nvidia",
	"AMZN": "Amazon",
}

// Valid reports whether ticker is a member of Universe.
func Valid(ticker string) bool {
	for _, t := range Universe {
		if t == ticker {
			return true
		}
	}
	return false
}

// ZeroShares returns a fresh, zero-initialized per-ticker share map
// covering every ticker in Universe.
func ZeroShares() map[string]int64 {
	m := make(map[string]int64, len(Universe))
	for _, t := range Universe {
		m[t] = 0
	}
	return m
}
