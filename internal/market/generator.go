package market

import "math"

// Generator produces intra-minute price samples from a per-ticker bar
// sequence. It is single-writer: the simulator's tick loop
// is the only caller of AdvanceMinute and Sample.
type Generator struct {
	bars             map[string][]Bar
	tickers          []string
	samplesPerMinute int
	minuteIdx        int
	rng              *RNG

	samples map[string][]float64
}

// NewGenerator creates a Generator over bars (one sequence per ticker) and
// immediately computes the first minute's samples, so Sample is valid right
// after construction.
func NewGenerator(bars map[string][]Bar, tickers []string, samplesPerMinute int, seed int64) *Generator {
	g := &Generator{
		bars:             bars,
		tickers:          tickers,
		samplesPerMinute: samplesPerMinute,
		rng:              NewRNG(seed),
	}
	g.AdvanceMinute()
	return g
}

// AdvanceMinute computes S = samplesPerMinute samples for the next bar of
// every ticker. Sample k is
//
//	open + (close-open)*k/S + ε_k
//
// where ε_k ~ N(0, σ) and σ = U*|high-low| + 0.01, U ~ Uniform(0.1, 1.9)
// drawn once per bar. The bar index wraps once the historical
// series is exhausted, so a long-running simulator keeps producing prices
// instead of running off the end of the loaded CSV.
func (g *Generator) AdvanceMinute() {
	g.samples = make(map[string][]float64, len(g.tickers))
	for _, t := range g.tickers {
		series := g.bars[t]
		bar := series[g.minuteIdx%len(series)]

		u := g.rng.Uniform(0.1, 1.9)
		sigma := u*math.Abs(bar.High-bar.Low) + 0.01

		out := make([]float64, g.samplesPerMinute)
		s := float64(g.samplesPerMinute)
		for k := 0; k < g.samplesPerMinute; k++ {
			base := bar.Open + (bar.Close-bar.Open)*float64(k)/s
			price := base + g.rng.Gaussian()*sigma
			out[k] = round2(price)
		}
		g.samples[t] = out
	}
	g.minuteIdx++
}

// Sample returns the price of every ticker at intra-minute tick index idx,
// clamped to the last sample if idx runs past samplesPerMinute (which the
// original never guarded against).
func (g *Generator) Sample(idx int) map[string]float64 {
	if idx >= g.samplesPerMinute {
		idx = g.samplesPerMinute - 1
	}
	if idx < 0 {
		idx = 0
	}
	out := make(map[string]float64, len(g.tickers))
	for _, t := range g.tickers {
		out[t] = g.samples[t][idx]
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
