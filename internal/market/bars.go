// Package market implements the two-rate price generation pipeline:
// historical minute bars loaded from CSV, intra-minute samples
// interpolated between a bar's open and close with Gaussian noise scaled
// by its high-low range. The sampling formula follows
// original_source/src/StockMarketSimulator_threaded.py's
// `_simulate_next_minute`; random.go provides the seedable PRNG it needs.
package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Bar is one minute's open/high/low/close.
type Bar struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// LoadBars reads a CSV of "timestamp,open,high,low,close" rows (no header)
// into a bar sequence, one per historical minute.
func LoadBars(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("market: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 5

	var bars []Bar
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("market: read %s: %w", path, err)
		}
		bar, err := parseBar(row)
		if err != nil {
			return nil, fmt.Errorf("market: parse %s: %w", path, err)
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("market: %s has no bars", path)
	}
	return bars, nil
}

func parseBar(row []string) (Bar, error) {
	vals := make([]float64, 4)
	for i, field := range row[1:5] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return Bar{}, fmt.Errorf("field %d (%q): %w", i+1, field, err)
		}
		vals[i] = v
	}
	return Bar{Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3]}, nil
}

// LoadUniverse loads one bar CSV per ticker from dir/<ticker>.csv.
func LoadUniverse(dir string, tickers []string) (map[string][]Bar, error) {
	out := make(map[string][]Bar, len(tickers))
	for _, t := range tickers {
		bars, err := LoadBars(dir + "/" + t + ".csv")
		if err != nil {
			return nil, err
		}
		out[t] = bars
	}
	return out, nil
}
