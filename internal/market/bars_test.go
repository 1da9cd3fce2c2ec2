package market

import (
	"os"
	"path/filepath"
	"testing"
)

func writeBarCSV(t *testing.T, dir, ticker, content string) {
	t.Helper()
	path := filepath.Join(dir, ticker+".csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadBarsParsesOHLC(t *testing.T) {
	dir := t.TempDir()
	writeBarCSV(t, dir, "TSLA", "1700000000,100.0,105.0,95.0,102.0\n1700000060,102.0,110.0,100.0,108.0\n")

	bars, err := LoadBars(filepath.Join(dir, "TSLA.csv"))
	if err != nil {
		t.Fatalf("LoadBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("len(bars) = %d, want 2", len(bars))
	}
	if bars[0] != (Bar{Open: 100.0, High: 105.0, Low: 95.0, Close: 102.0}) {
		t.Errorf("bars[0] = %+v", bars[0])
	}
}

func TestLoadBarsEmptyFileErrors(t *testing.T) {
	dir := t.TempDir()
	writeBarCSV(t, dir, "TSLA", "")

	if _, err := LoadBars(filepath.Join(dir, "TSLA.csv")); err == nil {
		t.Fatal("expected error for empty bar file")
	}
}

func TestLoadUniverseLoadsEveryTicker(t *testing.T) {
	dir := t.TempDir()
	tickers := []string{"TSLA", "MSFT"}
	for _, tk := range tickers {
		writeBarCSV(t, dir, tk, "0,1.0,2.0,0.5,1.5\n")
	}

	universe, err := LoadUniverse(dir, tickers)
	if err != nil {
		t.Fatalf("LoadUniverse: %v", err)
	}
	if len(universe) != 2 {
		t.Fatalf("len(universe) = %d, want 2", len(universe))
	}
}
