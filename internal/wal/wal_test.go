package wal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ndrandal/stockmarketsim/internal/account"
)

func paths(t *testing.T) (log, ckpt, shadow string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "shard.log"),
		filepath.Join(dir, "shard.ckpt"),
		filepath.Join(dir, "shard.ckpt.shadow")
}

func TestOpenEmptyStartsWithNoAccounts(t *testing.T) {
	logPath, ckptPath, shadowPath := paths(t)

	w, accounts, err := Open(logPath, ckptPath, shadowPath, 100, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if len(accounts) != 0 {
		t.Fatalf("accounts = %v, want empty", accounts)
	}
}

func TestAppendAndReplayRoundTrip(t *testing.T) {
	logPath, ckptPath, shadowPath := paths(t)

	w, accounts, err := Open(logPath, ckptPath, shadowPath, 100, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := w.Append(Record{TimestampNS: 10, Op: OpRegister, Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("Append register: %v", err)
	}
	accounts["alice"] = account.New("alice", "secret")

	if err := w.Append(Record{TimestampNS: 11, Op: OpBuy, Username: "alice", Ticker: "TSLA", Amount: 5, Price: 100.0}); err != nil {
		t.Fatalf("Append buy: %v", err)
	}
	accounts["alice"].Buy("TSLA", 5, 100.0)

	if err := w.Append(Record{TimestampNS: 12, Op: OpSell, Username: "alice", Ticker: "TSLA", Amount: 2, Price: 110.0}); err != nil {
		t.Fatalf("Append sell: %v", err)
	}
	accounts["alice"].Sell("TSLA", 2, 110.0)
	w.Close()

	// Reopen from scratch: should replay the log (since no checkpoint
	// boundary was crossed after these appends) into the same state.
	w2, replayed, err := Open(logPath, ckptPath, shadowPath, 100, 1000)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	a, ok := replayed["alice"]
	if !ok {
		t.Fatal("alice missing after replay")
	}
	if a.Cash != accounts["alice"].Cash {
		t.Errorf("cash = %v, want %v", a.Cash, accounts["alice"].Cash)
	}
	if a.Shares["TSLA"] != 3 {
		t.Errorf("TSLA shares = %d, want 3", a.Shares["TSLA"])
	}
}

func TestCheckpointThenReplayMatchesFullHistory(t *testing.T) {
	logPath, ckptPath, shadowPath := paths(t)

	w, accounts, err := Open(logPath, ckptPath, shadowPath, 2, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	must(w.Append(Record{TimestampNS: 10, Op: OpRegister, Username: "bob", Password: "pw"}))
	accounts["bob"] = account.New("bob", "pw")
	must(w.Append(Record{TimestampNS: 11, Op: OpBuy, Username: "bob", Ticker: "AAPL", Amount: 4, Price: 50}))
	accounts["bob"].Buy("AAPL", 4, 50)

	if !w.ShouldCheckpoint() {
		t.Fatal("expected ShouldCheckpoint after 2 appends with checkpointEvery=2")
	}
	if err := w.Checkpoint(accounts, 100); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if w.ShouldCheckpoint() {
		t.Fatal("ShouldCheckpoint should reset after Checkpoint")
	}

	must(w.Append(Record{TimestampNS: 101, Op: OpSell, Username: "bob", Ticker: "AAPL", Amount: 1, Price: 60}))
	accounts["bob"].Sell("AAPL", 1, 60)
	w.Close()

	_, replayed, err := Open(logPath, ckptPath, shadowPath, 2, 1000)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	b, ok := replayed["bob"]
	if !ok {
		t.Fatal("bob missing after replay")
	}
	if b.Shares["AAPL"] != 3 {
		t.Errorf("AAPL shares = %d, want 3", b.Shares["AAPL"])
	}
	if b.Cash != accounts["bob"].Cash {
		t.Errorf("cash = %v, want %v", b.Cash, accounts["bob"].Cash)
	}
}

func TestReplaySkipsTornTailRecord(t *testing.T) {
	logPath, ckptPath, shadowPath := paths(t)

	w, accounts, err := Open(logPath, ckptPath, shadowPath, 100, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := w.Append(Record{TimestampNS: 10, Op: OpRegister, Username: "carl", Password: "pw"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	accounts["carl"] = account.New("carl", "pw")
	w.Close()

	// Simulate a crash mid-write: append a record whose declared byte
	// length doesn't match what's actually on disk.
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteString("999 12 BUY 5 carl TSLA 1 10"); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
	f.Close()

	_, replayed, err := Open(logPath, ckptPath, shadowPath, 100, 1000)
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	c, ok := replayed["carl"]
	if !ok {
		t.Fatal("carl missing after replay")
	}
	if c.Shares["TSLA"] != 0 {
		t.Errorf("torn record should not have applied: TSLA shares = %d", c.Shares["TSLA"])
	}
}

func TestCheckpointWithRetireDirCopiesSupersededArtifacts(t *testing.T) {
	logPath, ckptPath, shadowPath := paths(t)
	retireDir := filepath.Join(filepath.Dir(logPath), "retired")

	w, accounts, err := Open(logPath, ckptPath, shadowPath, 2, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.SetRetireDir(retireDir)

	if err := w.Append(Record{TimestampNS: 10, Op: OpRegister, Username: "dee", Password: "pw"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	accounts["dee"] = account.New("dee", "pw")

	// The first checkpoint (from Open) wrote an empty checkpoint file, so
	// this second checkpoint is the first one with non-empty superseded
	// content worth retiring.
	if err := w.Checkpoint(accounts, 100); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	defer w.Close()

	entries, err := os.ReadDir(retireDir)
	if err != nil {
		t.Fatalf("ReadDir(retireDir): %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one retired artifact")
	}

	foundSegment := false
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".segment") {
			foundSegment = true
		}
	}
	if !foundSegment {
		t.Errorf("expected a retired log segment among %v", entries)
	}

	// The live checkpoint and log must still be intact and usable.
	if _, err := os.Stat(ckptPath); err != nil {
		t.Errorf("live checkpoint missing after retire: %v", err)
	}
}

func TestCheckpointWithoutRetireDirSetSkipsArchival(t *testing.T) {
	logPath, ckptPath, shadowPath := paths(t)

	w, accounts, err := Open(logPath, ckptPath, shadowPath, 100, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.Append(Record{TimestampNS: 10, Op: OpRegister, Username: "eve", Password: "pw"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	accounts["eve"] = account.New("eve", "pw")

	if err := w.Checkpoint(accounts, 100); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}
