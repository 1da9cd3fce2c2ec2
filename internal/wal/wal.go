// Package wal implements the per-shard write-ahead log and checkpoint
// engine: length-prefixed append-only records, periodic checkpointing via
// atomic rename, and crash recovery by replay.
//
// Durability contract: Append only returns nil after the record has been
// flushed and fsynced. A caller may consider the mutation durable, and a
// reply may be sent, only once Append has returned nil. A write or fsync
// failure is a durability error — the caller is expected to
// terminate the shard process so a supervisor restarts it and replay
// restores a crash-consistent state.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ndrandal/stockmarketsim/internal/account"
)

// Op identifies the kind of mutation a Record represents.
type Op string

const (
	OpRegister Op = "REGISTER"
	OpBuy      Op = "BUY"
	OpSell     Op = "SELL"
)

// Record is one WAL entry. Username is set for every op; Password is set
// only for REGISTER; Ticker/Amount/Price are set only for BUY/SELL.
type Record struct {
	TimestampNS int64
	Op          Op
	Username    string
	Password    string
	Ticker      string
	Amount      int64
	Price       float64
}

// WAL owns one shard's log file and checkpoint file pair.
type WAL struct {
	logPath         string
	ckptPath        string
	shadowPath      string
	checkpointEvery int

	file   *os.File
	writer *bufio.Writer
	count  int

	// retireDir, if set via SetRetireDir, receives a timestamped copy of
	// the checkpoint and log-segment content superseded by each
	// Checkpoint call — cold-storage fodder for internal/archive. Neither
	// file is needed for correctness (replay only ever reads the current
	// checkpoint + current log), so leaving retireDir unset is safe; it
	// only disables archival, never durability.
	retireDir string
}

// SetRetireDir enables copying superseded checkpoint/log content into dir
// on every Checkpoint call, for internal/archive to pick up later.
func (w *WAL) SetRetireDir(dir string) {
	w.retireDir = dir
}

// Open replays any existing checkpoint + log into an account map, then
// synthesizes a fresh checkpoint and truncates the log. It returns the
// ready-to-use WAL and the recovered accounts.
func Open(logPath, ckptPath, shadowPath string, checkpointEvery int, nowNS int64) (*WAL, map[string]*account.Account, error) {
	accounts, ckptTime, err := replay(logPath, ckptPath)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: replay: %w", err)
	}

	w := &WAL{
		logPath:         logPath,
		ckptPath:        ckptPath,
		shadowPath:      shadowPath,
		checkpointEvery: checkpointEvery,
	}

	if err := w.openLogFile(); err != nil {
		return nil, nil, err
	}

	// Fold the replayed log suffix into a fresh checkpoint and start the
	// log empty; this avoids re-replaying the same suffix on the next
	// crash before the first natural checkpoint.
	ts := nowNS
	if ts <= ckptTime {
		ts = ckptTime + 1
	}
	if err := w.Checkpoint(accounts, ts); err != nil {
		return nil, nil, fmt.Errorf("wal: initial checkpoint: %w", err)
	}

	return w, accounts, nil
}

func (w *WAL) openLogFile() error {
	f, err := os.OpenFile(w.logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open log: %w", err)
	}
	w.file = f
	w.writer = bufio.NewWriter(f)
	w.count = 0
	return nil
}

// Append serializes rec, prefixes it with its byte length, appends it to
// the log, and flushes+fsyncs before returning. Only after Append returns
// nil may the in-memory mutation be considered durable.
func (w *WAL) Append(rec Record) error {
	rest := encodeRecord(rec)
	line := strconv.Itoa(len(rest)) + " " + rest + "\n"

	if _, err := w.writer.WriteString(line); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	w.count++
	return nil
}

// ShouldCheckpoint reports whether K committed records have accumulated
// since the last checkpoint.
func (w *WAL) ShouldCheckpoint() bool {
	return w.count >= w.checkpointEvery
}

// Checkpoint writes accounts to a shadow file, fsyncs it, atomically
// renames it over the live checkpoint file, then closes and reopens the
// log as a new empty file. This ordering guarantees that at every instant
// the union of the durable checkpoint and the durable log suffix is a
// complete history.
func (w *WAL) Checkpoint(accounts map[string]*account.Account, nowNS int64) error {
	shadow, err := os.OpenFile(w.shadowPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open shadow: %w", err)
	}

	bw := bufio.NewWriter(shadow)
	if _, err := fmt.Fprintf(bw, "%d\n", nowNS); err != nil {
		shadow.Close()
		return fmt.Errorf("wal: write checkpoint header: %w", err)
	}
	for _, a := range accounts {
		stocks, err := json.Marshal(a.Shares)
		if err != nil {
			shadow.Close()
			return fmt.Errorf("wal: marshal shares for %s: %w", a.Username, err)
		}
		line := fmt.Sprintf("%d %s %d %s %s %s\n",
			len(a.Username), a.Username,
			len(a.Password), a.Password,
			formatFloat(a.Cash), stocks)
		if _, err := bw.WriteString(line); err != nil {
			shadow.Close()
			return fmt.Errorf("wal: write checkpoint entry for %s: %w", a.Username, err)
		}
	}
	if err := bw.Flush(); err != nil {
		shadow.Close()
		return fmt.Errorf("wal: flush shadow: %w", err)
	}
	if err := shadow.Sync(); err != nil {
		shadow.Close()
		return fmt.Errorf("wal: fsync shadow: %w", err)
	}
	if err := shadow.Close(); err != nil {
		return fmt.Errorf("wal: close shadow: %w", err)
	}

	if w.retireDir != "" {
		w.retireSupersededLocked(nowNS)
	}

	if err := os.Rename(w.shadowPath, w.ckptPath); err != nil {
		return fmt.Errorf("wal: rename shadow over checkpoint: %w", err)
	}

	if w.file != nil {
		w.file.Close()
	}
	if err := os.Truncate(w.logPath, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: truncate log: %w", err)
	}
	return w.openLogFile()
}

// retireSupersededLocked copies the about-to-be-overwritten checkpoint and
// the about-to-be-truncated log into retireDir, timestamped by nowNS.
// Best-effort: a failure here never blocks a checkpoint, since it touches
// only cold-storage fodder, not the durability-critical files.
func (w *WAL) retireSupersededLocked(nowNS int64) {
	if err := os.MkdirAll(w.retireDir, 0o755); err != nil {
		return
	}
	copyAside(w.ckptPath, filepath.Join(w.retireDir, fmt.Sprintf("%s.%d.checkpoint", filepath.Base(w.ckptPath), nowNS)))
	if w.writer != nil {
		w.writer.Flush()
	}
	copyAside(w.logPath, filepath.Join(w.retireDir, fmt.Sprintf("%s.%d.segment", filepath.Base(w.logPath), nowNS)))
}

func copyAside(src, dst string) {
	in, err := os.Open(src)
	if err != nil {
		return
	}
	defer in.Close()
	if st, err := in.Stat(); err != nil || st.Size() == 0 {
		return
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return
	}
	defer out.Close()
	io.Copy(out, in)
}

// Close flushes and closes the underlying log file.
func (w *WAL) Close() error {
	if w.writer != nil {
		w.writer.Flush()
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func encodeRecord(rec Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s %d %s", rec.TimestampNS, rec.Op, len(rec.Username), rec.Username)
	switch rec.Op {
	case OpRegister:
		fmt.Fprintf(&b, " %d %s", len(rec.Password), rec.Password)
	case OpBuy, OpSell:
		fmt.Fprintf(&b, " %s %d %s", rec.Ticker, rec.Amount, formatFloat(rec.Price))
	}
	return b.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
