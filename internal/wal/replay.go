package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ndrandal/stockmarketsim/internal/account"
)

// replay reconstructs a shard's account map from its checkpoint file (if
// any) followed by the log records with a timestamp after the checkpoint.
// It stops at the first torn tail record instead of failing: a log whose
// last record was cut short by a crash mid-write must replay as if that
// partial record were never there.
func replay(logPath, ckptPath string) (map[string]*account.Account, int64, error) {
	accounts, ckptTime, err := loadCheckpoint(ckptPath)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return accounts, ckptTime, nil
		}
		return nil, 0, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// EOF with no trailing newline: a torn tail write. Stop here.
			break
		}
		line = line[:len(line)-1]

		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			break
		}
		n, err := strconv.Atoi(line[:sp])
		if err != nil {
			break
		}
		rest := line[sp+1:]
		if len(rest) != n {
			// Declared length doesn't match what's actually on disk: torn record.
			break
		}

		rec, err := decodeRecord(rest)
		if err != nil {
			break
		}
		if rec.TimestampNS <= ckptTime {
			continue
		}
		applyRecord(accounts, rec)
	}

	return accounts, ckptTime, nil
}

func loadCheckpoint(path string) (map[string]*account.Account, int64, error) {
	accounts := make(map[string]*account.Account)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return accounts, 0, nil
		}
		return nil, 0, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header, err := r.ReadString('\n')
	if err != nil {
		return accounts, 0, nil
	}
	ts, err := strconv.ParseInt(strings.TrimSuffix(header, "\n"), 10, 64)
	if err != nil {
		return accounts, 0, nil
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimSuffix(line, "\n")
		a, ok := parseCheckpointLine(line)
		if ok {
			accounts[a.Username] = a
		}
	}
	return accounts, ts, nil
}

func parseCheckpointLine(line string) (*account.Account, bool) {
	rest := line
	username, rest, ok := readLengthPrefixed(rest)
	if !ok {
		return nil, false
	}
	password, rest, ok := readLengthPrefixed(rest)
	if !ok {
		return nil, false
	}
	cashTok, rest, ok := readToken(rest)
	if !ok {
		return nil, false
	}
	cash, err := strconv.ParseFloat(cashTok, 64)
	if err != nil {
		return nil, false
	}
	var shares map[string]int64
	if err := json.Unmarshal([]byte(rest), &shares); err != nil {
		return nil, false
	}

	a := account.New(username, password)
	a.Cash = cash
	a.Shares = shares
	return a, true
}

func applyRecord(accounts map[string]*account.Account, rec Record) {
	switch rec.Op {
	case OpRegister:
		if _, exists := accounts[rec.Username]; !exists {
			accounts[rec.Username] = account.New(rec.Username, rec.Password)
		}
	case OpBuy:
		a, ok := accounts[rec.Username]
		if !ok {
			return
		}
		a.Buy(rec.Ticker, rec.Amount, rec.Price)
	case OpSell:
		a, ok := accounts[rec.Username]
		if !ok {
			return
		}
		a.Sell(rec.Ticker, rec.Amount, rec.Price)
	}
}

func decodeRecord(rest string) (Record, error) {
	var rec Record

	tsTok, rest, ok := readToken(rest)
	if !ok {
		return rec, fmt.Errorf("wal: missing timestamp")
	}
	ts, err := strconv.ParseInt(tsTok, 10, 64)
	if err != nil {
		return rec, fmt.Errorf("wal: bad timestamp %q: %w", tsTok, err)
	}
	rec.TimestampNS = ts

	opTok, rest, ok := readToken(rest)
	if !ok {
		return rec, fmt.Errorf("wal: missing op")
	}
	rec.Op = Op(opTok)

	username, rest, ok := readLengthPrefixed(rest)
	if !ok {
		return rec, fmt.Errorf("wal: bad username field")
	}
	rec.Username = username

	switch rec.Op {
	case OpRegister:
		password, _, ok := readLengthPrefixed(rest)
		if !ok {
			return rec, fmt.Errorf("wal: bad password field")
		}
		rec.Password = password
	case OpBuy, OpSell:
		ticker, rest, ok := readToken(rest)
		if !ok {
			return rec, fmt.Errorf("wal: missing ticker")
		}
		rec.Ticker = ticker

		amountTok, rest, ok := readToken(rest)
		if !ok {
			return rec, fmt.Errorf("wal: missing amount")
		}
		amount, err := strconv.ParseInt(amountTok, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("wal: bad amount %q: %w", amountTok, err)
		}
		rec.Amount = amount

		// The price is the record's last field, so no space follows it.
		priceTok := rest
		if priceTok == "" {
			return rec, fmt.Errorf("wal: missing price")
		}
		price, err := strconv.ParseFloat(priceTok, 64)
		if err != nil {
			return rec, fmt.Errorf("wal: bad price %q: %w", priceTok, err)
		}
		rec.Price = price
	default:
		return rec, fmt.Errorf("wal: unknown op %q", rec.Op)
	}

	return rec, nil
}

// readToken reads up to (not including) the next space and returns the
// remainder after that space.
func readToken(s string) (token, rest string, ok bool) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// readLengthPrefixed reads a "<len> <value...>" pair where value is
// exactly len bytes (which may itself contain spaces), then skips the
// single separating space before the remainder.
func readLengthPrefixed(s string) (value, rest string, ok bool) {
	lenTok, after, ok := readToken(s)
	if !ok {
		return "", "", false
	}
	n, err := strconv.Atoi(lenTok)
	if err != nil || n < 0 || n > len(after) {
		return "", "", false
	}
	value = after[:n]
	remainder := after[n:]
	if remainder == "" {
		return value, "", true
	}
	if remainder[0] != ' ' {
		return "", "", false
	}
	return value, remainder[1:], true
}
