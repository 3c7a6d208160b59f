// Package eventlog is the append-only, hash-chained call-event log.
//
// Each entry carries the hash of its predecessor; the hash covers the
// entry's JCS (RFC 8785) canonical form with the Hash field empty, so any
// edit or deletion in the middle of a log is detectable with Verify.
package eventlog

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Entry kinds written by callbridge.
const (
	KindCallEvent         = "call_event"
	KindCallPlaced        = "call_placed"
	KindDiscountIssued    = "discount_issued"
	KindIssuedUndelivered = "issued_undelivered"
	KindOptOut            = "opt_out"
)

// ErrChainBroken is returned by Verify when an entry's hash or link is wrong.
var ErrChainBroken = errors.New("event log chain broken")

// Entry is one committed log line.
type Entry struct {
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq"`
	Kind     string          `json:"kind"`
	CallID   string          `json:"call_id,omitempty"`
	At       time.Time       `json:"at"`
	Data     json.RawMessage `json:"data,omitempty"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

// Record is what callers append.
type Record struct {
	Kind   string
	CallID string
	Data   any
}

// Log appends records.
type Log interface {
	Append(ctx context.Context, rec Record) (*Entry, error)
}

// DefaultPublishTimeout bounds each publisher call made by Append.
const DefaultPublishTimeout = 2 * time.Second

// Publisher fans committed entries out to another system. Publish errors
// never fail an Append, and each call gets at most the log's publish timeout.
type Publisher interface {
	Publish(ctx context.Context, e *Entry) error
}

// computeHash returns the chain hash of e.
func computeHash(e Entry) (string, error) {
	e.Hash = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// chain holds the sequencing state shared by every Log implementation.
type chain struct {
	mu         sync.Mutex
	seq        uint64
	head       string
	clock      func() time.Time
	publishers []Publisher
	timeout    time.Duration
	logger     *slog.Logger
}

func newChain() chain {
	return chain{clock: time.Now, timeout: DefaultPublishTimeout, logger: slog.Default().With("component", "eventlog")}
}

// next builds and hashes the entry following the current head. Callers hold mu
// and call commit once the entry is durable.
func (c *chain) next(rec Record) (Entry, error) {
	if rec.Kind == "" {
		return Entry{}, errors.New("eventlog: kind is required")
	}
	var data json.RawMessage
	if rec.Data != nil {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			return Entry{}, fmt.Errorf("eventlog: marshal data: %w", err)
		}
		data = raw
	}
	e := Entry{
		ID:       uuid.New().String(),
		Seq:      c.seq + 1,
		Kind:     rec.Kind,
		CallID:   rec.CallID,
		At:       c.clock().UTC(),
		Data:     data,
		PrevHash: c.head,
	}
	h, err := computeHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = h
	return e, nil
}

func (c *chain) commit(e Entry) {
	c.seq = e.Seq
	c.head = e.Hash
}

func (c *chain) publish(ctx context.Context, e *Entry) {
	for _, p := range c.publishers {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := p.Publish(pctx, e)
		cancel()
		if err != nil {
			c.logger.WarnContext(ctx, "event publish failed", "seq", e.Seq, "kind", e.Kind, "error", err)
		}
	}
}

// Verify reads JSON lines from r and checks every hash and link. It returns
// the number of entries checked.
func Verify(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	prev := ""
	var seq uint64
	n := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return n, fmt.Errorf("%w: line %d: %v", ErrChainBroken, n+1, err)
		}
		if e.PrevHash != prev {
			return n, fmt.Errorf("%w: seq %d links to %q, want %q", ErrChainBroken, e.Seq, e.PrevHash, prev)
		}
		if e.Seq != seq+1 {
			return n, fmt.Errorf("%w: seq %d follows %d", ErrChainBroken, e.Seq, seq)
		}
		want, err := computeHash(e)
		if err != nil {
			return n, err
		}
		if e.Hash != want {
			return n, fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.Hash
		seq = e.Seq
		n++
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	return n, nil
}
