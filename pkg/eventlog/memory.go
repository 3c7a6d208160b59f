package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
)

// MemoryLog keeps entries in memory. Used in tests and when no log path is
// configured.
type MemoryLog struct {
	chain
	entries []Entry
}

// NewMemoryLog creates an empty log.
func NewMemoryLog(opts ...Option) *MemoryLog {
	l := &MemoryLog{chain: newChain()}
	for _, opt := range opts {
		opt(&l.chain)
	}
	return l
}

func (l *MemoryLog) Append(ctx context.Context, rec Record) (*Entry, error) {
	l.mu.Lock()
	e, err := l.next(rec)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.entries = append(l.entries, e)
	l.commit(e)
	l.mu.Unlock()

	l.publish(ctx, &e)
	return &e, nil
}

// Entries returns a copy of every entry.
func (l *MemoryLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Snapshot renders the log as JSON lines.
func (l *MemoryLog) Snapshot() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range l.entries {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
