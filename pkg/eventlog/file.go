package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileLog appends entries as JSON lines to a local file.
type FileLog struct {
	chain
	path string
	f    *os.File
}

// Option configures a log.
type Option func(*chain)

// WithPublisher adds a fan-out publisher.
func WithPublisher(p Publisher) Option {
	return func(c *chain) { c.publishers = append(c.publishers, p) }
}

// WithPublishTimeout overrides DefaultPublishTimeout.
func WithPublishTimeout(d time.Duration) Option {
	return func(c *chain) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(c *chain) { c.clock = clock }
}

// OpenFile opens or creates the log at path and resumes its chain.
func OpenFile(path string, opts ...Option) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir: %w", err)
	}
	l := &FileLog{chain: newChain(), path: path}
	for _, opt := range opts {
		opt(&l.chain)
	}
	if err := l.resume(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	l.f = f
	return l, nil
}

// resume restores seq and head from the last line of an existing file.
func (l *FileLog) resume() error {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("eventlog: read: %w", err)
	}
	raw = bytes.TrimRight(raw, "\n")
	if len(raw) == 0 {
		return nil
	}
	last := raw
	if i := bytes.LastIndexByte(raw, '\n'); i >= 0 {
		last = raw[i+1:]
	}
	var e Entry
	if err := json.Unmarshal(last, &e); err != nil {
		return fmt.Errorf("eventlog: last entry: %w", err)
	}
	l.commit(e)
	return nil
}

// Path returns the file backing the log.
func (l *FileLog) Path() string { return l.path }

// Append writes rec and then fans it out to publishers.
func (l *FileLog) Append(ctx context.Context, rec Record) (*Entry, error) {
	l.mu.Lock()
	e, err := l.next(rec)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	line, err := json.Marshal(e)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("eventlog: marshal: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("eventlog: write: %w", err)
	}
	l.commit(e)
	l.mu.Unlock()

	l.publish(ctx, &e)
	return &e, nil
}

// Entries reads back every entry, optionally only the last n (n <= 0 means all).
func (l *FileLog) Entries(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("eventlog: parse: %w", err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// Snapshot returns the current file contents under the append lock.
func (l *FileLog) Snapshot() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return os.ReadFile(l.path)
}

// Close closes the file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
