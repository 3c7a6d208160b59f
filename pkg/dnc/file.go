package dnc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore persists the registry as {"phones": [...]} in a single JSON file.
// Writes go to a temp file that is renamed over the original.
type FileStore struct {
	path   string
	mu     sync.RWMutex
	phones map[string]struct{}
}

type fileDoc struct {
	Phones []string `json:"phones"`
}

// NewFileStore loads path, starting empty if it does not exist.
func NewFileStore(path string) (*FileStore, error) {
	f := &FileStore{path: path, phones: make(map[string]struct{})}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileStore) load() error {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dnc: read %s: %w", f.path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("dnc: parse %s: %w", f.path, err)
	}
	for _, p := range doc.Phones {
		k, err := Key(p)
		if err != nil {
			continue
		}
		f.phones[k] = struct{}{}
	}
	return nil
}

// save must be called with mu held.
func (f *FileStore) save() error {
	doc := fileDoc{Phones: f.sorted()}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("dnc: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dnc-*.json")
	if err != nil {
		return fmt.Errorf("dnc: temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("dnc: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("dnc: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("dnc: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("dnc: rename: %w", err)
	}
	return nil
}

func (f *FileStore) sorted() []string {
	out := make([]string, 0, len(f.phones))
	for p := range f.phones {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (f *FileStore) Add(ctx context.Context, phone string) error {
	k, err := Key(phone)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.phones[k]; ok {
		return nil
	}
	f.phones[k] = struct{}{}
	if err := f.save(); err != nil {
		delete(f.phones, k)
		return err
	}
	return nil
}

func (f *FileStore) Contains(ctx context.Context, phone string) (bool, error) {
	k, err := Key(phone)
	if err != nil {
		return false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.phones[k]
	return ok, nil
}

func (f *FileStore) List(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sorted(), nil
}
