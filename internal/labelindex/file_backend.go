package labelindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

type InMemoryBackend struct {
	mu      sync.Mutex
	entries map[key]Entry
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{entries: map[key]Entry{}}
}

func (b *InMemoryBackend) Load(ctx context.Context) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedEntries(b.entries), nil
}

func (b *InMemoryBackend) Put(ctx context.Context, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key{teamID: entry.TeamID, name: entry.LabelName}] = entry
	return nil
}

// JSONFileBackend rewrites the whole file on every Put through a temp file and
// rename, so a crash leaves either the old or the new snapshot. Every call
// re-reads the file under an flock on Path+".lock", so several processes may
// share one file without losing each other's writes.
type JSONFileBackend struct {
	Path string

	mu sync.Mutex
}

type jsonFileState struct {
	Labels []Entry `json:"labels"`
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Load(ctx context.Context) ([]Entry, error) {
	var entries map[key]Entry
	err := b.withFileLock(unix.LOCK_SH, func() error {
		var err error
		entries, err = b.read()
		return err
	})
	if err != nil {
		return nil, err
	}
	return sortedEntries(entries), nil
}

func (b *JSONFileBackend) Lookup(ctx context.Context, teamID, labelName string) (string, bool, error) {
	var entry Entry
	var ok bool
	err := b.withFileLock(unix.LOCK_SH, func() error {
		entries, err := b.read()
		if err != nil {
			return err
		}
		entry, ok = entries[key{teamID: teamID, name: labelName}]
		return nil
	})
	return entry.LabelID, ok, err
}

func (b *JSONFileBackend) Put(ctx context.Context, entry Entry) error {
	return b.withFileLock(unix.LOCK_EX, func() error {
		entries, err := b.read()
		if err != nil {
			return err
		}
		entries[key{teamID: entry.TeamID, name: entry.LabelName}] = entry
		return b.write(entries)
	})
}

func (b *JSONFileBackend) withFileLock(how int, fn func() error) error {
	if b.Path == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if dir := filepath.Dir(b.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	lock, err := os.OpenFile(b.Path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), how); err != nil {
		return fmt.Errorf("lock %s: %w", b.Path, err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)
	return fn()
}

func (b *JSONFileBackend) read() (map[key]Entry, error) {
	entries := map[key]Entry{}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, err
	}
	var state jsonFileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	for _, entry := range state.Labels {
		entries[key{teamID: entry.TeamID, name: entry.LabelName}] = entry
	}
	return entries, nil
}

func (b *JSONFileBackend) write(entries map[key]Entry) error {
	data, err := json.Marshal(jsonFileState{Labels: sortedEntries(entries)})
	if err != nil {
		return err
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func sortedEntries(entries map[key]Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TeamID != out[j].TeamID {
			return out[i].TeamID < out[j].TeamID
		}
		return out[i].LabelName < out[j].LabelName
	})
	return out
}
