// Package labelindex maps (team id, label name) to the tracker's label id and
// keeps that mapping durable across restarts.
package labelindex

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agentworkforce/labelrelay/internal/logging"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const lookupTimeout = 5 * time.Second

type Entry struct {
	TeamID    string `json:"teamId"`
	LabelName string `json:"labelName"`
	LabelID   string `json:"labelId"`
}

// Backend persists entries. Put must be durable when it returns.
type Backend interface {
	Load(ctx context.Context) ([]Entry, error)
	Put(ctx context.Context, entry Entry) error
}

// lookupBackend is implemented by backends another process may write to.
type lookupBackend interface {
	Lookup(ctx context.Context, teamID, labelName string) (string, bool, error)
}

type backendCloser interface {
	Close() error
}

type key struct {
	teamID string
	name   string
}

// Index caches a Backend. Backends that can be shared between processes (file,
// sqlite, postgres) are consulted on every Get so writes made elsewhere are
// seen; the cache answers only when such a lookup fails.
type Index struct {
	mu      sync.RWMutex
	entries map[key]string
	backend Backend
	logger  *log.Logger
}

// Open loads every persisted entry from backend. A nil backend keeps the index
// in memory only.
func Open(ctx context.Context, backend Backend, logger *log.Logger) (*Index, error) {
	if backend == nil {
		backend = NewInMemoryBackend()
	}
	idx := &Index{
		entries: map[key]string{},
		backend: backend,
		logger:  logging.Component(logger, "labels"),
	}
	entries, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		idx.entries[key{teamID: entry.TeamID, name: entry.LabelName}] = entry.LabelID
	}
	return idx, nil
}

func NewMemoryIndex() *Index {
	return &Index{
		entries: map[key]string{},
		backend: NewInMemoryBackend(),
		logger:  logging.Discard(),
	}
}

func (i *Index) Get(teamID, labelName string) (string, bool) {
	k := key{teamID: teamID, name: labelName}
	if lookup, ok := i.backend.(lookupBackend); ok {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		id, found, err := lookup.Lookup(ctx, teamID, labelName)
		cancel()
		if err == nil {
			i.mu.Lock()
			if found {
				i.entries[k] = id
			}
			i.mu.Unlock()
			return id, found
		}
		i.logger.Warn("label lookup failed, using cached entry", "team", teamID, "name", labelName, "err", err)
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	id, ok := i.entries[k]
	return id, ok
}

// Put writes through to the backend before the cached value changes, so a Get
// after Put (or after a restart) observes the write.
func (i *Index) Put(ctx context.Context, teamID, labelName, labelID string) error {
	if strings.TrimSpace(teamID) == "" || labelName == "" || strings.TrimSpace(labelID) == "" {
		return ErrInvalidInput
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	entry := Entry{TeamID: teamID, LabelName: labelName, LabelID: labelID}
	if err := i.backend.Put(ctx, entry); err != nil {
		return err
	}
	i.entries[key{teamID: teamID, name: labelName}] = labelID
	i.logger.Debug("stored label", "team", teamID, "name", labelName, "id", labelID)
	return nil
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

func (i *Index) Close() error {
	if closer, ok := i.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}
