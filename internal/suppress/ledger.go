// Package suppress remembers identifiers of writes this process issued so the
// matching webhook echo can be recognised and dropped exactly once.
package suppress

import (
	"strings"
	"sync"
	"time"
)

const DefaultTTL = time.Hour

type Options struct {
	// TTL bounds how long an identifier waits for its echo. Zero uses DefaultTTL.
	TTL time.Duration
	Now func() time.Time
}

type Ledger struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

func New(opts Options) *Ledger {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		ttl:     ttl,
		now:     now,
		entries: map[string]time.Time{},
	}
}

// Register must be called before the mutation that carries id is sent.
// Registering an id again refreshes its expiry.
func (l *Ledger) Register(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	l.entries[id] = now.Add(l.ttl)
}

// Consume reports whether id was registered and not yet expired, removing it
// in the same step. A second Consume for the same id returns false.
func (l *Ledger) Consume(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	if _, ok := l.entries[id]; !ok {
		return false
	}
	delete(l.entries, id)
	return true
}

// Forget drops id without consuming an echo, for writes the remote side
// rejected and will therefore never announce.
func (l *Ledger) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, strings.TrimSpace(id))
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.entries)
}

func (l *Ledger) pruneLocked(now time.Time) {
	for id, expiresAt := range l.entries {
		if !now.Before(expiresAt) {
			delete(l.entries, id)
		}
	}
}
