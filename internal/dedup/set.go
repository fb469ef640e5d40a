// Package dedup records webhook delivery ids that have already been admitted.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultWindow    = 24 * time.Hour
	defaultKeyPrefix = "labelrelay:delivery:"
)

var ErrInvalidInput = errors.New("invalid input")

// Set is an insert-if-absent set. MarkSeen returns first=true for exactly one
// caller per id within the retention window.
type Set interface {
	MarkSeen(ctx context.Context, id string) (first bool, err error)
}

type seenEntry struct {
	id     string
	seenAt time.Time
}

// MemorySet keeps ids for Window after they were first seen. Ids are evicted
// in arrival order, which is also expiry order.
type MemorySet struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
	order  []seenEntry
}

func NewMemorySet(window time.Duration) *MemorySet {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemorySet{
		window: window,
		now:    time.Now,
		seen:   map[string]time.Time{},
	}
}

func (s *MemorySet) MarkSeen(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.evictLocked(now)
	if _, ok := s.seen[id]; ok {
		return false, nil
	}
	s.seen[id] = now
	s.order = append(s.order, seenEntry{id: id, seenAt: now})
	return true, nil
}

func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(s.now())
	return len(s.seen)
}

func (s *MemorySet) evictLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	n := 0
	for n < len(s.order) && !s.order[n].seenAt.After(cutoff) {
		delete(s.seen, s.order[n].id)
		n++
	}
	if n > 0 {
		s.order = append(s.order[:0:0], s.order[n:]...)
	}
}

// RedisSet shares the seen-set across replicas. SET NX with an expiry makes
// the check and the insert one atomic step on the server.
type RedisSet struct {
	client *redis.Client
	window time.Duration
	prefix string
}

func NewRedisSet(client *redis.Client, window time.Duration) *RedisSet {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisSet{client: client, window: window, prefix: defaultKeyPrefix}
}

func (s *RedisSet) MarkSeen(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, ErrInvalidInput
	}
	first, err := s.client.SetNX(ctx, s.prefix+id, time.Now().UTC().Format(time.RFC3339Nano), s.window).Result()
	if err != nil {
		return false, fmt.Errorf("mark delivery %s seen: %w", id, err)
	}
	return first, nil
}

func (s *RedisSet) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSet) Close() error {
	return s.client.Close()
}

// BuildSetFromDSN accepts memory:// (or empty) and redis:// / rediss:// URLs.
func BuildSetFromDSN(dsn string, window time.Duration) (Set, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemorySet(window), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemorySet(window), nil
	case "redis", "rediss":
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		return NewRedisSet(redis.NewClient(opts), window), nil
	default:
		return nil, fmt.Errorf("unsupported dedup scheme: %s", parsed.Scheme)
	}
}
