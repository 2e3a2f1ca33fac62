// Package history keeps the most recent strike events in Redis so the
// receiver's display can show them after a restart.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	backend "github.com/redis/go-redis/v9"

	"github.com/shaunagostinho/strikenet/internal/strike"
)

// Store is a capped, newest-first list of strike events.
type Store struct {
	client *backend.Client
	key    string
	limit  int64
}

type Option func(*Store)

// WithKey sets the list key. Per-detector counters live under key+":counts".
func WithKey(key string) Option {
	return func(s *Store) {
		s.key = key
	}
}

// WithLimit caps how many events are kept.
func WithLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = int64(n)
		}
	}
}

// New creates a store connected to a Redis server.
func New(address, password string, db int, opts ...Option) *Store {
	return NewFromClient(backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	}), opts...)
}

// NewFromClient creates a store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		key:    "strikenet:strikes",
		limit:  500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) countsKey() string { return s.key + ":counts" }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Add records e.
func (s *Store) Add(ctx context.Context, e strike.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, s.limit-1)
	pipe.HIncrBy(ctx, s.countsKey(), strconv.Itoa(int(e.DetectorID)), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Recent returns up to n events, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]strike.Event, error) {
	if n <= 0 || int64(n) > s.limit {
		n = int(s.limit)
	}
	vals, err := s.client.LRange(ctx, s.key, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read from redis: %w", err)
	}

	events := make([]strike.Event, 0, len(vals))
	for _, v := range vals {
		var e strike.Event
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// Counts returns the number of strikes ever recorded per detector.
func (s *Store) Counts(ctx context.Context) (map[uint8]int64, error) {
	vals, err := s.client.HGetAll(ctx, s.countsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read counts: %w", err)
	}
	counts := make(map[uint8]int64, len(vals))
	for k, v := range vals {
		id, err := strconv.ParseUint(k, 10, 8)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[uint8(id)] = n
	}
	return counts, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
