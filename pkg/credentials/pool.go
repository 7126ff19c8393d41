// Package credentials manages the pool of upstream API keys and their
// rotation under quota exhaustion. The pool is owned by a single request
// stream; it is not safe for concurrent use.
package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for credential rotation and usage.
var (
	keyRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "event_search_key_rotations_total",
		Help: "Total number of API key rotations triggered by quota errors",
	})

	keyUsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_search_key_uses_total",
		Help: "Successful API requests per key index",
	}, []string{"key_index"})
)

// ErrEmptyPool is returned when a pool is constructed without any keys.
var ErrEmptyPool = errors.New("credential pool is empty")

// Pool holds an ordered set of API keys with a rotation cursor and
// per-key usage counters. The cursor is always a valid index.
type Pool struct {
	keys   []string
	cursor int
	usage  []int
	logger zerolog.Logger
}

// NewPool creates a pool from the given keys. At least one key is required.
func NewPool(keys []string) (*Pool, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyPool
	}
	return &Pool{
		keys:   keys,
		usage:  make([]int, len(keys)),
		logger: log.With().Str("component", "credentials").Logger(),
	}, nil
}

// ParseKeys splits a comma-separated key list, trimming whitespace and
// dropping empty entries. Returns nil for a blank input.
func ParseKeys(s string) []string {
	var keys []string
	for _, part := range strings.Split(s, ",") {
		if k := strings.TrimSpace(part); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Current returns the key at the cursor. No side effects.
func (p *Pool) Current() string {
	return p.keys[p.cursor]
}

// Index returns the 0-based cursor position.
func (p *Pool) Index() int {
	return p.cursor
}

// Size returns the number of keys in the pool.
func (p *Pool) Size() int {
	return len(p.keys)
}

// Rotate advances the cursor to the next key, wrapping around indefinitely.
func (p *Pool) Rotate() {
	p.cursor = (p.cursor + 1) % len(p.keys)
	keyRotationsTotal.Inc()
	p.logger.Info().
		Int("key_index", p.cursor+1).
		Int("pool_size", len(p.keys)).
		Msg("Rotated to next API key")
}

// RecordUse increments the usage counter of the given key. Called only
// after a confirmed successful (non-quota) API response. Unknown keys are
// ignored.
func (p *Pool) RecordUse(key string) {
	for i, k := range p.keys {
		if k == key {
			p.usage[i]++
			keyUsesTotal.WithLabelValues(fmt.Sprintf("%d", i)).Inc()
			return
		}
	}
}

// Usage returns a copy of the per-key usage counters, in pool order.
func (p *Pool) Usage() []int {
	out := make([]int, len(p.usage))
	copy(out, p.usage)
	return out
}
