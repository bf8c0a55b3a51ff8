// Package keylock serializes work per string key. Entries are reference
// counted and swept once they have been idle for the configured TTL.
package keylock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long an idle entry survives before a sweep removes it.
const DefaultTTL = time.Minute

type entry struct {
	sem      chan struct{}
	refs     int
	lastUsed time.Time
}

// Map hands out one mutual-exclusion slot per key.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
	done    chan struct{}
}

// New creates an empty lock map. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration) *Map {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Map{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Lock blocks until the caller holds key or ctx is done. The returned
// function releases the key and must be called exactly once.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.release(e)
		})
	}, nil
}

func (m *Map) release(e *entry) {
	m.mu.Lock()
	e.refs--
	e.lastUsed = m.now()
	m.mu.Unlock()
}

// Len reports the number of live entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep drops entries nobody holds or waits on that have been idle for
// longer than the TTL. It returns how many were removed.
func (m *Map) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.ttl)
	removed := 0
	for key, e := range m.entries {
		if e.refs == 0 && e.lastUsed.Before(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Start runs Sweep every TTL until ctx is cancelled.
func (m *Map) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.ttl)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					slog.Debug("swept idle lock entries", "removed", n)
				}
			case <-ctx.Done():
				close(m.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper started by Start has stopped.
func (m *Map) Wait() {
	<-m.done
}
