// Package corex holds small generic concurrency helpers shared by the state
// machine and the obfuscators.
//
// ExpMap is adapted from Lanius-collaris-firestack's intra/core.ExpMap: a
// TTL hit-counter map used there to stall firewalled flows, used here by
// the Connecting state (state/node_connecting.go) to count repeated
// Restartable failures per internal/classify category for stall warnings.
package corex

import (
	"sync"
	"time"
)

var (
	reapThreshold = 5 * time.Minute
	maxReapIter   = 100
	sizeThreshold = 500
)

type expVal struct {
	expiry time.Time
	hits   uint32
}

// ExpMap counts hits per key, each with its own expiry, and periodically
// reaps expired entries once the map grows past a size threshold.
type ExpMap struct {
	mu       sync.Mutex
	m        map[string]*expVal
	lastReap time.Time
}

// NewExpMap returns an empty ExpMap ready for use.
func NewExpMap() *ExpMap {
	return &ExpMap{
		m:        make(map[string]*expVal),
		lastReap: time.Now(),
	}
}

// Get returns the current hit count for key, resetting it if its entry has
// expired, and creating a fresh zero entry if the key is unseen.
func (m *ExpMap) Get(key string) uint32 {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.m[key]
	if !ok {
		m.m[key] = &expVal{expiry: now}
		return 0
	}
	if now.After(v.expiry) {
		v.hits = 0
	} else {
		v.hits++
	}
	return v.hits
}

// Set bumps key's expiry to now+ttl, extending rather than shortening an
// existing later expiry, and triggers a background reap sweep.
func (m *ExpMap) Set(key string, ttl time.Duration) uint32 {
	expiry := time.Now().Add(ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.m[key]
	if ok && expiry.After(v.expiry) {
		v.expiry = expiry
	} else if !ok {
		v = &expVal{expiry: expiry}
		m.m[key] = v
	}

	go m.reap()

	return v.hits
}

// Delete removes key.
func (m *ExpMap) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
}

// Len reports the number of tracked keys.
func (m *ExpMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

// Clear empties the map and reports how many entries were removed.
func (m *ExpMap) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.m)
	m.m = make(map[string]*expVal)
	return n
}

func (m *ExpMap) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.m) < sizeThreshold {
		return
	}
	now := time.Now()
	if now.Sub(m.lastReap.Add(reapThreshold)) <= 0 {
		return
	}
	m.lastReap = now

	i := 0
	for k, v := range m.m {
		i++
		if now.Sub(v.expiry) > 0 {
			delete(m.m, k)
		}
		if i > maxReapIter {
			break
		}
	}
}
