// Package addrmgr maintains the bounded pool of known peer addresses that
// feeds the outbound and seed sessions and answers getaddr requests. The pool
// is its own synchronization domain: its methods may be called from any
// strand, and callers sequence their use of the results on their own strands.
package addrmgr

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"

	"github.com/decred/dcrd/lru"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/hashforge/bnet/neterror"
)

// staleSize bounds the cache of recently dropped authorities. Addresses that
// just failed a connection attempt are usually still circulating in peer
// gossip; refusing to re-admit them for a while keeps the pool from churning
// on a handful of dead endpoints.
const staleSize = 512

// Config parameterizes the host pool.
type Config struct {
	// Capacity bounds the number of retained addresses. Zero disables the
	// address pool: address operations short-circuit and the seed session
	// reports bypassed. Authority reservations still work at zero.
	Capacity int

	// Path is the location of the hosts cache file. Empty disables
	// persistence.
	Path string

	// Clock stamps restored and saved addresses. Tests inject a mock.
	Clock clock.Clock

	// Excluded, if non-nil, filters addresses offered to Save. It mirrors
	// the settings-level exclusion predicate (disabled, insufficient,
	// unsupported, peered, blacklisted, not whitelisted).
	Excluded func(Address) bool
}

// Manager is the host pool. It tracks three disjoint facts per authority:
// membership in the candidate set, an in-flight "taken" hole left by Take,
// and a liveness reservation placed when a channel for that authority
// registers with the supervisor.
type Manager struct {
	cfg Config

	mtx sync.Mutex

	// addrs is the candidate set keyed by authority, with keys mirrored
	// in order for uniform random selection.
	addrs map[string]Address
	order []string

	// reserved marks authorities with a live channel. Take never returns
	// a reserved authority, and Reserve fails on collision.
	reserved map[string]struct{}

	// stale remembers recently dropped authorities so gossip cannot
	// immediately re-admit them.
	stale lru.Cache

	// notify is closed and replaced whenever the candidate count grows,
	// letting an address-starved outbound batch pause rather than spin.
	notify chan struct{}

	rng *rand.Rand
}

// New creates a host pool with the given configuration.
func New(cfg Config) *Manager {
	var seed [8]byte
	_, _ = crand.Read(seed[:])

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Manager{
		cfg:      cfg,
		addrs:    make(map[string]Address),
		reserved: make(map[string]struct{}),
		stale:    lru.NewCache(staleSize),
		notify:   make(chan struct{}),
		rng: rand.New(rand.NewSource(
			int64(binary.LittleEndian.Uint64(seed[:])))),
	}
}

// Count returns the number of candidate addresses currently pooled.
func (m *Manager) Count() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return len(m.order)
}

// ReservedCount returns the number of live-channel reservations.
func (m *Manager) ReservedCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return len(m.reserved)
}

// Take removes and returns one candidate whose authority is not reserved.
// It returns ErrAddressNotFound when the pool has no eligible candidate; the
// caller is expected to pause against WaitChan rather than retry in a loop.
func (m *Manager) Take() (Address, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.cfg.Capacity == 0 || len(m.order) == 0 {
		return Address{}, neterror.ErrAddressNotFound
	}

	// Probe from a random starting point so repeated takes under heavy
	// reservation do not always walk the same prefix.
	start := m.rng.Intn(len(m.order))
	for i := 0; i < len(m.order); i++ {
		authority := m.order[(start+i)%len(m.order)]
		if _, ok := m.reserved[authority]; ok {
			continue
		}

		addr := m.addrs[authority]
		m.remove(authority)
		m.stale.Add(authority)
		return addr, nil
	}

	return Address{}, neterror.ErrAddressNotFound
}

// Restore returns an unused candidate to the pool, typically a batch loser
// whose connector was canceled before completing.
func (m *Manager) Restore(addr Address) {
	if !addr.IsValid() {
		return
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.cfg.Capacity == 0 {
		return
	}

	authority := addr.Authority()
	addr.Timestamp = m.cfg.Clock.Now()

	// A restored address was good a moment ago; it must not be refused as
	// stale.
	m.stale.Delete(authority)

	if _, ok := m.addrs[authority]; ok {
		return
	}

	m.insert(authority, addr)
	m.grewLocked()
}

// Fetch returns a uniformly random candidate without removing it.
func (m *Manager) Fetch() (Address, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if len(m.order) == 0 {
		return Address{}, neterror.ErrAddressNotFound
	}

	authority := m.order[m.rng.Intn(len(m.order))]
	return m.addrs[authority], nil
}

// FetchMany returns up to limit distinct random candidates, used to answer
// getaddr requests.
func (m *Manager) FetchMany(limit int) []Address {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if limit > len(m.order) {
		limit = len(m.order)
	}
	if limit <= 0 {
		return nil
	}

	picks := m.rng.Perm(len(m.order))[:limit]
	out := make([]Address, 0, limit)
	for _, i := range picks {
		out = append(out, m.addrs[m.order[i]])
	}
	return out
}

// Save bulk-inserts gossiped addresses, deduplicating against the pool and
// dropping entries refused by the exclusion filter, the stale cache or the
// capacity bound. It returns the number of addresses actually admitted and
// wakes count waiters if the pool grew.
func (m *Manager) Save(addrs []Address) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.cfg.Capacity == 0 {
		return 0
	}

	var accepted int
	for _, addr := range addrs {
		if !addr.IsValid() {
			continue
		}
		if m.cfg.Excluded != nil && m.cfg.Excluded(addr) {
			continue
		}

		authority := addr.Authority()
		if _, ok := m.addrs[authority]; ok {
			continue
		}
		if m.stale.Contains(authority) {
			continue
		}
		if len(m.order) >= m.cfg.Capacity {
			break
		}

		m.insert(authority, addr)
		accepted++
	}

	if accepted > 0 {
		log.Debugf("Pooled %d new addresses (%d total)", accepted,
			len(m.order))
		m.grewLocked()
	}

	return accepted
}

// Reserve marks the authority as having a live channel. It reports false on
// collision, which the supervisor maps to a channel conflict.
func (m *Manager) Reserve(authority string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.reserved[authority]; ok {
		return false
	}

	m.reserved[authority] = struct{}{}
	return true
}

// Unreserve clears a liveness reservation.
func (m *Manager) Unreserve(authority string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	delete(m.reserved, authority)
}

// IsReserved reports whether the authority currently has a live channel.
func (m *Manager) IsReserved(authority string) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	_, ok := m.reserved[authority]
	return ok
}

// WaitChan returns a channel closed the next time the candidate count grows.
// An outbound batch that drained the pool selects on it alongside its quit
// signal instead of spinning on Take.
func (m *Manager) WaitChan() <-chan struct{} {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.notify
}

// insert adds the address under its authority. Caller holds mtx.
func (m *Manager) insert(authority string, addr Address) {
	m.addrs[authority] = addr
	m.order = append(m.order, authority)
}

// remove deletes the authority from the candidate set. Caller holds mtx.
func (m *Manager) remove(authority string) {
	delete(m.addrs, authority)
	for i, a := range m.order {
		if a == authority {
			m.order[i] = m.order[len(m.order)-1]
			m.order = m.order[:len(m.order)-1]
			return
		}
	}
}

// grewLocked wakes all count waiters. Caller holds mtx.
func (m *Manager) grewLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}
