// ABOUTME: Authoritative store of connected client sessions
// ABOUTME: Publishes immutable snapshots to listeners frozen at build time
package registry

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/soundbridge/soundbridge/pkg/audio"
)

// Entry is one client session as seen by listeners.
type Entry struct {
	Addr        netip.Addr
	Compression audio.Compression
}

// Snapshot is an immutable point-in-time list of all sessions, ordered
// by address. Listeners never observe partial state.
type Snapshot []Entry

// Compressions returns the distinct compression levels present, ordered.
func (s Snapshot) Compressions() []audio.Compression {
	seen := make(map[audio.Compression]bool, len(s))
	var out []audio.Compression
	for _, e := range s {
		if !seen[e.Compression] {
			seen[e.Compression] = true
			out = append(out, e.Compression)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Listener receives every published snapshot.
type Listener func(Snapshot)

// Builder collects listeners before the registry starts. Listener
// registration is a configuration-time operation only; Build consumes
// the builder into a Registry whose listener list can no longer change,
// so steady-state operation needs no listener synchronization.
type Builder struct {
	listeners []Listener
	timeout   time.Duration
}

// NewBuilder creates a Builder with the given idle-eviction timeout.
func NewBuilder(timeout time.Duration) *Builder {
	return &Builder{timeout: timeout}
}

// OnSnapshot registers a listener for registry changes.
func (b *Builder) OnSnapshot(l Listener) *Builder {
	b.listeners = append(b.listeners, l)
	return b
}

// OnCompressions registers a listener that receives only the distinct
// ordered compression set of each snapshot.
func (b *Builder) OnCompressions(l func([]audio.Compression)) *Builder {
	return b.OnSnapshot(func(s Snapshot) { l(s.Compressions()) })
}

// Build finalizes the listener set and returns the running registry.
func (b *Builder) Build() *Registry {
	return &Registry{
		timeout:   b.timeout,
		listeners: b.listeners,
		sessions:  make(map[netip.Addr]*session),
	}
}

type session struct {
	compression audio.Compression
	lastContact time.Time
}

// Registry is the thread-safe session store. All mutations take the
// exclusive lock; snapshots are built and delivered while holding it,
// so a listener never sees a state that no longer exists.
type Registry struct {
	mu        sync.Mutex
	timeout   time.Duration
	listeners []Listener
	sessions  map[netip.Addr]*session
}

// Add creates a session for addr or refreshes an existing one. A new
// session or a compression change broadcasts a snapshot; a bare
// refresh with the same compression does not.
func (r *Registry) Add(addr netip.Addr, compression audio.Compression) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[addr]; ok {
		s.lastContact = time.Now()
		if s.compression == compression {
			return
		}
		s.compression = compression
	} else {
		r.sessions[addr] = &session{compression: compression, lastContact: time.Now()}
	}
	r.broadcastLocked()
}

// SetCompression updates a known session's compression level. Unknown
// address or unchanged level is a no-op.
func (r *Registry) SetCompression(addr netip.Addr, compression audio.Compression) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[addr]
	if !ok || s.compression == compression {
		return
	}
	s.compression = compression
	r.broadcastLocked()
}

// Keep refreshes a session's last-contact time. Never broadcasts:
// keep-alives are high frequency and must not churn encoders.
func (r *Registry) Keep(addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[addr]; ok {
		s.lastContact = time.Now()
	}
}

// Remove deletes a session; broadcasts only if one was actually removed.
func (r *Registry) Remove(addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[addr]; !ok {
		return
	}
	delete(r.sessions, addr)
	r.broadcastLocked()
}

// Maintain evicts every session idle longer than the timeout. Called
// periodically by the server's maintenance timer. At most one snapshot
// is broadcast per sweep regardless of how many sessions expired.
func (r *Registry) Maintain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	removed := false
	for addr, s := range r.sessions {
		if now.Sub(s.lastContact) > r.timeout {
			delete(r.sessions, addr)
			removed = true
		}
	}
	if removed {
		r.broadcastLocked()
	}
}

// Snapshot returns the current session list without broadcasting.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) snapshotLocked() Snapshot {
	snap := make(Snapshot, 0, len(r.sessions))
	for addr, s := range r.sessions {
		snap = append(snap, Entry{Addr: addr, Compression: s.compression})
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].Addr.Less(snap[j].Addr) })
	return snap
}

func (r *Registry) broadcastLocked() {
	if len(r.listeners) == 0 {
		return
	}
	snap := r.snapshotLocked()
	for _, l := range r.listeners {
		l(snap)
	}
}
