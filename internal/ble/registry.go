package ble

import (
	"fmt"
	"sync"
	"time"
)

// DeviceKey identifies a device through a specific proxy. It scopes the
// global connect mutex and every preference lookup.
type DeviceKey struct {
	ProxyHost string
	Address   uint64
}

func (k DeviceKey) String() string {
	return fmt.Sprintf("%s:%d", k.ProxyHost, k.Address)
}

// connectFlight is one in-progress connect shared by every waiter for a key.
type connectFlight struct {
	done chan struct{}
	res  *ConnectOutcome
	err  error
}

// Registry is the process-wide session registry and connect gate. Multiple
// transient Session instances can exist for one DeviceKey during scan and
// retry loops; the registry guarantees at most one in-flight connect per key
// and lets a new session evict its predecessor's listeners.
type Registry struct {
	mu       sync.Mutex
	sessions map[DeviceKey]*Session
	inflight map[DeviceKey]*connectFlight

	cooldownUntil     map[DeviceKey]time.Time
	forceNoCacheUntil map[DeviceKey]time.Time

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:          make(map[DeviceKey]*Session),
		inflight:          make(map[DeviceKey]*connectFlight),
		cooldownUntil:     make(map[DeviceKey]time.Time),
		forceNoCacheUntil: make(map[DeviceKey]time.Time),
		now:               time.Now,
	}
}

// register installs s for its key, cleaning up any predecessor first.
func (r *Registry) register(s *Session) {
	r.mu.Lock()
	prev := r.sessions[s.key]
	r.sessions[s.key] = s
	r.mu.Unlock()
	if prev != nil && prev != s {
		prev.Cleanup()
	}
}

// unregister removes s if it is still the current session for its key.
func (r *Registry) unregister(s *Session) {
	r.mu.Lock()
	if r.sessions[s.key] == s {
		delete(r.sessions, s.key)
	}
	r.mu.Unlock()
}

// Session returns the current session for a key, nil when absent.
func (r *Registry) Session(key DeviceKey) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key]
}

// Sessions snapshots all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// beginConnect joins an existing flight or opens a new one. The second return
// is true when the caller owns the flight and must call finishConnect.
func (r *Registry) beginConnect(key DeviceKey) (*connectFlight, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.inflight[key]; ok {
		return f, false
	}
	f := &connectFlight{done: make(chan struct{})}
	r.inflight[key] = f
	return f, true
}

func (r *Registry) finishConnect(key DeviceKey, f *connectFlight, res *ConnectOutcome, err error) {
	f.res = res
	f.err = err
	r.mu.Lock()
	if r.inflight[key] == f {
		delete(r.inflight, key)
	}
	r.mu.Unlock()
	close(f.done)
}

// Cooldown returns how long the key must still wait before connecting.
func (r *Registry) Cooldown(key DeviceKey) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.cooldownUntil[key]
	if !ok {
		return 0
	}
	d := until.Sub(r.now())
	if d < 0 {
		return 0
	}
	return d
}

// SetCooldown arms a connect cooldown for the key.
func (r *Registry) SetCooldown(key DeviceKey, d time.Duration) {
	r.mu.Lock()
	r.cooldownUntil[key] = r.now().Add(d)
	r.mu.Unlock()
}

// ClearCooldown removes the connect cooldown for the key.
func (r *Registry) ClearCooldown(key DeviceKey) {
	r.mu.Lock()
	delete(r.cooldownUntil, key)
	r.mu.Unlock()
}

// ForceWithoutCache reports whether the time-limited without-cache override
// is active for the key.
func (r *Registry) ForceWithoutCache(key DeviceKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forceNoCacheUntil[key].After(r.now())
}

// SetForceWithoutCache arms the without-cache override for the key.
func (r *Registry) SetForceWithoutCache(key DeviceKey, d time.Duration) {
	r.mu.Lock()
	r.forceNoCacheUntil[key] = r.now().Add(d)
	r.mu.Unlock()
}

// forceWithoutCacheDeadline returns the override deadline for diagnostics.
func (r *Registry) forceWithoutCacheDeadline(key DeviceKey) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forceNoCacheUntil[key]
}

// cooldownDeadline returns the cooldown deadline for diagnostics.
func (r *Registry) cooldownDeadline(key DeviceKey) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cooldownUntil[key]
}
