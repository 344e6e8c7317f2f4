package proxy

import (
	"strings"
	"sync"
	"time"

	"github.com/migadu/poplogin/config"
	"github.com/migadu/poplogin/logger"
	"github.com/migadu/poplogin/pkg/metrics"
)

// AnvilRegistrar is the external accounting sidecar a detached Proxy
// registers with. The sidecar's own storage and wire protocol are out of
// scope; this is only the contract the Engine depends on.
type AnvilRegistrar interface {
	Register(user, service string, guid [16]byte) error
	Unregister(guid [16]byte)
}

type noopAnvil struct{}

func (noopAnvil) Register(user, service string, guid [16]byte) error { return nil }
func (noopAnvil) Unregister(guid [16]byte)                           {}

// Engine is the single explicitly constructed value holding every piece
// of process-wide state a Proxy needs: the destination health registry,
// the pending and detached proxy lists, and the accounting sidecar. There
// are no hidden package-level singletons; a process that needs more than
// one independently configured proxy pool constructs more than one Engine.
type Engine struct {
	Health *HealthRegistry
	Config config.ProxySettings

	anvil AnvilRegistrar

	pendingMu sync.Mutex
	pending   map[*Proxy]struct{}

	detachedMu sync.RWMutex
	detached   map[string][]*Proxy
}

// NewEngine constructs an Engine over a fresh or shared HealthRegistry.
func NewEngine(cfg config.ProxySettings, health *HealthRegistry) *Engine {
	if health == nil {
		health = NewHealthRegistry()
	}
	return &Engine{
		Health:   health,
		Config:   cfg,
		anvil:    noopAnvil{},
		pending:  make(map[*Proxy]struct{}),
		detached: make(map[string][]*Proxy),
	}
}

// SetAnvilRegistrar wires the accounting sidecar used by newly detached
// proxies. Must be called before any Proxy detaches.
func (e *Engine) SetAnvilRegistrar(a AnvilRegistrar) {
	if a == nil {
		a = noopAnvil{}
	}
	e.anvil = a
}

func (e *Engine) addPending(p *Proxy) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending[p] = struct{}{}
}

func (e *Engine) removePending(p *Proxy) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	delete(e.pending, p)
}

func (e *Engine) pendingSnapshot() []*Proxy {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	out := make([]*Proxy, 0, len(e.pending))
	for p := range e.pending {
		out = append(out, p)
	}
	return out
}

func virtualUserKey(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}

func (e *Engine) addDetached(p *Proxy) {
	key := virtualUserKey(p.virtualUser)
	e.detachedMu.Lock()
	defer e.detachedMu.Unlock()
	e.detached[key] = append(e.detached[key], p)
}

func (e *Engine) removeDetached(p *Proxy) {
	key := virtualUserKey(p.virtualUser)
	e.detachedMu.Lock()
	defer e.detachedMu.Unlock()
	list := e.detached[key]
	for i, entry := range list {
		if entry == p {
			e.detached[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.detached[key]) == 0 {
		delete(e.detached, key)
	}
}

func (e *Engine) detachedForUser(user string) []*Proxy {
	key := virtualUserKey(user)
	e.detachedMu.RLock()
	defer e.detachedMu.RUnlock()
	out := make([]*Proxy, len(e.detached[key]))
	copy(out, e.detached[key])
	return out
}

// SessionCounts reports how many sessions are mid-login (pending) and how
// many have completed pre-login and are being pumped (detached), for
// status reporting over the admin socket and the metrics HTTP server.
func (e *Engine) SessionCounts() (pending, detached int) {
	pending = len(e.pendingSnapshot())
	e.detachedMu.RLock()
	defer e.detachedMu.RUnlock()
	for _, list := range e.detached {
		detached += len(list)
	}
	return pending, detached
}

func (e *Engine) allDetached() []*Proxy {
	e.detachedMu.RLock()
	defer e.detachedMu.RUnlock()
	var out []*Proxy
	for _, list := range e.detached {
		out = append(out, list...)
	}
	return out
}

// KickUser closes every detached (and, best-effort, pending) proxy
// belonging to user, optionally narrowed to a single anvil connection
// GUID. It returns the number of sessions closed.
func (e *Engine) KickUser(user string, connGUID *[16]byte) int {
	closed := 0
	for _, p := range e.detachedForUser(user) {
		if connGUID != nil && p.anvilGUID != *connGUID {
			continue
		}
		p.Close("Kicked by admin", true)
		closed++
	}
	for _, p := range e.pendingSnapshot() {
		if virtualUserKey(p.virtualUser) != virtualUserKey(user) {
			continue
		}
		p.Close("Kicked by admin", false)
		closed++
	}
	if closed > 0 {
		metrics.KicksTotal.Add(float64(closed))
	}
	return closed
}

// DieIdleSecs is how long a detached proxy may sit without I/O before
// KillIdle closes it during shutdown.
const DieIdleSecs = 2 * time.Second

// KillIdle closes every detached proxy that has been idle for at least
// DieIdleSecs, and arms a timer for those that haven't yet reached it.
func (e *Engine) KillIdle() {
	now := time.Now()
	for _, p := range e.allDetached() {
		lastIO := p.lastIO()
		idleFor := now.Sub(lastIO)
		if idleFor >= DieIdleSecs {
			logger.Info("closing idle proxy", "user", p.virtualUser, "idle_for", idleFor)
			p.Close("Process shutting down", false)
			metrics.IdleKillsTotal.Inc()
			continue
		}
		remaining := DieIdleSecs - idleFor
		time.AfterFunc(remaining, func(p *Proxy) func() {
			return func() {
				if now2 := time.Now(); now2.Sub(p.lastIO()) >= DieIdleSecs {
					p.Close("Process shutting down", false)
					metrics.IdleKillsTotal.Inc()
				}
			}
		}(p))
	}
}
