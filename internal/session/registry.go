// Package session tracks live transport endpoints: one session per target
// name and an unordered set of controller sessions.
package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/user/cmdrelay/internal/metrics"
	"github.com/user/cmdrelay/internal/protocol"
	"github.com/user/cmdrelay/internal/types"
)

// PresenceFunc is called when a target goes online or offline.
type PresenceFunc func(target string, online bool)

// Registry maps target names to sessions and holds the controller set.
type Registry struct {
	mu          sync.RWMutex
	targets     map[string]types.Session
	controllers map[types.Session]struct{}

	// emitMu serializes bind/unbind together with its presence event so
	// events reach controllers in binding order.
	emitMu     sync.Mutex
	onPresence PresenceFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		targets:     make(map[string]types.Session),
		controllers: make(map[types.Session]struct{}),
	}
}

// OnPresence sets the presence callback. Call before serving connections.
func (r *Registry) OnPresence(fn PresenceFunc) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.onPresence = fn
}

// RegisterTarget binds name to s, replacing any earlier binding. The
// replaced session is left open.
func (r *Registry) RegisterTarget(name string, s types.Session) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	prev := r.targets[name]
	r.targets[name] = s
	n := len(r.targets)
	r.mu.Unlock()

	if prev != nil && prev != s {
		slog.Info("target binding superseded", "target", name, "old_session", prev.ID(), "session", s.ID())
	}
	metrics.SetSessionsOnline("target", n)
	r.emit(name, true)
}

// UnregisterTarget removes the binding for name only if it still points at
// s. It returns false when a newer registration already replaced it.
func (r *Registry) UnregisterTarget(name string, s types.Session) bool {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	current, ok := r.targets[name]
	if !ok || current != s {
		r.mu.Unlock()
		return false
	}
	delete(r.targets, name)
	n := len(r.targets)
	r.mu.Unlock()

	metrics.SetSessionsOnline("target", n)
	r.emit(name, false)
	return true
}

// RegisterController adds s to the controller set. Before joining, s is
// sent one presence frame per online target so it starts with the current
// view.
func (r *Registry) RegisterController(s types.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.sortedTargets() {
		s.Send(protocol.MustEncode(protocol.NewPresence(name, true)))
	}
	r.controllers[s] = struct{}{}
	metrics.SetSessionsOnline("controller", len(r.controllers))
}

// UnregisterController removes s from the controller set. No event is
// emitted.
func (r *Registry) UnregisterController(s types.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.controllers, s)
	metrics.SetSessionsOnline("controller", len(r.controllers))
}

// LookupTarget returns the session bound to name.
func (r *Registry) LookupTarget(name string) (types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.targets[name]
	return s, ok
}

// IsOnline reports whether name has a live session.
func (r *Registry) IsOnline(name string) bool {
	_, ok := r.LookupTarget(name)
	return ok
}

// OnlineTargets returns the bound target names in sorted order.
func (r *Registry) OnlineTargets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedTargets()
}

// Controllers returns a snapshot of the controller set.
func (r *Registry) Controllers() []types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Session, 0, len(r.controllers))
	for s := range r.controllers {
		out = append(out, s)
	}
	return out
}

// sortedTargets requires r.mu held.
func (r *Registry) sortedTargets() []string {
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// emit requires r.emitMu held.
func (r *Registry) emit(name string, online bool) {
	if r.onPresence != nil {
		r.onPresence(name, online)
	}
}
