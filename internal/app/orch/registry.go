package orch

import (
	"context"
	"sync"

	"github.com/dkeye/warmode/internal/core"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/rs/zerolog/log"
)

// ConnID identifies one relay connection; a user may hold several.
type ConnID string

type connEntry struct {
	User   domain.UserID
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry tracks live relay connections so they can be cancelled as a group.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[ConnID]*connEntry)}
}

func (r *Registry) Bind(id ConnID, user domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{User: user, Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(user)).Msg("bound connection")
}

func (r *Registry) Unbind(id ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unbind connection")
}

func (r *Registry) User(id ConnID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.User, true
	}
	return "", false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ConnsOf returns the ids of every connection held by user.
func (r *Registry) ConnsOf(user domain.UserID) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ConnID
	for id, e := range r.conns {
		if e.User == user {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) Cancel(id ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}

// CancelAll cancels every bound connection, used on shutdown.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	ids := make([]ConnID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Cancel(id)
	}
	return len(ids)
}
