// Package sessionregistry tracks which client instances are actively
// connected to which workspace via heartbeat, and fires a cleanup hook
// once a workspace's last session disconnects or expires.
//
// The ticker-driven sweep and the mutex-guarded session map are
// carried over from this lineage's cookie session manager; the
// idempotency-by-key lookup (a reconnect with the same client instance
// ID returns the existing session instead of minting a new one) is
// carried over from this lineage's agent session manager, generalized
// from "idempotency key per create call" to "client instance ID per
// workspace".
package sessionregistry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tscodex/mcp-manager-app/internal/eventbus"
	"github.com/tscodex/mcp-manager-app/internal/model"
)

// CleanupFunc is invoked, outside the registry's lock, when a
// workspace transitions from having at least one live session to
// having none — either because the last session disconnected or aged
// out past the expiry window.
type CleanupFunc func(workspaceID string)

// Registry is the SessionRegistry, component F.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*model.Session          // by sessionID
	byClient map[string]string                  // workspaceId+":"+clientInstanceId -> sessionID
	byWS     map[string]map[string]struct{}     // workspaceId -> set of sessionIDs

	ttl           time.Duration // T_expire
	sweepInterval time.Duration // T_sweep

	bus        *eventbus.Bus
	onEmptied  CleanupFunc
	stopSweep  chan struct{}
	newID      func() string
}

// New creates a Registry and starts its background sweep goroutine.
// onEmptied may be nil if no auto-cleanup is wanted.
func New(bus *eventbus.Bus, ttl, sweepInterval time.Duration, onEmptied CleanupFunc) *Registry {
	r := &Registry{
		sessions:      make(map[string]*model.Session),
		byClient:      make(map[string]string),
		byWS:          make(map[string]map[string]struct{}),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		bus:           bus,
		onEmptied:     onEmptied,
		stopSweep:     make(chan struct{}),
		newID:         func() string { return uuid.NewString() },
	}
	go r.sweep()
	return r
}

// Stop halts the background sweep goroutine.
func (r *Registry) Stop() {
	close(r.stopSweep)
}

func clientKey(workspaceID, clientInstanceID string) string {
	return workspaceID + ":" + clientInstanceID
}

// Connect registers a new session, or returns the existing one for
// the same (workspaceId, clientInstanceId) pair with its heartbeat
// refreshed — a reconnect from the same client instance is not a new
// session.
func (r *Registry) Connect(workspaceID, clientType, clientInstanceID, projectRoot string) *model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	ck := clientKey(workspaceID, clientInstanceID)
	if existingID, ok := r.byClient[ck]; ok {
		if s, ok := r.sessions[existingID]; ok {
			s.LastSeenAt = time.Now().UTC()
			out := *s
			return &out
		}
	}

	now := time.Now().UTC()
	s := &model.Session{
		SessionID:        r.newID(),
		WorkspaceID:      workspaceID,
		ClientType:       clientType,
		ClientInstanceID: clientInstanceID,
		ProjectRoot:      projectRoot,
		LastSeenAt:       now,
	}
	r.sessions[s.SessionID] = s
	r.byClient[ck] = s.SessionID
	if r.byWS[workspaceID] == nil {
		r.byWS[workspaceID] = make(map[string]struct{})
	}
	r.byWS[workspaceID][s.SessionID] = struct{}{}

	if r.bus != nil {
		r.bus.EmitApp(eventbus.AppEvent{Type: eventbus.SessionConnected, WorkspaceID: workspaceID, SessionID: s.SessionID})
	}

	out := *s
	return &out
}

// Ping refreshes a session's heartbeat. ok is false if the session is
// unknown (already expired and swept, or never existed) — the caller
// should treat that as "reconnect".
func (r *Registry) Ping(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastSeenAt = time.Now().UTC()
	return true
}

// Disconnect removes a session immediately. If this was the last
// session for its workspace, the cleanup hook fires after the lock is
// released.
func (r *Registry) Disconnect(sessionID string) {
	workspaceID, emptied := r.remove(sessionID, "client-disconnected")
	if emptied && r.onEmptied != nil {
		r.onEmptied(workspaceID)
	}
}

// remove deletes sessionID from every index and reports whether doing
// so left its workspace with zero sessions.
func (r *Registry) remove(sessionID, reason string) (workspaceID string, emptied bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	workspaceID = s.WorkspaceID

	delete(r.sessions, sessionID)
	delete(r.byClient, clientKey(s.WorkspaceID, s.ClientInstanceID))
	if set, ok := r.byWS[s.WorkspaceID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byWS, s.WorkspaceID)
			emptied = true
		}
	}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.EmitApp(eventbus.AppEvent{Type: eventbus.SessionDisconnected, WorkspaceID: workspaceID, SessionID: sessionID, Reason: reason})
	}
	return workspaceID, emptied
}

// Get returns the session record, if tracked.
func (r *Registry) Get(sessionID string) (*model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	out := *s
	return &out, true
}

// ActiveInWorkspace reports how many live sessions a workspace has.
func (r *Registry) ActiveInWorkspace(workspaceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byWS[workspaceID])
}

// sweep periodically evicts sessions whose heartbeat has aged out past
// ttl, firing the cleanup hook for any workspace that becomes empty as
// a result.
func (r *Registry) sweep() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if now.Sub(s.LastSeenAt) > r.ttl {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		workspaceID, emptied := r.remove(id, "expired")
		if emptied && r.onEmptied != nil {
			r.onEmptied(workspaceID)
		}
	}
}
