// Package eventbus is the typed in-process pub/sub used to fan out
// lifecycle and log events to subscribers (a UI, a log pipeline, the
// /events WebSocket). Its bounded-per-subscriber-queue-with-drop-oldest
// delivery model is carried over from this lineage's boot-log
// broadcaster, generalized from one shared buffer broadcasting to
// WebSocket clients into typed per-subscriber queues that never block
// the emitting goroutine.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Channel names the two typed event streams §4.2 defines.
type Channel string

const (
	ChannelServer Channel = "server"
	ChannelApp    Channel = "app"
)

// ServerEventType enumerates the lifecycle/log kinds a ServerEvent can carry.
type ServerEventType string

const (
	ServerStarting ServerEventType = "starting"
	ServerStarted  ServerEventType = "started"
	ServerStopped  ServerEventType = "stopped"
	ServerError    ServerEventType = "error"
	ServerLog      ServerEventType = "log"
)

// isLifecycle reports whether t is a lifecycle transition (never
// dropped) as opposed to a log line (droppable on overflow).
func (t ServerEventType) isLifecycle() bool { return t != ServerLog }

// ServerEvent is a lifecycle or log notification for one instance key.
type ServerEvent struct {
	Type        ServerEventType `json:"type"`
	ServerID    string          `json:"serverId"`
	WorkspaceID string          `json:"workspaceId"`
	Timestamp   time.Time       `json:"timestamp"`
	Port        int             `json:"port,omitempty"`
	Error       string          `json:"error,omitempty"`
	Message     string          `json:"message,omitempty"`
	Level       string          `json:"level,omitempty"`
}

// AppEventType enumerates application-level notifications.
type AppEventType string

const (
	WorkspaceCreated     AppEventType = "workspace-created"
	WorkspaceUpdated     AppEventType = "workspace-updated"
	WorkspaceDeleted     AppEventType = "workspace-deleted"
	SessionConnected     AppEventType = "session-connected"
	SessionDisconnected  AppEventType = "session-disconnected"
	ProfileUpdated       AppEventType = "profile-updated"
)

// AppEvent is an application-level notification.
type AppEvent struct {
	Type        AppEventType   `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Event is the envelope delivered to subscribers: exactly one of
// Server/App is set, matching the Channel the subscription was made on.
type Event struct {
	Channel Channel
	Server  *ServerEvent
	App     *AppEvent
}

const defaultQueueSize = 256

// Bus is a typed, best-effort, same-process pub/sub. Emit never
// blocks on a slow subscriber: each subscriber owns a bounded queue
// and overflow drops the oldest droppable (log) entry first.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Channel]map[*Subscription]struct{}
	warnLimiter *rate.Limiter
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: map[Channel]map[*Subscription]struct{}{
			ChannelServer: {},
			ChannelApp:    {},
		},
		// At most one "dropping event" warning every 5s, regardless of
		// how many subscribers or how fast they're overflowing.
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Subscription is a handle returned by Subscribe. Call Unsubscribe
// when done; call Next to pull the next event (blocks until one is
// available or the subscription is closed).
type Subscription struct {
	bus     *Bus
	channel Channel

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	closed bool
}

// Subscribe registers a new subscriber on channel. The returned
// Subscription must be closed with Unsubscribe.
func (b *Bus) Subscribe(channel Channel) *Subscription {
	sub := &Subscription{
		bus:     b,
		channel: channel,
		notify:  make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subscribers[channel][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription; further Next calls return
// ok=false once the queue drains.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers[s.channel], s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or the subscription is
// closed and drained, returning ok=false in the latter case.
func (s *Subscription) Next() (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}
		<-s.notify
	}
}

func (s *Subscription) push(e Event, limiter *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.queue) >= defaultQueueSize {
		if idx := s.oldestDroppableIndex(); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		} else {
			// Queue is saturated with non-droppable entries (pathological
			// case); evict the oldest anyway so the subscriber isn't wedged.
			s.queue = s.queue[1:]
		}
		if limiter.Allow() {
			slog.Warn("eventbus: subscriber queue full, dropping oldest event", "channel", s.channel)
		}
	}

	s.queue = append(s.queue, e)

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// oldestDroppableIndex returns the index of the oldest log-level
// ServerEvent in the queue, or -1 if none exists (lifecycle events and
// AppEvents are never chosen here).
func (s *Subscription) oldestDroppableIndex() int {
	for i, e := range s.queue {
		if e.Server != nil && !e.Server.Type.isLifecycle() {
			return i
		}
	}
	return -1
}

// Emit stamps ev.Timestamp and delivers it to every subscriber of
// ChannelServer. It never blocks on a slow subscriber.
func (b *Bus) Emit(ev ServerEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.dispatch(ChannelServer, Event{Channel: ChannelServer, Server: &ev})
}

// EmitApp stamps ev.Timestamp and delivers it to every subscriber of ChannelApp.
func (b *Bus) EmitApp(ev AppEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.dispatch(ChannelApp, Event{Channel: ChannelApp, App: &ev})
}

func (b *Bus) dispatch(channel Channel, e Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers[channel]))
	for sub := range b.subscribers[channel] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.push(e, b.warnLimiter)
	}
}
