// Package fanout delivers published events to every live subscription of a scope.
//
// Each subscription owns a bounded queue drained by its own goroutine, so a
// slow subscriber never stalls a publisher: once its queue is full the
// subscription is dropped and told so through its lost handler. Nothing is
// replayed; a subscriber that comes back must catch up from message history.
package fanout

import (
	"errors"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"project-collab-chat/internal/storage"
)

var (
	ErrSubscriptionLost = errors.New("subscription lost")
	ErrClosed           = errors.New("bus is closed")
)

// Scope addresses a group of subscriptions.
type Scope string

// GlobalScope carries newly created projects.
const GlobalScope Scope = "projects"

// ProjectScope carries messages appended to a single project.
func ProjectScope(projectID string) Scope {
	return Scope("project:" + projectID)
}

type EventKind int

const (
	EventMessage EventKind = iota + 1
	EventProject
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventProject:
		return "project"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind    EventKind
	Scope   Scope
	Message storage.Message
	Project storage.Project
}

// MessageEvent builds the event announcing m to its project scope.
func MessageEvent(m storage.Message) Event {
	return Event{Kind: EventMessage, Scope: ProjectScope(m.ProjectID), Message: m}
}

// ProjectEvent builds the event announcing p to the global scope.
func ProjectEvent(p storage.Project) Event {
	return Event{Kind: EventProject, Scope: GlobalScope, Project: p}
}

type (
	Handler     func(Event)
	LostHandler func(error)
)

// Recorder receives bus statistics.
type Recorder interface {
	EventPublished(kind string, delivered int)
	SubscriberDropped(kind string)
	SubscriptionsChanged(delta int)
}

type nopRecorder struct{}

func (nopRecorder) EventPublished(string, int) {}
func (nopRecorder) SubscriberDropped(string)   {}
func (nopRecorder) SubscriptionsChanged(int)   {}

type Option func(*Bus)

// WithBuffer sets the per-subscription queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(b *Bus) { b.recorder = r }
}

const defaultBuffer = 64

type Bus struct {
	logger   *zap.SugaredLogger
	recorder Recorder
	buffer   int

	mu     sync.Mutex
	scopes map[Scope]map[string]*Subscription
	closed bool
}

func New(logger *zap.SugaredLogger, opts ...Option) *Bus {
	b := &Bus{
		logger:   logger,
		recorder: nopRecorder{},
		buffer:   defaultBuffer,
		scopes:   make(map[Scope]map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers onEvent for every event published to scope from now on.
// onLost, if not nil, is called once when the bus drops the subscription.
func (b *Bus) Subscribe(scope Scope, onEvent Handler, onLost LostHandler) (*Subscription, error) {
	s := &Subscription{
		id:      xid.New().String(),
		scope:   scope,
		queue:   make(chan Event, b.buffer),
		done:    make(chan struct{}),
		onEvent: onEvent,
		onLost:  onLost,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	subs := b.scopes[scope]
	if subs == nil {
		subs = make(map[string]*Subscription)
		b.scopes[scope] = subs
	}
	subs[s.id] = s
	b.mu.Unlock()

	b.recorder.SubscriptionsChanged(1)
	go s.run()

	b.logger.Debugf("Subscription %s bound to %s", s.id, scope)

	return s, nil
}

// Unsubscribe releases s; repeated calls are no-ops.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}

	b.mu.Lock()
	removed := b.removeLocked(s)
	b.mu.Unlock()

	if removed {
		b.recorder.SubscriptionsChanged(-1)
		b.logger.Debugf("Subscription %s released from %s", s.id, s.scope)
	}
	s.stop(nil)
}

// Publish enqueues e for every subscription of e.Scope and returns how many accepted it.
// It never blocks; subscriptions with a full queue are dropped.
func (b *Bus) Publish(e Event) int {
	var dropped []*Subscription
	delivered := 0

	// publishers are serialized so every subscriber of a scope sees the same order
	b.mu.Lock()
	for _, s := range b.scopes[e.Scope] {
		select {
		case s.queue <- e:
			delivered++
		default:
			b.removeLocked(s)
			dropped = append(dropped, s)
		}
	}
	b.mu.Unlock()

	for _, s := range dropped {
		b.logger.Warnf("Subscription %s on %s dropped: queue of %d events is full", s.id, s.scope, b.buffer)
		b.recorder.SubscriberDropped(e.Kind.String())
		b.recorder.SubscriptionsChanged(-1)
		s.stop(ErrSubscriptionLost)
	}
	b.recorder.EventPublished(e.Kind.String(), delivered)

	return delivered
}

// Subscribers returns the number of live subscriptions bound to scope.
func (b *Bus) Subscribers(scope Scope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.scopes[scope])
}

// Close releases every subscription without calling lost handlers; later Subscribe calls fail.
func (b *Bus) Close() {
	b.mu.Lock()
	var all []*Subscription
	for _, subs := range b.scopes {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.scopes = make(map[Scope]map[string]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range all {
		s.stop(nil)
	}
	b.recorder.SubscriptionsChanged(-len(all))
}

func (b *Bus) removeLocked(s *Subscription) bool {
	subs := b.scopes[s.scope]
	if _, ok := subs[s.id]; !ok {
		return false
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(b.scopes, s.scope)
	}
	return true
}
