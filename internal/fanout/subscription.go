package fanout

import "sync"

// Subscription is a handle returned by Bus.Subscribe.
type Subscription struct {
	id    string
	scope Scope

	queue   chan Event
	done    chan struct{}
	once    sync.Once
	err     error
	onEvent Handler
	onLost  LostHandler
}

func (s *Subscription) ID() string   { return s.id }
func (s *Subscription) Scope() Scope { return s.scope }

// Done is closed once the subscription stops receiving events.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) stop(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			if s.err != nil && s.onLost != nil {
				s.onLost(s.err)
			}
			return
		case e := <-s.queue:
			// a stop racing with a queued event wins
			select {
			case <-s.done:
				continue
			default:
			}
			s.onEvent(e)
		}
	}
}
