// Package session drives a single user's chat view: the project list, the open
// project's history and live feed, and sending.
package session

import (
	"context"
	"errors"
	"time"

	"project-collab-chat/internal/chat"
	"project-collab-chat/internal/fanout"
	"project-collab-chat/internal/storage"
)

var (
	ErrClosed       = errors.New("session is closed")
	ErrNoProject    = errors.New("no project selected")
	ErrSendInFlight = errors.New("previous message is still being sent")
)

type State int

const (
	StateNoProject State = iota
	StateLoadingHistory
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoProject:
		return "no_project_selected"
	case StateLoadingHistory:
		return "loading_history"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entry is a message together with its resolved sender.
type Entry struct {
	storage.Message
	Sender storage.User `json:"sender"`
}

// Notice is a dismissable report of a failed action.
type Notice struct {
	Action    string `json:"action"`
	Text      string `json:"text"`
	Retryable bool   `json:"retryable"`
	Err       error  `json:"-"`
}

// View is an immutable snapshot of the chat view.
type View struct {
	State    State             `json:"state"`
	User     string            `json:"user"`
	Projects []storage.Project `json:"projects"`
	Project  string            `json:"project,omitempty"`
	Messages []Entry           `json:"messages"`
	Sending  bool              `json:"sending"`
	Notice   *Notice           `json:"notice,omitempty"`
}

// Renderer receives every view the controller produces. Render is called from the
// controller's loop and must not call back into the controller.
type Renderer interface {
	Render(v View)
}

type RendererFunc func(View)

func (f RendererFunc) Render(v View) { f(v) }

type Membership interface {
	ListProjectsFor(ctx context.Context, user string) ([]storage.Project, error)
}

type MessageLog interface {
	Append(ctx context.Context, project, sender, body string) (storage.Message, error)
	History(ctx context.Context, project string, page chat.Page) (chat.HistoryPage, error)
}

type Bus interface {
	Subscribe(scope fanout.Scope, onEvent fanout.Handler, onLost fanout.LostHandler) (*fanout.Subscription, error)
	Unsubscribe(s *fanout.Subscription)
}

// Deps are the shared services a controller works with.
type Deps struct {
	Membership Membership
	Log        MessageLog
	Users      chat.UserSource
	Bus        Bus
}

// Recorder receives session statistics.
type Recorder interface {
	SessionOpened()
	SessionClosed()
	Resubscribed()
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened() {}
func (nopRecorder) SessionClosed() {}
func (nopRecorder) Resubscribed()  {}

type Option func(*Controller)

// WithHistoryPageSize sets how many messages are fetched per history call.
func WithHistoryPageSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithResubscribe sets how many times a lost subscription is retried and the
// initial delay, doubled after every failed attempt.
func WithResubscribe(attempts int, backoff time.Duration) Option {
	return func(c *Controller) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.backoff = backoff
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		if r != nil {
			c.recorder = r
		}
	}
}

const (
	defaultAttempts = 3
	defaultBackoff  = 200 * time.Millisecond
)
