// Package chat implements project membership, the per-project message log and
// sender identity resolution on top of a storage backend and the fan-out bus.
package chat

import (
	"context"

	"project-collab-chat/internal/fanout"
	"project-collab-chat/internal/storage"
)

// UserSource looks up user profiles; unknown ids are skipped.
type UserSource interface {
	UsersByIDs(ctx context.Context, ids []string) ([]storage.User, error)
}

type MembershipBackend interface {
	ProjectByID(ctx context.Context, id string) (storage.Project, error)
	ProjectsForUser(ctx context.Context, user string) ([]storage.Project, error)
	ToggleInterest(ctx context.Context, project, user string) (bool, error)
	InterestedUsers(ctx context.Context, project string) ([]string, error)
}

type MessageBackend interface {
	CreateMessage(ctx context.Context, project, sender, body string) (storage.Message, error)
	MessagesByProjectID(ctx context.Context, project string, after storage.Cursor, limit int) ([]storage.Message, error)
}

type ProjectBackend interface {
	CreateProject(ctx context.Context, title, description, ownerID string) (storage.Project, error)
}

// Backend is the full storage contract, met by storage.Store and memstore.Store.
type Backend interface {
	UserSource
	MembershipBackend
	MessageBackend
	ProjectBackend
	CreateUsers(ctx context.Context, users []storage.User) error
	Close()
}

// Publisher is the publishing half of fanout.Bus.
type Publisher interface {
	Publish(e fanout.Event) int
}

// Recorder receives service statistics.
type Recorder interface {
	MessageAppended()
	InterestToggled(interested bool)
}

type nopRecorder struct{}

func (nopRecorder) MessageAppended()     {}
func (nopRecorder) InterestToggled(bool) {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
