package chat

import (
	"context"

	"go.uber.org/zap"

	"project-collab-chat/internal/storage"
)

// Membership answers who is linked to which project. Owner links come from the
// project row; interest links are toggled by users.
type Membership struct {
	logger   *zap.SugaredLogger
	backend  MembershipBackend
	recorder Recorder
}

func NewMembership(logger *zap.SugaredLogger, backend MembershipBackend, recorder Recorder) *Membership {
	return &Membership{
		logger:   logger,
		backend:  backend,
		recorder: recorderOrNop(recorder),
	}
}

// ListProjectsFor returns projects owned by user and projects the user is interested in, each once.
func (m *Membership) ListProjectsFor(ctx context.Context, user string) ([]storage.Project, error) {
	if user == "" {
		return nil, wrap("list projects", ErrUnauthenticated)
	}

	projects, err := m.backend.ProjectsForUser(ctx, user)
	if err != nil {
		return nil, wrap("list projects", err)
	}

	return projects, nil
}

// ToggleInterest flips the interest of user in project and reports the resulting state.
func (m *Membership) ToggleInterest(ctx context.Context, user, project string) (bool, error) {
	if user == "" {
		return false, wrap("toggle interest", ErrUnauthenticated)
	}

	interested, err := m.backend.ToggleInterest(ctx, project, user)
	if err != nil {
		return false, wrap("toggle interest", err)
	}

	m.recorder.InterestToggled(interested)
	m.logger.Infof("User %s interested in project %s: %t", user, project, interested)

	return interested, nil
}

// IsOwner reports whether user owns project.
func (m *Membership) IsOwner(ctx context.Context, user, project string) (bool, error) {
	p, err := m.backend.ProjectByID(ctx, project)
	if err != nil {
		return false, wrap("check owner", err)
	}
	return user != "" && p.OwnerID == user, nil
}

// Interested returns ids of users interested in project.
func (m *Membership) Interested(ctx context.Context, project string) ([]string, error) {
	users, err := m.backend.InterestedUsers(ctx, project)
	if err != nil {
		return nil, wrap("list interested users", err)
	}
	return users, nil
}
