package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"project-collab-chat/internal/fanout"
	"project-collab-chat/internal/storage"
)

// Projects stores new projects on behalf of the project screens and announces them
// on the global scope.
type Projects struct {
	logger    *zap.SugaredLogger
	backend   ProjectBackend
	publisher Publisher
}

func NewProjects(logger *zap.SugaredLogger, backend ProjectBackend, publisher Publisher) *Projects {
	return &Projects{
		logger:    logger,
		backend:   backend,
		publisher: publisher,
	}
}

func (p *Projects) Create(ctx context.Context, owner, title, description string) (storage.Project, error) {
	if owner == "" {
		return storage.Project{}, wrap("create project", ErrUnauthenticated)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return storage.Project{}, wrap("create project", ErrEmptyTitle)
	}

	project, err := p.backend.CreateProject(ctx, title, strings.TrimSpace(description), owner)
	if err != nil {
		return storage.Project{}, wrap("create project", err)
	}

	p.publisher.Publish(fanout.ProjectEvent(project))
	p.logger.Infof("Project %s created by %s", project.ID, owner)

	return project, nil
}
