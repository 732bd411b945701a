// Package memstore keeps users, projects, interests and messages in process memory.
// It honours the same contract as the Postgres store and is used for local runs and tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"project-collab-chat/internal/storage"
)

type interestKey struct {
	project, user string
}

// Store is safe for concurrent use.
type Store struct {
	logger *zap.SugaredLogger
	now    func() time.Time

	mu        sync.RWMutex
	users     map[string]storage.User
	projects  map[string]storage.Project
	interests map[interestKey]time.Time
	messages  map[string][]storage.Message
	lastID    int64
}

type Option func(*Store)

// WithClock replaces time.Now as the source of creation timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(logger *zap.SugaredLogger, opts ...Option) *Store {
	s := &Store{
		logger:    logger,
		now:       time.Now,
		users:     make(map[string]storage.User),
		projects:  make(map[string]storage.Project),
		interests: make(map[interestKey]time.Time),
		messages:  make(map[string][]storage.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() {}

func (s *Store) CreateUsers(_ context.Context, users []storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if _, ok := s.users[u.ID]; ok {
			return storage.ErrUserExists
		}
		if _, ok := seen[u.ID]; ok {
			return storage.ErrUserExists
		}
		seen[u.ID] = struct{}{}
	}

	now := s.now()
	for _, u := range users {
		u.CreatedAt = now
		s.users[u.ID] = u
	}

	s.logger.Debugf("Created %d users", len(users))

	return nil
}

func (s *Store) UsersByIDs(_ context.Context, ids []string) ([]storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []storage.User
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

func (s *Store) CreateProject(_ context.Context, title, description, ownerID string) (storage.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[ownerID]; !ok {
		return storage.Project{}, storage.ErrUserNotExist
	}

	p := storage.Project{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		OwnerID:     ownerID,
		CreatedAt:   s.now(),
	}
	s.projects[p.ID] = p

	s.logger.Debugf("Created project (%s) with id %s", title, p.ID)

	return p, nil
}

func (s *Store) ProjectByID(_ context.Context, id string) (storage.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return storage.Project{}, storage.ErrProjectNotExist
	}
	return p, nil
}

func (s *Store) ProjectsForUser(_ context.Context, user string) ([]storage.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var projects []storage.Project
	for _, p := range s.projects {
		if p.OwnerID == user {
			projects = append(projects, p)
			continue
		}
		if _, ok := s.interests[interestKey{project: p.ID, user: user}]; ok {
			projects = append(projects, p)
		}
	}

	sort.Slice(projects, func(i, j int) bool {
		if projects[i].CreatedAt.Equal(projects[j].CreatedAt) {
			return projects[i].ID < projects[j].ID
		}
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})

	return projects, nil
}

func (s *Store) ToggleInterest(_ context.Context, project, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[project]
	if !ok {
		return false, storage.ErrProjectNotExist
	}
	if p.OwnerID == user {
		return false, storage.ErrSelfInterest
	}

	key := interestKey{project: project, user: user}
	if _, ok := s.interests[key]; ok {
		delete(s.interests, key)
		return false, nil
	}

	if _, ok := s.users[user]; !ok {
		return false, storage.ErrUserNotExist
	}
	s.interests[key] = s.now()

	return true, nil
}

func (s *Store) InterestedUsers(_ context.Context, project string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.projects[project]; !ok {
		return nil, storage.ErrProjectNotExist
	}

	type entry struct {
		user string
		at   time.Time
	}
	var entries []entry
	for k, at := range s.interests {
		if k.project == project {
			entries = append(entries, entry{user: k.user, at: at})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].user < entries[j].user
		}
		return entries[i].at.Before(entries[j].at)
	})

	users := make([]string, len(entries))
	for i, e := range entries {
		users[i] = e.user
	}
	return users, nil
}

func (s *Store) CreateMessage(_ context.Context, project, sender, body string) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[project]; !ok {
		return storage.Message{}, storage.ErrProjectNotExist
	}
	if _, ok := s.users[sender]; !ok {
		return storage.Message{}, storage.ErrUserNotExist
	}
	if strings.TrimSpace(body) == "" {
		return storage.Message{}, storage.ErrEmptyContent
	}

	s.lastID++
	m := storage.Message{
		ID:        s.lastID,
		ProjectID: project,
		SenderID:  sender,
		Body:      body,
		CreatedAt: s.now(),
	}

	// keep (created_at, id) order even if the clock goes backwards
	log := s.messages[project]
	i := sort.Search(len(log), func(i int) bool { return m.Cursor().Before(log[i].Cursor()) })
	log = append(log, storage.Message{})
	copy(log[i+1:], log[i:])
	log[i] = m
	s.messages[project] = log

	return m, nil
}

func (s *Store) MessagesByProjectID(_ context.Context, project string, after storage.Cursor, limit int) ([]storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.projects[project]; !ok {
		return nil, storage.ErrProjectNotExist
	}

	log := s.messages[project]
	start := sort.Search(len(log), func(i int) bool { return after.Before(log[i].Cursor()) })
	end := len(log)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]storage.Message, end-start)
	copy(out, log[start:end])
	return out, nil
}
