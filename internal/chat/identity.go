package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"project-collab-chat/internal/storage"
)

// UnknownUserName labels senders whose profile cannot be resolved.
const UnknownUserName = "Unknown User"

// DefaultProfileTTL bounds how long a resolved profile is served from memory.
const DefaultProfileTTL = 5 * time.Minute

// memoSweepSize is the memo size above which expired entries are swept on insert.
const memoSweepSize = 1024

// Placeholder returns the profile shown for an unresolvable user id.
func Placeholder(id string) storage.User {
	return storage.User{ID: id, DisplayName: UnknownUserName}
}

type memoEntry struct {
	user    storage.User
	expires time.Time
}

// Resolver maps user ids to profiles and memoizes hits. One Resolver is meant to live
// as long as a single chat session.
type Resolver struct {
	source UserSource
	logger *zap.SugaredLogger
	ttl    time.Duration
	now    func() time.Time

	mu   sync.Mutex
	memo map[string]memoEntry
}

type ResolverOption func(*Resolver)

func WithProfileTTL(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = d }
}

func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(logger *zap.SugaredLogger, source UserSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		source: source,
		logger: logger,
		ttl:    DefaultProfileTTL,
		now:    time.Now,
		memo:   make(map[string]memoEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the profile of id, or the placeholder and false when it cannot be found.
func (r *Resolver) Resolve(ctx context.Context, id string) (storage.User, bool) {
	users, found := r.resolve(ctx, []string{id})
	return users[id], found[id]
}

// ResolveMany returns a profile for every requested id, placeholders included.
// All ids missing from memory are fetched with a single backend call.
func (r *Resolver) ResolveMany(ctx context.Context, ids []string) map[string]storage.User {
	users, _ := r.resolve(ctx, ids)
	return users
}

// Lookup returns the profiles of the ids that were actually found. Ids that are
// unknown or could not be fetched are left out so callers can ask again later.
func (r *Resolver) Lookup(ctx context.Context, ids []string) map[string]storage.User {
	users, found := r.resolve(ctx, ids)
	for id := range users {
		if !found[id] {
			delete(users, id)
		}
	}
	return users
}

func (r *Resolver) resolve(ctx context.Context, ids []string) (map[string]storage.User, map[string]bool) {
	users := make(map[string]storage.User, len(ids))
	found := make(map[string]bool, len(ids))

	var missing []string
	now := r.now()

	r.mu.Lock()
	for _, id := range ids {
		if _, ok := users[id]; ok {
			continue
		}
		if e, ok := r.memo[id]; ok {
			if now.Before(e.expires) {
				users[id] = e.user
				found[id] = true
				continue
			}
			delete(r.memo, id)
		}
		users[id] = Placeholder(id)
		missing = append(missing, id)
	}
	r.mu.Unlock()

	if len(missing) == 0 {
		return users, found
	}

	fetched, err := r.source.UsersByIDs(ctx, missing)
	if err != nil {
		r.logger.Warnf("Resolving %d users failed, using placeholders: %v", len(missing), err)
		return users, found
	}

	r.mu.Lock()
	if len(r.memo)+len(fetched) > memoSweepSize {
		r.sweep(now)
	}
	for _, u := range fetched {
		r.memo[u.ID] = memoEntry{user: u, expires: now.Add(r.ttl)}
		if _, ok := users[u.ID]; ok {
			users[u.ID] = u
			found[u.ID] = true
		}
	}
	r.mu.Unlock()

	return users, found
}

// sweep drops expired entries; r.mu must be held
func (r *Resolver) sweep(now time.Time) {
	for id, e := range r.memo {
		if !now.Before(e.expires) {
			delete(r.memo, id)
		}
	}
}
