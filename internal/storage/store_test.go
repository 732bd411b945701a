package storage

import (
	"context"
	"os"
	"testing"

	"github.com/caarlos0/env/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mytesting "project-collab-chat/internal/testing"
)

// bootstrap connects to the database described by DB_* variables; tests are skipped without DB_HOST
func bootstrap(t *testing.T) *Store {
	if os.Getenv("DB_HOST") == "" {
		t.Skip("DB_HOST is not set")
	}

	var cfg Config
	require.NoError(t, env.Parse(&cfg))
	require.NoError(t, Migrate(cfg))

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s, err := New(context.Background(), logger.Sugar(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

func createUsers(t *testing.T, s *Store, n int) []string {
	ids := mytesting.RandIDs("user", n)
	users := make([]User, n)
	for i, id := range ids {
		users[i] = User{ID: id, DisplayName: mytesting.RandString(), Field: "Engineering"}
	}
	require.NoError(t, s.CreateUsers(context.Background(), users))
	return ids
}

func TestCreateUsers(t *testing.T) {
	s := bootstrap(t)

	ids := createUsers(t, s, 3)

	users, err := s.UsersByIDs(context.Background(), append(ids, "missing-"+mytesting.RandString()))
	require.NoError(t, err)
	require.Len(t, users, 3)
}

func TestCreateUsersExists(t *testing.T) {
	s := bootstrap(t)

	ids := createUsers(t, s, 1)
	err := s.CreateUsers(context.Background(), []User{{ID: ids[0], DisplayName: "dup"}})
	require.Equal(t, ErrUserExists, err)
}

func TestCreateProjectBadOwner(t *testing.T) {
	s := bootstrap(t)

	_, err := s.CreateProject(context.Background(), mytesting.RandString(), "", "missing-"+mytesting.RandString())
	require.Equal(t, ErrUserNotExist, err)
}

func TestToggleInterest(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	ids := createUsers(t, s, 2)
	owner, member := ids[0], ids[1]
	p, err := s.CreateProject(ctx, mytesting.RandString(), "desc", owner)
	require.NoError(t, err)

	interested, err := s.ToggleInterest(ctx, p.ID, member)
	require.NoError(t, err)
	require.True(t, interested)

	projects, err := s.ProjectsForUser(ctx, member)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	require.Equal(t, p.ID, projects[0].ID)

	users, err := s.InterestedUsers(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, []string{member}, users)

	interested, err = s.ToggleInterest(ctx, p.ID, member)
	require.NoError(t, err)
	require.False(t, interested)

	projects, err = s.ProjectsForUser(ctx, member)
	require.NoError(t, err)
	require.Empty(t, projects)
}

func TestToggleInterestSelf(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	owner := createUsers(t, s, 1)[0]
	p, err := s.CreateProject(ctx, mytesting.RandString(), "", owner)
	require.NoError(t, err)

	_, err = s.ToggleInterest(ctx, p.ID, owner)
	require.Equal(t, ErrSelfInterest, err)
}

func TestToggleInterestBadProject(t *testing.T) {
	s := bootstrap(t)

	user := createUsers(t, s, 1)[0]
	_, err := s.ToggleInterest(context.Background(), "missing-"+mytesting.RandString(), user)
	require.Equal(t, ErrProjectNotExist, err)
}

func TestCreateMessageBadProject(t *testing.T) {
	s := bootstrap(t)

	user := createUsers(t, s, 1)[0]
	_, err := s.CreateMessage(context.Background(), "missing-"+mytesting.RandString(), user, "Hi There!")
	require.Equal(t, ErrProjectNotExist, err)
}

func TestCreateMessageBadSender(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	owner := createUsers(t, s, 1)[0]
	p, err := s.CreateProject(ctx, mytesting.RandString(), "", owner)
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, p.ID, "missing-"+mytesting.RandString(), "Hi There!")
	require.Equal(t, ErrUserNotExist, err)
}

func TestMessagesByProjectIDPagination(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	owner := createUsers(t, s, 1)[0]
	p, err := s.CreateProject(ctx, mytesting.RandString(), "", owner)
	require.NoError(t, err)

	for _, body := range []string{"one", "two", "three"} {
		_, err := s.CreateMessage(ctx, p.ID, owner, body)
		require.NoError(t, err)
	}

	first, err := s.MessagesByProjectID(ctx, p.ID, Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, "one", first[0].Body)
	require.Equal(t, "two", first[1].Body)

	rest, err := s.MessagesByProjectID(ctx, p.ID, first[1].Cursor(), 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "three", rest[0].Body)

	again, err := s.MessagesByProjectID(ctx, p.ID, Cursor{}, 2)
	require.NoError(t, err)
	require.Equal(t, first, again)
}

func TestMessagesByProjectIDBadProject(t *testing.T) {
	s := bootstrap(t)

	_, err := s.MessagesByProjectID(context.Background(), "missing-"+mytesting.RandString(), Cursor{}, 10)
	require.Equal(t, ErrProjectNotExist, err)
}
