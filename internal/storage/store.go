package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"project-collab-chat/internal/storage/zapadapter"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotExist    = errors.New("user does not exist")
	ErrProjectNotExist = errors.New("project does not exist")
	ErrSelfInterest    = errors.New("owner cannot be interested in own project")
	ErrEmptyContent    = errors.New("message content is blank")
)

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close closes all pool connections
func (s *Store) Close() {
	s.db.Close()
}

// CreateUsers bulk inserts user profiles supplied by the identity provider
func (s *Store) CreateUsers(ctx context.Context, users []User) error {
	s.logger.Debugf("Creating %d users", len(users))

	_, err := s.db.CopyFrom(ctx, pgx.Identifier{"users"}, userColumns, copyFromUsers(users, time.Now()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrUserExists
		}
		return err
	}

	s.logger.Debugf("Created %d users", len(users))

	return nil
}

// UsersByIDs returns profiles for known ids; unknown ids are silently skipped
func (s *Store) UsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	s.logger.Debugf("Retrieving users (%v)", ids)

	var idArray pgtype.TextArray
	if err := idArray.Set(ids); err != nil {
		return nil, err
	}

	sql := `select id, display_name, field, avatar_url, created_at
			  from users
			 where id = any($1)`

	rows, err := s.db.Query(ctx, sql, &idArray)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Field, &u.AvatarURL, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return users, nil
}

// CreateProject inserts a project owned by ownerID and returns it with assigned id and creation time
func (s *Store) CreateProject(ctx context.Context, title, description, ownerID string) (Project, error) {
	s.logger.Debugf("Creating project (%s) for user (id: %s)", title, ownerID)

	p := Project{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		OwnerID:     ownerID,
	}

	sql := "insert into projects (id, title, description, author_id, created_at) values ($1, $2, $3, $4, $5) returning created_at"
	err := s.db.QueryRow(ctx, sql, p.ID, p.Title, p.Description, p.OwnerID, time.Now()).Scan(&p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return Project{}, ErrUserNotExist
		}
		return Project{}, err
	}

	s.logger.Debugf("Created project (%s) with id %s", title, p.ID)

	return p, nil
}

// ProjectByID returns single project
func (s *Store) ProjectByID(ctx context.Context, id string) (Project, error) {
	var p Project
	sql := "select id, title, description, author_id, created_at from projects where id = $1"
	err := s.db.QueryRow(ctx, sql, id).Scan(&p.ID, &p.Title, &p.Description, &p.OwnerID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrProjectNotExist
		}
		return Project{}, err
	}

	return p, nil
}

// ProjectsForUser returns projects owned by user together with projects the user is interested in,
// sorted by creation time (from latest to oldest)
func (s *Store) ProjectsForUser(ctx context.Context, user string) ([]Project, error) {
	s.logger.Debugf("Retrieving projects for user (id: %s)", user)

	sql := ` -- owned and interested projects, union removes duplicates
			select id, title, description, author_id, created_at
			  from projects
			 where author_id = $1
			 union
			select projects.id,
				   projects.title,
				   projects.description,
				   projects.author_id,
				   projects.created_at
			  from projects
			  join project_interests
				on project_interests.project_id = projects.id
			 where project_interests.user_id = $1
			 order by created_at desc, id`

	rows, err := s.db.Query(ctx, sql, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.OwnerID, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d projects", len(projects))

	return projects, nil
}

// ToggleInterest flips the interest row of (project, user) and reports whether it exists afterwards.
// The project row is locked for the duration of the transaction so concurrent toggles on the same
// project are applied one after another.
func (s *Store) ToggleInterest(ctx context.Context, project, user string) (bool, error) {
	s.logger.Debugf("Toggling interest of user (id: %s) in project (id: %s)", user, project)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	// error handling can be omitted for rollback according docs
	defer tx.Rollback(context.Background())

	var owner string
	err = tx.QueryRow(ctx, "select author_id from projects where id = $1 for update", project).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrProjectNotExist
		}
		return false, err
	}

	if owner == user {
		return false, ErrSelfInterest
	}

	tag, err := tx.Exec(ctx, "delete from project_interests where project_id = $1 and user_id = $2", project, user)
	if err != nil {
		return false, err
	}

	interested := false
	if tag.RowsAffected() == 0 {
		sql := `insert into project_interests (project_id, user_id, created_at) values ($1, $2, $3)
				on conflict (project_id, user_id) do nothing`
		_, err = tx.Exec(ctx, sql, project, user, time.Now())
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
				return false, ErrUserNotExist
			}
			return false, err
		}
		interested = true
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	s.logger.Debugf("User (id: %s) interested in project (id: %s): %t", user, project, interested)

	return interested, nil
}

// InterestedUsers returns ids of users interested in project, earliest first
func (s *Store) InterestedUsers(ctx context.Context, project string) ([]string, error) {
	if _, err := s.ProjectByID(ctx, project); err != nil {
		return nil, err
	}

	sql := "select user_id from project_interests where project_id = $1 order by created_at, user_id"
	rows, err := s.db.Query(ctx, sql, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}

	return users, rows.Err()
}

// CreateMessage creates new message in database and returns it with assigned id and creation time
func (s *Store) CreateMessage(ctx context.Context, project, sender, body string) (Message, error) {
	s.logger.Debugf("Creating message from user (id: %s) in project (id: %s)", sender, project)

	m := Message{
		ProjectID: project,
		SenderID:  sender,
		Body:      body,
	}

	sql := "insert into project_messages (project_id, sender_id, content) values ($1, $2, $3) returning id, created_at"
	err := s.db.QueryRow(ctx, sql, project, sender, body).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.ForeignKeyViolation:
				switch pgErr.ConstraintName {
				case "project_messages_project_id_fkey":
					return Message{}, ErrProjectNotExist
				case "project_messages_sender_id_fkey":
					return Message{}, ErrUserNotExist
				default:
					return Message{}, err
				}
			case pgerrcode.CheckViolation:
				return Message{}, ErrEmptyContent
			}
		}
		return Message{}, err
	}

	return m, nil
}

// MessagesByProjectID returns at most limit project messages positioned strictly after the cursor,
// sorted by (creation time, id) from earliest to latest
func (s *Store) MessagesByProjectID(ctx context.Context, project string, after Cursor, limit int) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for project (id: %s) after (%v, %d)", project, after.CreatedAt, after.ID)

	// check if project exists
	var i int8
	sql := "select 1 from projects where id = $1"
	err := s.db.QueryRow(ctx, sql, project).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProjectNotExist
		}
		return nil, err
	}

	sql = `select id,
				  project_id,
				  sender_id,
				  content,
				  created_at
			 from project_messages
			where project_id = $1
			  and (created_at, id) > ($2, $3)
			order by created_at asc, id asc
			limit $4`

	rows, err := s.db.Query(ctx, sql, project, after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		err = rows.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.Body, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}
