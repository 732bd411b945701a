package storage

import (
	"time"

	"github.com/jackc/pgx/v4"
)

type userRow struct {
	user      User
	createdAt time.Time
}

type userBulk struct {
	rows []userRow
	idx  int
}

func (r userRow) toInterface() []interface{} {
	return []interface{}{r.user.ID, r.user.DisplayName, r.user.Field, r.user.AvatarURL, r.createdAt}
}

var userColumns = []string{"id", "display_name", "field", "avatar_url", "created_at"}

func copyFromUsers(users []User, now time.Time) pgx.CopyFromSource {
	rows := make([]userRow, 0, len(users))
	for _, u := range users {
		rows = append(rows, userRow{user: u, createdAt: now})
	}

	return &userBulk{
		rows: rows,
		idx:  -1,
	}
}

func (b *userBulk) Next() bool {
	b.idx++
	return b.idx < len(b.rows)
}

func (b *userBulk) Values() ([]interface{}, error) {
	return b.rows[b.idx].toInterface(), nil
}

func (b *userBulk) Err() error {
	return nil
}
