package storage

import (
	"testing"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	config := Config{
		User:     "a",
		Password: "b",
		Host:     "c",
		Port:     5432,
		DBName:   "d",
	}
	expected := "user=a password=b host=c port=5432 dbname=d sslmode=disable"
	actual := config.DSN()
	require.Equal(t, expected, actual)
}

func TestURL(t *testing.T) {
	config := Config{
		User:     "a",
		Password: "b c",
		Host:     "db",
		Port:     6543,
		DBName:   "collab",
	}
	require.Equal(t, "postgres://a:b%20c@db:6543/collab?sslmode=disable", config.URL())
}

func TestConfigOptions(t *testing.T) {
	require.Empty(t, Config{}.Options())

	pc, err := pgxpool.ParseConfig(Config{Host: "db", Port: 5432}.DSN())
	require.NoError(t, err)

	for _, opt := range (Config{MaxConns: 7}).Options() {
		opt.apply(pc)
	}
	require.Equal(t, int32(7), pc.MaxConns)
}
