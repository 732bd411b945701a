package server

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"project-collab-chat/internal/fanout"
	"project-collab-chat/internal/storage/memstore"
)

func TestNewServerRequiresServices(t *testing.T) {
	_, err := NewServer(zap.NewNop().Sugar(), Services{})
	require.Error(t, err)
}

func TestReleaseRunsAfterShutdownHooks(t *testing.T) {
	logger := zap.NewNop().Sugar()
	bus := fanout.New(logger)

	var calls []int
	srv, err := NewServer(logger, NewServices(logger, memstore.New(logger), bus, nil),
		RegisterAfterShutdown(func() { calls = append(calls, 1) }),
		RegisterAfterShutdown(func() { calls = append(calls, 2) }),
	)
	require.NoError(t, err)

	srv.release()
	require.Equal(t, []int{1, 2}, calls)

	// the bus is closed after the hooks ran
	_, err = bus.Subscribe(fanout.GlobalScope, func(fanout.Event) {}, func(error) {})
	require.Error(t, err)
}
