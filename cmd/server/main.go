package main

import (
	"context"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"project-collab-chat/internal/chat"
	"project-collab-chat/internal/fanout"
	"project-collab-chat/internal/metrics"
	"project-collab-chat/internal/server"
	"project-collab-chat/internal/session"
	"project-collab-chat/internal/storage"
	"project-collab-chat/internal/storage/memstore"
)

type backendConfig struct {
	Backend string `env:"STORAGE_BACKEND" envDefault:"postgres"`
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		sugar.Fatalf("Cannot parse env config: %v", err)
	}

	backend, err := newBackend(sugar)
	if err != nil {
		sugar.Fatalf("Cannot create storage backend: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	bus := fanout.New(sugar, fanout.WithBuffer(cfg.BusBuffer), fanout.WithRecorder(collector))

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg),
		server.ReadTimeout(5 * time.Second),
		server.TimeoutHandler(10*time.Second, "Request timed out"),
		server.WithMetrics(reg),
		server.WithSessionOptions(session.WithRecorder(collector)),
		server.RegisterAfterShutdown(func() { _ = logger.Sync() }),
	}

	srv, err := server.NewServer(sugar, server.NewServices(sugar, backend, bus, collector), serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}

// newBackend opens the storage selected by STORAGE_BACKEND
func newBackend(logger *zap.SugaredLogger) (chat.Backend, error) {
	var bc backendConfig
	if err := env.Parse(&bc); err != nil {
		return nil, err
	}

	if bc.Backend == "memory" {
		logger.Warn("Using in-memory storage, data is lost on restart")
		return memstore.New(logger), nil
	}

	var dbCfg storage.Config
	if err := env.Parse(&dbCfg); err != nil {
		return nil, err
	}

	if dbCfg.Migrate {
		logger.Info("Applying database migrations")
		if err := storage.Migrate(dbCfg); err != nil {
			return nil, err
		}
	}

	opts := append([]storage.Option{storage.ConnectionTimeout(30 * time.Second)}, dbCfg.Options()...)
	return storage.New(context.Background(), logger, dbCfg, opts...)
}
