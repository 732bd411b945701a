package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"project-collab-chat/internal/chat"
	"project-collab-chat/internal/fanout"
	"project-collab-chat/internal/metrics"
	"project-collab-chat/internal/session"
)

// Services are the chat components exposed over HTTP and websockets
type Services struct {
	Backend    chat.Backend
	Bus        *fanout.Bus
	Membership *chat.Membership
	Log        *chat.MessageLog
	Projects   *chat.Projects
	Resolver   *chat.Resolver
}

// NewServices builds the chat services on top of backend and bus
// collector may be nil
func NewServices(logger *zap.SugaredLogger, backend chat.Backend, bus *fanout.Bus, collector *metrics.Collector) Services {
	var recorder chat.Recorder
	if collector != nil {
		recorder = collector
	}

	return Services{
		Backend:    backend,
		Bus:        bus,
		Membership: chat.NewMembership(logger, backend, recorder),
		Log:        chat.NewMessageLog(logger, backend, bus, recorder),
		Projects:   chat.NewProjects(logger, backend, bus),
		Resolver:   chat.NewResolver(logger, backend),
	}
}

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	h             *handler
	afterShutdown []func()
}

// NewServer returns new Server struct with provided zap.SugaredLogger and chat services
func NewServer(logger *zap.SugaredLogger, svc Services, opts ...Option) (*Server, error) {
	if svc.Backend == nil || svc.Bus == nil {
		return nil, errors.New("server needs a storage backend and a bus")
	}

	h := &handler{
		logger:  logger,
		svc:     svc,
		sockets: newSockets(),
	}

	cfg := &config{
		httpServer: &http.Server{Addr: ":9000"},
		handlers: map[string]http.Handler{
			"/users/add":        http.HandlerFunc(h.createUsers),
			"/users/get":        http.HandlerFunc(h.usersByIDs),
			"/projects/add":     http.HandlerFunc(h.createProject),
			"/projects/get":     http.HandlerFunc(h.projectsForUser),
			"/interests/toggle": http.HandlerFunc(h.toggleInterest),
			"/interests/get":    http.HandlerFunc(h.interestedUsers),
			"/messages/add":     http.HandlerFunc(h.createMessage),
			"/messages/get":     http.HandlerFunc(h.messagesByProjectID),
		},
	}

	for _, opt := range opts {
		opt.apply(cfg)
	}
	applyEnforcePOSTJSON().apply(cfg)

	// streaming endpoints skip JSON enforcement and timeouts
	cfg.handlers["/ws"] = http.HandlerFunc(h.chatSocket)
	if cfg.gatherer != nil {
		cfg.handlers["/metrics"] = metrics.Handler(cfg.gatherer)
	}

	applyLog(logger.Desugar()).apply(cfg)
	registerHandlers().apply(cfg)

	h.sessionOpts = cfg.sessionOpts
	cfg.httpServer.RegisterOnShutdown(h.sockets.closeAll)

	return &Server{
		logger:        logger,
		httpServer:    cfg.httpServer,
		h:             h,
		afterShutdown: cfg.afterShutdown,
	}, nil
}

// Handler returns the root handler with every endpoint and middleware applied
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed
	s.release()

	return nil
}

// release runs the after-shutdown hooks and closes the bus and the store
func (s *Server) release() {
	for _, f := range s.afterShutdown {
		f()
	}

	s.logger.Info("Closing bus")
	s.h.svc.Bus.Close()

	s.logger.Info("Closing store")
	s.h.svc.Backend.Close()
	s.logger.Info("Store is closed")
}

func (h *handler) sessionDeps() session.Deps {
	return session.Deps{
		Membership: h.svc.Membership,
		Log:        h.svc.Log,
		Users:      h.svc.Backend,
		Bus:        h.svc.Bus,
	}
}
