package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"project-collab-chat/internal/session"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer    *http.Server
	handlers      map[string]http.Handler
	afterShutdown []func()
	sessionOpts   []session.Option
	gatherer      prometheus.Gatherer
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host            string `env:"HOST" envDefault:"0.0.0.0"`
	Port            uint16 `env:"PORT" envDefault:"9000"`
	BusBuffer       int    `env:"BUS_BUFFER" envDefault:"64"`
	HistoryPageSize int    `env:"HISTORY_PAGE_SIZE" envDefault:"50"`
}

// Addr returns the listen address built from Host and Port
func (cfg EnvConfig) Addr() string {
	return cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters
// for http.Server and chat sessions
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Addr()
		c.sessionOpts = append(c.sessionOpts, session.WithHistoryPageSize(cfg.HistoryPageSize))
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}

// WithSessionOptions passes opts to every chat session opened over a websocket
func WithSessionOptions(opts ...session.Option) Option {
	return optionFunc(func(c *config) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	})
}

// WithMetrics exposes metrics gathered by g on "/metrics"
func WithMetrics(g prometheus.Gatherer) Option {
	return optionFunc(func(c *config) {
		c.gatherer = g
	})
}

// TimeoutHandler wraps each JSON API handler in http.TimeoutHandler with provided duration and message
func TimeoutHandler(d time.Duration, msg string) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = http.TimeoutHandler(h, d, msg)
		}
	})
}

// registerHandlers iterates over a handlers map and registers each handler for newly initialized http.ServeMux
// that http.ServeMux is used as a http.Handler for http.Server in config struct
func registerHandlers() Option {
	return optionFunc(func(c *config) {
		mux := http.NewServeMux()
		for pattern, h := range c.handlers {
			mux.Handle(pattern, h)
		}
		c.httpServer.Handler = mux
	})
}

// applyEnforcePOSTJSON wraps each handler in handlers map with enforcePOSTJSON middleware
func applyEnforcePOSTJSON() Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = enforcePOSTJSON(h)
		}
	})
}

// applyLog wraps each http.Handler in handlers map with log middleware
func applyLog(logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = log(h, logger)
		}
	})
}
