package staticdirserver

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Server.
type Option func(*config)

type config struct {
	logger            zerolog.Logger
	rateLimit         float64
	middleware        []func(http.Handler) http.Handler
	shutdownTimeout   time.Duration
	readHeaderTimeout time.Duration
}

func defaultConfig() config {
	return config{
		logger:            zerolog.Nop(),
		shutdownTimeout:   5 * time.Second,
		readHeaderTimeout: 10 * time.Second,
	}
}

// WithLogger sets the logger used for lifecycle events. Requests are never
// logged. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithRateLimit throttles each client to at most perSecond requests per
// second. Requests over the limit get 429 Too Many Requests. Useful for
// testing how downloaders back off and retry. Zero disables throttling.
func WithRateLimit(perSecond float64) Option {
	return func(c *config) {
		c.rateLimit = perSecond
	}
}

// WithMiddleware wraps the whole handler chain, outermost last. Throttled
// requests pass through it too.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(c *config) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithShutdownTimeout bounds how long Close waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}
