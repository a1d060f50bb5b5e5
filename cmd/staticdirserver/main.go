// Quick local http fileserver for e2e download tests. Serves a directory on
// a random loopback port together with the method redirect and method
// matcher routes, optionally rate limited.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sys/unix"

	"staticdirserver"
)

func main() {
	opts, err := parseOpts(os.Args[1:])
	if isHelp(err) {
		fmt.Fprintln(os.Stdout, err)
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(unix.EINVAL))
	}

	logger := newLogger(opts.Verbose)

	dir, err := filepath.Abs(opts.Dir)
	if err == nil {
		err = checkDir(dir)
	}
	if err != nil {
		logger.Error().Err(err).Str("dir", opts.Dir).Msg("Can't serve directory")
		os.Exit(int(unix.ENOENT))
	}

	srvOpts := []staticdirserver.Option{
		staticdirserver.WithShutdownTimeout(opts.ShutdownTimeout),
		staticdirserver.WithRateLimit(opts.Throttle),
		staticdirserver.WithMiddleware(accessLog(logger)...),
	}
	if opts.Verbose {
		srvOpts = append(srvOpts, staticdirserver.WithLogger(logger))
	}

	srv, err := staticdirserver.New(dir, srvOpts...)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start server")
		var bindErr *staticdirserver.BindError
		if errors.As(err, &bindErr) {
			os.Exit(int(unix.EADDRNOTAVAIL))
		}
		os.Exit(int(unix.EIO))
	}

	// The URL goes to stdout on its own so scripts can pick it up.
	fmt.Fprintln(os.Stdout, srv.URL())
	logger.Info().Str("dir", dir).Str("url", srv.URL()).Float64("throttle", opts.Throttle).Msg("Serving")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case <-srv.Done():
		logger.Error().Msg("Server stopped unexpectedly")
	}

	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("Unclean shutdown")
		os.Exit(int(unix.EIO))
	}
	logger.Info().Msg("Bye")
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// accessLog logs every request at debug level.
func accessLog(logger zerolog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request")
		}),
		// Outermost, so the access handler finds the logger in the context.
		hlog.NewHandler(logger),
	}
}
