package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

type Opts struct {
	Dir             string        `short:"d" long:"dir" description:"Directory to serve" default:"."`
	Throttle        float64       `long:"throttle" description:"Max requests per second per client, 0 for no limit" default:"0"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" description:"How long to wait for in-flight requests on exit" default:"5s"`
	Verbose         bool          `short:"v" long:"verbose" description:"Log lifecycle events and every request"`
}

// parseOpts parses args into Opts. A help request comes back as a
// *flags.Error of type flags.ErrHelp.
func parseOpts(args []string) (Opts, error) {
	var opts Opts
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return opts, err
	}
	// A lone positional argument is taken as the directory, like
	// `python -m http.server`.
	switch len(rest) {
	case 0:
	case 1:
		opts.Dir = rest[0]
	default:
		return opts, fmt.Errorf("unexpected arguments %v", rest[1:])
	}
	if opts.Throttle < 0 {
		return opts, errors.New("--throttle must not be negative")
	}
	return opts, nil
}

func isHelp(err error) bool {
	var flagsErr *flags.Error
	return errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
