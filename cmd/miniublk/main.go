// Command miniublk adds, deletes and lists ublk block devices backed by the
// null or loop target.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/ehrlich-b/miniublk"
	"github.com/ehrlich-b/miniublk/internal/config"
	"github.com/ehrlich-b/miniublk/internal/logging"
)

var configPath = flag.String("config", "", "settings file (default $"+config.PathEnv+" or "+config.DefaultPath+")")

// env is what main hands every subcommand.
type env struct {
	settings   config.Settings
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func (e *env) logger(debugMask string, quiet bool) (*logging.Logger, error) {
	cfg := e.settings.LoggerConfig(e.stderr)
	if debugMask != "" {
		mask, err := config.ParseDebugMask(debugMask)
		if err != nil {
			return nil, err
		}
		cfg.DebugMask = mask
	}
	if quiet {
		cfg.DebugMask = 0
	}
	return logging.NewLogger(cfg), nil
}

func (e *env) options(l *logging.Logger) *ublk.Options {
	return &ublk.Options{Logger: l, Settings: e.settings}
}

// report prints err as "miniublk: <op>: <error> (errno N)".
func (e *env) report(err error) {
	detail := err.Error()
	var ue *ublk.Error
	if errors.As(err, &ue) {
		switch {
		case ue.Msg != "":
			detail = ue.Msg
		case ue.Inner != nil:
			detail = ue.Inner.Error()
		default:
			detail = string(ue.Code)
		}
		if ue.Op != "" {
			detail = ue.Op + ": " + detail
		}
	}
	fmt.Fprintf(e.stderr, "miniublk: %s (errno %d)\n", detail, int(ublk.Errno(err)))
}

func register(c *subcommands.Commander) {
	c.Register(c.HelpCommand(), "")
	c.Register(c.FlagsCommand(), "")
	c.Register(c.CommandsCommand(), "")
	c.Register(new(Add), "")
	c.Register(new(Del), "")
	c.Register(new(List), "")

	explain := c.Explain
	c.Explain = func(w io.Writer) {
		if explain != nil {
			explain(w)
		}
		fmt.Fprintln(w)
		config.Usage(w)
	}
}

// execute runs the selected subcommand. A failed command is followed by
// the usage text, the same as an unknown one.
func execute(ctx context.Context, c *subcommands.Commander, e *env) subcommands.ExitStatus {
	status := c.Execute(ctx, e)
	if status == subcommands.ExitFailure {
		fmt.Fprintln(c.Error)
		c.Explain(c.Error)
	}
	return status
}

func main() {
	register(subcommands.DefaultCommander)
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "miniublk: config: %v\n", err)
		os.Exit(int(subcommands.ExitFailure))
	}
	e := &env{
		settings:   settings,
		configPath: *configPath,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}
	os.Exit(int(execute(context.Background(), subcommands.DefaultCommander, e)))
}
