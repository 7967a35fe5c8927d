package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"github.com/ehrlich-b/miniublk"
)

// Del implements subcommands.Command for the "del" command.
type Del struct {
	devID     int
	all       bool
	debugMask string
}

// Name implements subcommands.Command.Name.
func (*Del) Name() string {
	return "del"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Del) Synopsis() string {
	return "stop and delete one device or all of them"
}

// Usage implements subcommands.Command.Usage.
func (*Del) Usage() string {
	return `del {-n dev_id | -a}:
  Stops the device, waits for its daemon to exit and deletes it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Del) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.devID, "n", -1, "device id")
	f.BoolVar(&d.all, "a", false, "delete every device")
	f.StringVar(&d.debugMask, "debug_mask", "", "hex mask of debug categories")
}

// Execute implements subcommands.Command.Execute.
func (d *Del) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	e := args[0].(*env)
	if f.NArg() != 0 || d.all == (d.devID >= 0) {
		f.Usage()
		return subcommands.ExitUsageError
	}
	l, err := e.logger(d.debugMask, false)
	if err != nil {
		e.report(err)
		return subcommands.ExitUsageError
	}
	defer l.Close()

	var errs []error
	if d.all {
		errs = ublk.DeleteAll(ctx, e.options(l))
	} else if err := ublk.Delete(ctx, uint32(d.devID), e.options(l)); err != nil {
		errs = append(errs, err)
	}
	for _, err := range errs {
		e.report(err)
	}
	if len(errs) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
