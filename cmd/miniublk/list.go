package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"github.com/ehrlich-b/miniublk"
)

// List implements subcommands.Command for the "list" command.
type List struct {
	devID int
	all   bool
}

// Name implements subcommands.Command.Name.
func (*List) Name() string {
	return "list"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string {
	return "show one device or every registered device"
}

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string {
	return `list [-n dev_id | -a]:
  Without -n every device id is tried and missing ones are skipped.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *List) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.devID, "n", -1, "device id")
	f.BoolVar(&l.all, "a", false, "list every device")
}

// Execute implements subcommands.Command.Execute.
func (l *List) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	e := args[0].(*env)
	if f.NArg() != 0 || (l.all && l.devID >= 0) {
		f.Usage()
		return subcommands.ExitUsageError
	}
	log, err := e.logger("", false)
	if err != nil {
		e.report(err)
		return subcommands.ExitUsageError
	}
	defer log.Close()
	opts := e.options(log)

	var (
		infos []*ublk.DeviceInfo
		errs  []error
	)
	if l.devID >= 0 {
		info, err := ublk.List(ctx, uint32(l.devID), opts)
		if err != nil {
			errs = append(errs, err)
		} else {
			infos = append(infos, info)
		}
	} else {
		infos, errs = ublk.ListAll(ctx, opts)
	}

	for _, info := range infos {
		info.Dump(e.stdout)
	}
	for _, err := range errs {
		e.report(err)
	}
	if len(errs) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
