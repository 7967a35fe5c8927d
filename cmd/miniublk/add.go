package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/subcommands"

	"github.com/ehrlich-b/miniublk"
)

// readyFd is the descriptor the detached daemon reports readiness on;
// ExtraFiles start at 3.
const readyFd = 3

// Add implements subcommands.Command for the "add" command.
type Add struct {
	target      string
	nrQueues    int
	depth       int
	devID       int
	backingFile string
	debugMask   string
	quiet       bool
	foreground  bool
	readyFd     int
}

// Name implements subcommands.Command.Name.
func (*Add) Name() string {
	return "add"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Add) Synopsis() string {
	return "add a device and serve it from a background daemon"
}

// Usage implements subcommands.Command.Usage.
func (*Add) Usage() string {
	return `add -t {null|loop} [-q nr_queues] [-d depth] [-n dev_id] [-f backing_file]:
  Registers a device, starts its daemon and prints the device id once the
  device is live.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Add) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.target, "t", "", "target type: null or loop")
	f.IntVar(&a.nrQueues, "q", ublk.DefaultNrQueues, fmt.Sprintf("number of hardware queues (max %d)", ublk.MaxNrQueues))
	f.IntVar(&a.depth, "d", ublk.DefaultQueueDepth, fmt.Sprintf("queue depth (max %d)", ublk.MaxQueueDepth))
	f.IntVar(&a.devID, "n", ublk.AutoAssignDeviceID, "device id, -1 lets the kernel choose")
	f.StringVar(&a.backingFile, "f", "", "backing file (loop only)")
	f.StringVar(&a.debugMask, "debug_mask", "", "hex mask of debug categories")
	f.BoolVar(&a.quiet, "quiet", false, "disable debug output")
	f.BoolVar(&a.foreground, "foreground", false, "serve the device from this process")
	f.IntVar(&a.readyFd, "ready_fd", -1, "internal: descriptor to report the live device id on")
}

func (a *Add) config() ublk.DeviceConfig {
	cfg := ublk.DefaultDeviceConfig(a.target)
	cfg.NrQueues = a.nrQueues
	cfg.Depth = a.depth
	cfg.DevID = int32(a.devID)
	cfg.BackingFile = a.backingFile
	return cfg
}

// Execute implements subcommands.Command.Execute.
func (a *Add) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	e := args[0].(*env)
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	cfg := a.config()
	if err := cfg.Validate(); err != nil {
		e.report(err)
		return subcommands.ExitFailure
	}

	if !a.foreground {
		id, err := a.spawn(e)
		if err != nil {
			e.report(err)
			return subcommands.ExitFailure
		}
		fmt.Fprintln(e.stdout, id)
		return subcommands.ExitSuccess
	}
	return a.serve(ctx, e, cfg)
}

// serve runs the daemon side until the device is stopped or a signal
// arrives.
func (a *Add) serve(ctx context.Context, e *env, cfg ublk.DeviceConfig) subcommands.ExitStatus {
	l, err := e.logger(a.debugMask, a.quiet)
	if err != nil {
		e.report(err)
		return subcommands.ExitUsageError
	}
	defer l.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := e.options(l)
	if a.readyFd >= 0 {
		ready := os.NewFile(uintptr(a.readyFd), "ready")
		defer ready.Close()
		opts.Ready = func(info *ublk.DeviceInfo) {
			fmt.Fprintf(ready, "%d\n", info.ID)
			ready.Close()
		}
	} else {
		opts.Ready = func(info *ublk.DeviceInfo) {
			info.Dump(e.stdout)
		}
	}

	if err := ublk.Add(ctx, cfg, opts); err != nil {
		e.report(err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// daemonArgs rebuilds the command line for the detached daemon.
func (a *Add) daemonArgs(configPath string) []string {
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	args = append(args, "add",
		"-t", a.target,
		"-q", strconv.Itoa(a.nrQueues),
		"-d", strconv.Itoa(a.depth),
		"-n", strconv.Itoa(a.devID))
	if a.backingFile != "" {
		args = append(args, "-f", a.backingFile)
	}
	if a.debugMask != "" {
		args = append(args, "--debug_mask", a.debugMask)
	}
	if a.quiet {
		args = append(args, "--quiet")
	}
	return append(args, "--foreground", "--ready_fd", strconv.Itoa(readyFd))
}

// spawn starts the daemon in its own session and waits until it reports
// the device live or exits.
func (a *Add) spawn(e *env) (uint32, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		return 0, err
	}
	defer r.Close()

	cmd := exec.Command(self, a.daemonArgs(e.configPath)...)
	cmd.Stderr = e.stderr
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	err = cmd.Start()
	w.Close()
	if err != nil {
		return 0, err
	}

	id, readErr := readReady(r)
	if readErr != nil {
		// the daemon already reported why it failed
		if err := cmd.Wait(); err != nil {
			return 0, fmt.Errorf("daemon exited before the device went live: %w", err)
		}
		return 0, readErr
	}
	return id, cmd.Process.Release()
}

var errNotReady = errors.New("daemon closed the readiness pipe")

func readReady(r io.Reader) (uint32, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, errNotReady
		}
		return 0, err
	}
	id, err := strconv.ParseUint(strings.TrimSpace(line), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad readiness report %q: %w", line, err)
	}
	return uint32(id), nil
}
