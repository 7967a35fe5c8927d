// Package ublk runs userspace block devices on the Linux ublk driver.
//
// A device is registered with ADD_DEV, served by one queue worker per
// hardware queue, and removed with DEL_DEV. Add does all three and blocks
// until the device is stopped or its context is cancelled.
package ublk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/miniublk/internal/config"
	"github.com/ehrlich-b/miniublk/internal/constants"
	"github.com/ehrlich-b/miniublk/internal/ctrl"
	"github.com/ehrlich-b/miniublk/internal/interfaces"
	"github.com/ehrlich-b/miniublk/internal/logging"
	"github.com/ehrlich-b/miniublk/internal/queue"
	"github.com/ehrlich-b/miniublk/internal/uapi"
	"github.com/ehrlich-b/miniublk/internal/uring"
	"github.com/ehrlich-b/miniublk/target"
)

// DeviceConfig selects the target and queue geometry of a new device.
type DeviceConfig struct {
	Target        string // registered target name, "null" or "loop"
	NrQueues      int
	Depth         int
	DevID         int32  // AutoAssignDeviceID lets the kernel choose
	BackingFile   string // loop only
	MaxIOBufBytes uint32 // per-request limit; zero means IOMaxBytes
}

// DefaultDeviceConfig returns the defaults for targetName.
func DefaultDeviceConfig(targetName string) DeviceConfig {
	return DeviceConfig{
		Target:        targetName,
		NrQueues:      DefaultNrQueues,
		Depth:         DefaultQueueDepth,
		DevID:         AutoAssignDeviceID,
		MaxIOBufBytes: IOMaxBytes,
	}
}

// Validate checks c before anything is registered with the kernel.
func (c DeviceConfig) Validate() error {
	return c.validate(true)
}

func (c DeviceConfig) validate(registry bool) error {
	if registry && !target.Known(c.Target) {
		return configError(ErrCodeNoTarget, "no such target %q (have %s)",
			c.Target, strings.Join(target.Names(), ", "))
	}
	if c.NrQueues < 1 || c.NrQueues > MaxNrQueues {
		return configError(ErrCodeInvalidParameters, "nr_queues %d not in [1, %d]", c.NrQueues, MaxNrQueues)
	}
	if c.Depth < 1 || c.Depth > MaxQueueDepth {
		return configError(ErrCodeInvalidParameters, "depth %d not in [1, %d]", c.Depth, MaxQueueDepth)
	}
	if c.DevID < AutoAssignDeviceID {
		return configError(ErrCodeInvalidParameters, "bad device id %d", c.DevID)
	}
	if c.MaxIOBufBytes > IOMaxBytes || c.MaxIOBufBytes%512 != 0 {
		return configError(ErrCodeInvalidParameters, "max io size %d must be a multiple of 512 up to %d",
			c.MaxIOBufBytes, IOMaxBytes)
	}
	if c.Target == "loop" && c.BackingFile == "" {
		return configError(ErrCodeMissingBackingFile, "loop target needs a backing file")
	}
	return nil
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.MaxIOBufBytes == 0 {
		c.MaxIOBufBytes = IOMaxBytes
	}
	return c
}

// controlPlane is the subset of *ctrl.Controller the supervisor uses.
type controlPlane interface {
	AddDevice(info *uapi.UblksrvCtrlDevInfo) error
	DeleteDevice(devID uint32) error
	StartDevice(devID uint32, pid int) error
	StopDevice(devID uint32) error
	GetDeviceInfo(devID uint32) (*uapi.UblksrvCtrlDevInfo, error)
	SetParams(devID uint32, params *uapi.UblkParams) error
	GetParams(devID uint32) (*uapi.UblkParams, error)
	Close() error
}

var _ controlPlane = (*ctrl.Controller)(nil)

// Options are the process-level inputs of the device operations.
type Options struct {
	Logger   *logging.Logger
	Observer Observer

	// Settings zero value means config.Default().
	Settings config.Settings

	// Target replaces the registry lookup of DeviceConfig.Target.
	Target Target

	// Ready is called once the device is live.
	Ready func(*DeviceInfo)

	hooks hooks
}

// hooks are the kernel entry points; tests replace them.
type hooks struct {
	newControl     func(config.Settings, *logging.Logger) (controlPlane, error)
	openChar       func(path string) (fd int, closeFn func() error, err error)
	newQueueRing   func(uring.Config) (uring.Ring, error)
	mapDescriptors queue.MapFunc
	processAlive   func(pid int) bool
	pid            func() int
}

func resolve(opts *Options) *Options {
	o := &Options{}
	if opts != nil {
		*o = *opts
	}
	if o.Settings.ControlPath == "" {
		o.Settings = config.Default()
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.hooks.newControl == nil {
		o.hooks.newControl = func(s config.Settings, l *logging.Logger) (controlPlane, error) {
			return ctrl.NewController(ctrl.Options{Path: s.ControlPath, Logger: l})
		}
	}
	if o.hooks.openChar == nil {
		o.hooks.openChar = openChar
	}
	if o.hooks.processAlive == nil {
		o.hooks.processAlive = processAlive
	}
	if o.hooks.pid == nil {
		o.hooks.pid = os.Getpid
	}
	return o
}

func (o *Options) openControl() (controlPlane, error) {
	return o.hooks.newControl(o.Settings, o.Logger)
}

func openChar(path string) (int, func() error, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, nil, err
	}
	return fd, func() error { return unix.Close(fd) }, nil
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Device is one registered device served by this process.
type Device struct {
	ID     uint32
	Config DeviceConfig

	opts    *Options
	logger  *logging.Logger
	target  Target
	ctl     controlPlane
	metrics *Metrics
	runners []*queue.Runner
}

// NewDevice prepares to serve device id, which the caller registered
// with cfg's geometry. Serve it with Run.
func NewDevice(id uint32, cfg DeviceConfig, opts *Options) (*Device, error) {
	o := resolve(opts)
	cfg = cfg.withDefaults()
	if err := cfg.validate(o.Target == nil); err != nil {
		return nil, err
	}
	tgt, err := pickTarget(cfg, o)
	if err != nil {
		return nil, err
	}
	return newDevice(id, cfg, o, tgt, nil), nil
}

func newDevice(id uint32, cfg DeviceConfig, o *Options, tgt Target, ctl controlPlane) *Device {
	return &Device{
		ID:      id,
		Config:  cfg,
		opts:    o,
		logger:  o.Logger.WithDevice(int(id)),
		target:  tgt,
		ctl:     ctl,
		metrics: NewMetrics(),
	}
}

func pickTarget(cfg DeviceConfig, o *Options) (Target, error) {
	if o.Target != nil {
		return o.Target, nil
	}
	tgt, err := target.New(cfg.Target)
	if err != nil {
		return nil, WrapError("validate", -1, err)
	}
	return tgt, nil
}

// Metrics returns the request statistics of the device.
func (d *Device) Metrics() *Metrics { return d.metrics }

// CharPath is the device's character node.
func (d *Device) CharPath() string {
	return fmt.Sprintf("%s%d", d.opts.Settings.CharPrefix, d.ID)
}

// BlockPath is the block device the kernel exposes.
func (d *Device) BlockPath() string {
	return uapi.UblkBlockDevicePath(d.ID)
}

// QueueTids returns the OS thread of each queue worker; zero for a queue
// that has not started.
func (d *Device) QueueTids() []int {
	tids := make([]int, len(d.runners))
	for i, r := range d.runners {
		tids[i] = r.Tid()
	}
	return tids
}

// Run serves d until every queue worker exits. Workers exit when the
// device is stopped (STOP_DEV from anywhere) or when ctx is cancelled, in
// which case Run issues STOP_DEV itself. Workers are always joined before
// Run returns, whatever step failed.
func Run(ctx context.Context, d *Device) error {
	log := d.logger
	cfg := d.Config
	id := int64(d.ID)

	if d.ctl == nil {
		ctl, err := d.opts.openControl()
		if err != nil {
			return WrapError("OPEN_CONTROL", id, err)
		}
		d.ctl = ctl
		defer func() {
			ctl.Close()
			d.ctl = nil
		}()
	}

	charFd, closeChar, err := openCharDevice(ctx, d.opts.hooks.openChar, d.CharPath())
	if err != nil {
		return WrapError("OPEN_CHAR", id, err)
	}
	defer func() {
		if err := closeChar(); err != nil {
			log.Warn("close character device", "error", err)
		}
	}()

	dev := &interfaces.Device{
		ID:          d.ID,
		NrQueues:    cfg.NrQueues,
		Depth:       cfg.Depth,
		MaxIOBytes:  cfg.MaxIOBufBytes,
		BackingFile: cfg.BackingFile,
		Files:       []int{charFd},
		Logger:      log,
	}
	if err := d.target.Init(dev); err != nil {
		e := WrapError("TARGET_INIT", id, err)
		if e.Code == ErrCodeIOError {
			e.Code = ErrCodeTargetInit
		}
		return e
	}
	defer func() {
		if err := d.target.Deinit(dev); err != nil {
			log.Warn("target deinit", "target", d.target.Name(), "error", err)
		}
	}()

	var observer Observer = NewMetricsObserver(d.metrics)
	if d.opts.Observer != nil {
		observer = teeObserver{observer, d.opts.Observer}
	}

	d.runners = make([]*queue.Runner, cfg.NrQueues)
	for q := range d.runners {
		r, err := queue.NewRunner(queue.Config{
			DevID:          d.ID,
			QueueID:        uint16(q),
			Depth:          cfg.Depth,
			MaxIOBytes:     cfg.MaxIOBufBytes,
			Files:          append([]int(nil), dev.Files...),
			Target:         d.target,
			Logger:         log,
			Observer:       observer,
			IdleTimeout:    d.opts.Settings.IdleTimeout(),
			NewRing:        d.opts.hooks.newQueueRing,
			MapDescriptors: d.opts.hooks.mapDescriptors,
		})
		if err != nil {
			return &Error{Op: "QUEUE_INIT", DevID: id, Queue: q, Code: ErrCodeQueueSetup, Msg: err.Error(), Inner: err}
		}
		d.runners[q] = r
	}

	// Workers never see the caller's ctx: a live device is stopped
	// through STOP_DEV so the kernel aborts its parked fetches.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	var g errgroup.Group
	failed := make(chan error, len(d.runners))
	for _, r := range d.runners {
		r := r
		g.Go(func() error {
			if err := r.Run(runCtx); err != nil {
				qerr := WrapError("QUEUE", id, err)
				qerr.Queue = int(r.ID())
				log.WithQueue(int(r.ID())).Error("queue exited", "error", err)
				failed <- qerr
				return qerr
			}
			return nil
		})
	}
	var joinErr error
	joined := make(chan struct{})
	go func() {
		joinErr = g.Wait()
		close(joined)
	}()

	stop := func(reason string) {
		log.Dbg(logging.DbgDev, "stopping device", "reason", reason)
		if err := d.ctl.StopDevice(d.ID); err != nil {
			log.Warn("stop device", "error", err)
		}
		cancelRun()
		<-joined
	}

	if err := waitStarted(ctx, d.runners, failed); err != nil {
		stop("queue startup failed")
		return WrapError("START_QUEUES", id, err)
	}

	if err := d.ctl.SetParams(d.ID, paramsFor(dev.Geometry)); err != nil {
		stop("set params failed")
		return WrapError("SET_PARAMS", id, err)
	}
	if err := d.ctl.StartDevice(d.ID, d.opts.hooks.pid()); err != nil {
		stop("start failed")
		return WrapError("START_DEV", id, err)
	}

	if info, err := describe(d.ctl, d.ID); err != nil {
		log.Warn("query live device", "error", err)
	} else {
		info.QueueTids = d.QueueTids()
		var b strings.Builder
		info.Dump(&b)
		log.Info("device live", "block", d.BlockPath(), "target", d.target.Name(),
			"info", strings.TrimSpace(b.String()))
		if d.opts.Ready != nil {
			d.opts.Ready(info)
		}
	}

	select {
	case <-joined:
		log.Dbg(logging.DbgDev, "all queues exited")
	case <-ctx.Done():
		stop("cancelled")
	}

	d.metrics.Stop()
	d.metrics.Snapshot().log(log)
	return joinErr
}

// waitStarted returns once every runner has primed its fetches, or with
// the first worker failure or ctx error.
func waitStarted(ctx context.Context, runners []*queue.Runner, failed <-chan error) error {
	for _, r := range runners {
		select {
		case <-r.Started():
		case err := <-failed:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// openCharDevice retries while udev has not created the node yet.
func openCharDevice(ctx context.Context, open func(string) (int, func() error, error), path string) (int, func() error, error) {
	var (
		fd      int
		closeFn func() error
	)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(constants.CharDevOpenInterval), constants.CharDevOpenRetries),
		ctx)
	err := backoff.Retry(func() error {
		var err error
		fd, closeFn, err = open(path)
		if err != nil && !errors.Is(err, syscall.ENOENT) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case errors.Is(err, syscall.ENOENT) && deadlineWithin(ctx, constants.CharDevOpenInterval):
			// backoff stops as soon as the next wait would pass the deadline
			err = context.DeadlineExceeded
		}
		return -1, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, closeFn, nil
}

func deadlineWithin(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	return ok && time.Until(deadline) < d
}

func paramsFor(g interfaces.Geometry) *uapi.UblkParams {
	p := &uapi.UblkParams{Len: uapi.ParamsSize}
	p.SetBasic()
	p.Basic = uapi.UblkParamBasic{
		Attrs:           g.Attrs,
		LogicalBSShift:  g.LogicalBSShift,
		PhysicalBSShift: g.PhysicalBSShift,
		IOOptShift:      g.IOOptShift,
		IOMinShift:      g.IOMinShift,
		MaxSectors:      g.MaxSectors,
		DevSectors:      g.DevSize >> 9,
	}
	return p
}

// Add registers a device for cfg, serves it until it is stopped or ctx is
// cancelled, and deletes the registration again. The device is deleted
// even when serving failed.
func Add(ctx context.Context, cfg DeviceConfig, opts *Options) error {
	o := resolve(opts)
	cfg = cfg.withDefaults()
	if err := cfg.validate(o.Target == nil); err != nil {
		return err
	}
	tgt, err := pickTarget(cfg, o)
	if err != nil {
		return err
	}

	ctl, err := o.openControl()
	if err != nil {
		return WrapError("OPEN_CONTROL", int64(cfg.DevID), err)
	}
	defer ctl.Close()

	info := ctrl.DeviceSpec{
		ID:         cfg.DevID,
		NrQueues:   uint16(cfg.NrQueues),
		QueueDepth: uint16(cfg.Depth),
		MaxIOBytes: cfg.MaxIOBufBytes,
	}.DevInfo()
	if err := ctl.AddDevice(info); err != nil {
		return WrapError("ADD_DEV", int64(cfg.DevID), err)
	}

	// the kernel may have clamped the request
	if info.NrHwQueues != 0 {
		cfg.NrQueues = int(info.NrHwQueues)
	}
	if info.QueueDepth != 0 {
		cfg.Depth = int(info.QueueDepth)
	}
	if info.MaxIOBufBytes != 0 && info.MaxIOBufBytes < cfg.MaxIOBufBytes {
		cfg.MaxIOBufBytes = info.MaxIOBufBytes
	}
	cfg.DevID = int32(info.DevID)

	d := newDevice(info.DevID, cfg, o, tgt, ctl)
	d.logger.Dbg(logging.DbgDev, "device added",
		"queues", cfg.NrQueues, "depth", cfg.Depth, "max_io", cfg.MaxIOBufBytes)

	runErr := Run(ctx, d)

	if err := ctl.DeleteDevice(info.DevID); err != nil && !errors.Is(err, syscall.ENODEV) {
		delErr := WrapError("DEL_DEV", int64(info.DevID), err)
		if runErr == nil {
			return delErr
		}
		d.logger.Warn("delete after failure", "error", delErr)
	}
	return runErr
}
