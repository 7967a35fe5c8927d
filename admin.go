package ublk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/cenkalti/backoff"

	"github.com/ehrlich-b/miniublk/internal/logging"
	"github.com/ehrlich-b/miniublk/internal/uapi"
)

// DeviceInfo is what the kernel reports about a registered device.
type DeviceInfo struct {
	ID         uint32
	NrQueues   int
	QueueDepth int
	BlockSize  uint32
	Sectors    uint64 // capacity in 512-byte sectors
	MaxIOBytes uint32
	DaemonPID  int
	Flags      uint64
	State      string // LIVE, DEAD or UNKNOWN

	// QueueTids is only known inside the serving process.
	QueueTids []int
}

// Dump writes info the way the list command prints it.
func (i *DeviceInfo) Dump(w io.Writer) error {
	_, err := fmt.Fprintf(w, "dev id %d: nr_hw_queues %d queue_depth %d block size %d dev_capacity %d\n"+
		"\tmax rq size %d daemon pid %d flags 0x%x state %s\n",
		i.ID, i.NrQueues, i.QueueDepth, i.BlockSize, i.Sectors,
		i.MaxIOBytes, i.DaemonPID, i.Flags, i.State)
	if err != nil {
		return err
	}
	for q, tid := range i.QueueTids {
		if _, err := fmt.Fprintf(w, "\tqueue %d tid: %d\n", q, tid); err != nil {
			return err
		}
	}
	return nil
}

func describe(ctl controlPlane, id uint32) (*DeviceInfo, error) {
	raw, err := ctl.GetDeviceInfo(id)
	if err != nil {
		return nil, WrapError("GET_DEV_INFO", int64(id), err)
	}
	params, err := ctl.GetParams(id)
	if err != nil {
		return nil, WrapError("GET_PARAMS", int64(id), err)
	}
	return &DeviceInfo{
		ID:         raw.DevID,
		NrQueues:   int(raw.NrHwQueues),
		QueueDepth: int(raw.QueueDepth),
		BlockSize:  1 << params.Basic.LogicalBSShift,
		Sectors:    params.Basic.DevSectors,
		MaxIOBytes: raw.MaxIOBufBytes,
		DaemonPID:  int(raw.UblksrvPID),
		Flags:      raw.Flags,
		State:      uapi.StateName(raw.State),
	}, nil
}

// List queries device id.
func List(ctx context.Context, id uint32, opts *Options) (*DeviceInfo, error) {
	o := resolve(opts)
	ctl, err := o.openControl()
	if err != nil {
		return nil, WrapError("OPEN_CONTROL", int64(id), err)
	}
	defer ctl.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return describe(ctl, id)
}

// ListAll queries every id in [0, SweepDeviceIDs). Missing ids are
// skipped; other failures are collected without ending the sweep.
func ListAll(ctx context.Context, opts *Options) ([]*DeviceInfo, []error) {
	o := resolve(opts)
	ctl, err := o.openControl()
	if err != nil {
		return nil, []error{WrapError("OPEN_CONTROL", -1, err)}
	}
	defer ctl.Close()

	var (
		infos []*DeviceInfo
		errs  []error
	)
	for id := uint32(0); id < SweepDeviceIDs; id++ {
		if err := ctx.Err(); err != nil {
			return infos, append(errs, err)
		}
		info, err := describe(ctl, id)
		switch {
		case err == nil:
			infos = append(infos, info)
		case !errors.Is(err, syscall.ENODEV):
			errs = append(errs, err)
		}
	}
	return infos, errs
}

// Delete stops device id, waits for its daemon to exit and removes it. A
// daemon that outlives the wait is left alone and the device is kept.
func Delete(ctx context.Context, id uint32, opts *Options) error {
	o := resolve(opts)
	ctl, err := o.openControl()
	if err != nil {
		return WrapError("OPEN_CONTROL", int64(id), err)
	}
	defer ctl.Close()
	return deleteDevice(ctx, ctl, id, o)
}

// DeleteAll deletes every id in [0, SweepDeviceIDs). It never stops
// early; the result holds the failures other than missing ids.
func DeleteAll(ctx context.Context, opts *Options) []error {
	o := resolve(opts)
	ctl, err := o.openControl()
	if err != nil {
		return []error{WrapError("OPEN_CONTROL", -1, err)}
	}
	defer ctl.Close()

	var errs []error
	for id := uint32(0); id < SweepDeviceIDs; id++ {
		err := deleteDevice(ctx, ctl, id, o)
		if err != nil && !errors.Is(err, syscall.ENODEV) {
			errs = append(errs, err)
		}
	}
	return errs
}

var errDaemonRunning = errors.New("daemon still running")

func deleteDevice(ctx context.Context, ctl controlPlane, id uint32, o *Options) error {
	log := o.Logger.WithDevice(int(id))

	info, err := ctl.GetDeviceInfo(id)
	if err != nil {
		return WrapError("GET_DEV_INFO", int64(id), err)
	}
	if err := ctl.StopDevice(id); err != nil && !errors.Is(err, syscall.EALREADY) {
		return WrapError("STOP_DEV", int64(id), err)
	}

	if pid := int(info.UblksrvPID); pid > 0 {
		if err := waitDaemonExit(ctx, pid, o); err != nil {
			return &Error{
				Op:    "DEL_DEV",
				DevID: int64(id),
				Queue: -1,
				Code:  ErrCodeDaemonAlive,
				Msg:   fmt.Sprintf("daemon pid %d did not exit", pid),
				Inner: err,
			}
		}
	}

	// the daemon normally removes its own registration on exit
	if err := ctl.DeleteDevice(id); err != nil && !errors.Is(err, syscall.ENODEV) {
		return WrapError("DEL_DEV", int64(id), err)
	}
	log.Dbg(logging.DbgDev, "device deleted", "pid", info.UblksrvPID)
	return nil
}

func waitDaemonExit(ctx context.Context, pid int, o *Options) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.Settings.DeletePoll()), uint64(o.Settings.Delete.Retries)),
		ctx)
	err := backoff.Retry(func() error {
		if o.hooks.processAlive(pid) {
			return errDaemonRunning
		}
		return nil
	}, b)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
