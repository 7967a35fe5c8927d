// Package ctrl implements the ublk control-plane client.
package ctrl

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/ehrlich-b/miniublk/internal/constants"
	"github.com/ehrlich-b/miniublk/internal/logging"
	"github.com/ehrlich-b/miniublk/internal/uapi"
	"github.com/ehrlich-b/miniublk/internal/uring"
)

// NewDeviceID asks ADD_DEV to pick the device ID.
const NewDeviceID = ^uint32(0)

// CmdError is a negative result from the kernel for one control command.
type CmdError struct {
	Cmd    string
	DevID  uint32
	Result int32
}

func (e *CmdError) Error() string {
	return fmt.Sprintf("%s dev %d: %v", e.Cmd, int32(e.DevID), syscall.Errno(-e.Result))
}

// Unwrap exposes the errno so callers can use errors.Is(err, syscall.ENODEV).
func (e *CmdError) Unwrap() error {
	return syscall.Errno(-e.Result)
}

// Options configures a Controller.
type Options struct {
	Path    string // control device, default /dev/ublk-control
	Logger  *logging.Logger
	NewRing func(uring.Config) (uring.Ring, error)
}

// Controller issues control commands. At most one command is outstanding;
// concurrent callers are serialized.
type Controller struct {
	mu     sync.Mutex
	fd     int
	ownFd  bool
	ring   uring.Ring
	logger *logging.Logger
	closed bool
}

// NewController opens the control device and its ring.
func NewController(opts Options) (*Controller, error) {
	path := opts.Path
	if path == "" {
		path = uapi.UBLK_CONTROL_DEV
	}
	newRing := opts.NewRing
	if newRing == nil {
		newRing = uring.NewRing
	}

	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	ring, err := newRing(uring.Config{Entries: constants.CtrlRingDepth})
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("control ring: %w", err)
	}

	c := NewWithRing(ring, fd, opts.Logger)
	c.ownFd = true
	return c, nil
}

// NewWithRing wraps an existing ring and control fd. The fd is not closed
// by Close.
func NewWithRing(ring uring.Ring, fd int, logger *logging.Logger) *Controller {
	return &Controller{fd: fd, ring: ring, logger: logger}
}

// Close releases the ring and the control fd.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.ring.Close()
	if c.ownFd {
		if cerr := syscall.Close(c.fd); err == nil {
			err = cerr
		}
	}
	return err
}

// submit sends one command and blocks for its completion. buf, when set,
// is passed by address and must stay untouched until submit returns.
func (c *Controller) submit(cmdNr uint32, devID uint32, buf []byte, data uint64) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, uring.ErrClosed
	}

	cmd := uapi.UblksrvCtrlCmd{
		DevID:   devID,
		QueueID: 0xffff,
		Data:    data,
	}
	if len(buf) > 0 {
		cmd.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		cmd.Len = uint16(len(buf))
	}
	op := uapi.UblkCtrlCmd(cmdNr)
	name := uapi.CtrlCmdName(op)

	if err := c.ring.PrepUringCmd(c.fd, false, op, uapi.MarshalCtrlCmd(&cmd), uint64(cmdNr)); err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	var (
		res  int32
		done bool
	)
	for !done {
		if _, err := c.ring.SubmitAndWait(0); err != nil && !errors.Is(err, uring.ErrTimeout) {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		c.ring.Reap(func(r uring.Result) {
			if r.UserData == uint64(cmdNr) {
				res = r.Value
				done = true
			}
		})
	}
	runtime.KeepAlive(buf)

	c.logger.Dbg(logging.DbgCtrlCmd, "control command done",
		"cmd", name, "dev_id", int32(devID), "data", data, "result", res)

	if res < 0 {
		return res, &CmdError{Cmd: name, DevID: devID, Result: res}
	}
	return res, nil
}

// AddDevice registers a device. info carries the requested geometry and
// ID (NewDeviceID for automatic); on success it holds what the kernel
// assigned.
func (c *Controller) AddDevice(info *uapi.UblksrvCtrlDevInfo) error {
	buf := uapi.MarshalCtrlDevInfo(info)
	if _, err := c.submit(uapi.UBLK_CMD_ADD_DEV, info.DevID, buf, 0); err != nil {
		return err
	}
	return uapi.UnmarshalCtrlDevInfo(buf, info)
}

// DeleteDevice removes a stopped device.
func (c *Controller) DeleteDevice(devID uint32) error {
	_, err := c.submit(uapi.UBLK_CMD_DEL_DEV, devID, nil, 0)
	return err
}

// StartDevice marks the device live, recording pid as its daemon.
func (c *Controller) StartDevice(devID uint32, pid int) error {
	_, err := c.submit(uapi.UBLK_CMD_START_DEV, devID, nil, uint64(pid))
	return err
}

// StopDevice stops the device; outstanding fetches complete with
// UBLK_IO_RES_ABORT.
func (c *Controller) StopDevice(devID uint32) error {
	_, err := c.submit(uapi.UBLK_CMD_STOP_DEV, devID, nil, 0)
	return err
}

// GetDeviceInfo queries a device.
func (c *Controller) GetDeviceInfo(devID uint32) (*uapi.UblksrvCtrlDevInfo, error) {
	buf := make([]byte, uapi.DevInfoSize)
	if _, err := c.submit(uapi.UBLK_CMD_GET_DEV_INFO, devID, buf, 0); err != nil {
		return nil, err
	}
	info := &uapi.UblksrvCtrlDevInfo{}
	if err := uapi.UnmarshalCtrlDevInfo(buf, info); err != nil {
		return nil, err
	}
	return info, nil
}

// SetParams pushes device parameters. It must precede StartDevice.
func (c *Controller) SetParams(devID uint32, params *uapi.UblkParams) error {
	_, err := c.submit(uapi.UBLK_CMD_SET_PARAMS, devID, uapi.MarshalParams(params), 0)
	return err
}

// GetParams reads back device parameters.
func (c *Controller) GetParams(devID uint32) (*uapi.UblkParams, error) {
	buf := uapi.MarshalParams(&uapi.UblkParams{})
	if _, err := c.submit(uapi.UBLK_CMD_GET_PARAMS, devID, buf, 0); err != nil {
		return nil, err
	}
	params := &uapi.UblkParams{}
	if err := uapi.UnmarshalParams(buf, params); err != nil {
		return nil, err
	}
	return params, nil
}
