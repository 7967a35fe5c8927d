package ctrl

import (
	"errors"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/miniublk/internal/logging"
	"github.com/ehrlich-b/miniublk/internal/uapi"
	"github.com/ehrlich-b/miniublk/internal/uring"
	"github.com/ehrlich-b/miniublk/internal/uring/uringtest"
)

const fakeCtrlFd = 3

func newTestController(t *testing.T) (*Controller, *uringtest.ControlDevice, *uringtest.FakeRing) {
	t.Helper()
	dev := uringtest.NewControlDevice()
	ring := uringtest.NewControlRing(dev)
	c := NewWithRing(ring, fakeCtrlFd, logging.Nop())
	t.Cleanup(func() { c.Close() })
	return c, dev, ring
}

func testParams(sectors uint64) *uapi.UblkParams {
	p := &uapi.UblkParams{}
	p.SetBasic()
	p.Basic.LogicalBSShift = 9
	p.Basic.PhysicalBSShift = 12
	p.Basic.MaxSectors = 128
	p.Basic.DevSectors = sectors
	return p
}

func TestAddDeviceAssignsID(t *testing.T) {
	c, dev, ring := newTestController(t)

	info := DeviceSpec{ID: -1, NrQueues: 2, QueueDepth: 64, MaxIOBytes: 65536}.DevInfo()
	require.NoError(t, c.AddDevice(info))
	assert.Equal(t, uint32(0), info.DevID)
	assert.Equal(t, uint16(uapi.UBLK_S_DEV_DEAD), info.State)
	assert.Equal(t, uint16(2), info.NrHwQueues)

	second := DeviceSpec{ID: -1, NrQueues: 1, QueueDepth: 1, MaxIOBytes: 4096}.DevInfo()
	require.NoError(t, c.AddDevice(second))
	assert.Equal(t, uint32(1), second.DevID)
	assert.Equal(t, 2, dev.Count())

	// control commands go to the raw control fd, not a fixed file
	subs := ring.Submissions()
	require.NotEmpty(t, subs)
	assert.Equal(t, fakeCtrlFd, subs[0].Fd)
	assert.False(t, subs[0].Fixed)
	assert.Equal(t, uapi.UblkCtrlCmd(uapi.UBLK_CMD_ADD_DEV), subs[0].CmdOp)
}

func TestAddDeviceExplicitIDConflict(t *testing.T) {
	c, _, _ := newTestController(t)

	require.NoError(t, c.AddDevice(DeviceSpec{ID: 7, NrQueues: 1, QueueDepth: 8, MaxIOBytes: 4096}.DevInfo()))
	err := c.AddDevice(DeviceSpec{ID: 7, NrQueues: 1, QueueDepth: 8, MaxIOBytes: 4096}.DevInfo())
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EEXIST))

	var cmdErr *CmdError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "ADD_DEV", cmdErr.Cmd)
	assert.Equal(t, uint32(7), cmdErr.DevID)
	assert.Equal(t, -int32(syscall.EEXIST), cmdErr.Result)
}

func TestDeviceLifecycle(t *testing.T) {
	c, dev, _ := newTestController(t)

	info := DeviceSpec{ID: 3, NrQueues: 1, QueueDepth: 16, MaxIOBytes: 65536}.DevInfo()
	require.NoError(t, c.AddDevice(info))

	// START_DEV requires parameters
	assert.Error(t, c.StartDevice(3, 1234))

	require.NoError(t, c.SetParams(3, testParams(1<<20)))
	got, err := c.GetParams(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), got.Basic.DevSectors)
	assert.Equal(t, uint32(uapi.ParamsSize), got.Len)

	require.NoError(t, c.StartDevice(3, 1234))
	live, err := c.GetDeviceInfo(3)
	require.NoError(t, err)
	assert.Equal(t, uint16(uapi.UBLK_S_DEV_LIVE), live.State)
	assert.Equal(t, int32(1234), live.UblksrvPID)

	require.NoError(t, c.StopDevice(3))
	require.NoError(t, c.DeleteDevice(3))
	assert.Equal(t, 0, dev.Count())

	_, err = c.GetDeviceInfo(3)
	assert.True(t, errors.Is(err, syscall.ENODEV))
	assert.Equal(t, []uint32{
		uapi.UBLK_CMD_ADD_DEV,
		uapi.UBLK_CMD_START_DEV,
		uapi.UBLK_CMD_SET_PARAMS,
		uapi.UBLK_CMD_GET_PARAMS,
		uapi.UBLK_CMD_START_DEV,
		uapi.UBLK_CMD_GET_DEV_INFO,
		uapi.UBLK_CMD_STOP_DEV,
		uapi.UBLK_CMD_DEL_DEV,
		uapi.UBLK_CMD_GET_DEV_INFO,
	}, dev.Log())
}

func TestStopDeviceMissing(t *testing.T) {
	c, _, _ := newTestController(t)
	err := c.StopDevice(42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ENODEV))
	assert.Contains(t, err.Error(), "STOP_DEV dev 42")
}

func TestConcurrentCommandsSerialize(t *testing.T) {
	c, dev, _ := newTestController(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.AddDevice(DeviceSpec{ID: -1, NrQueues: 1, QueueDepth: 4, MaxIOBytes: 4096}.DevInfo())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 8, dev.Count())
}

func TestClosedController(t *testing.T) {
	c, _, ring := newTestController(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, ring.Closed())

	_, err := c.GetDeviceInfo(0)
	assert.ErrorIs(t, err, uring.ErrClosed)
}

func TestDeviceSpecDevInfo(t *testing.T) {
	auto := DeviceSpec{ID: -1, NrQueues: 2, QueueDepth: 128, MaxIOBytes: 65536}.DevInfo()
	assert.Equal(t, NewDeviceID, auto.DevID)
	assert.Equal(t, uint64(uapi.UBLK_F_CMD_IOCTL_ENCODE), auto.Flags)
	assert.Equal(t, uint32(65536), auto.MaxIOBufBytes)

	fixed := DeviceSpec{ID: 5, NrQueues: 1, QueueDepth: 1}.DevInfo()
	assert.Equal(t, uint32(5), fixed.DevID)
}
