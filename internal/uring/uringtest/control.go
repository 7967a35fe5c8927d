package uringtest

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/ehrlich-b/miniublk/internal/uapi"
)

// ControlDevice emulates /dev/ublk-control. Use its Handle method as a
// FakeRing CmdHandler.
type ControlDevice struct {
	// MaxDevices bounds automatic ID assignment; zero means 256.
	MaxDevices uint32

	// Fail forces a result for a command number, for every device.
	Fail map[uint32]int32

	// OnStart and OnStop run after a successful START_DEV or STOP_DEV,
	// outside the device lock.
	OnStart func(devID uint32, pid int)
	OnStop  func(devID uint32)

	mu      sync.Mutex
	devices map[uint32]*fakeDevice
	log     []uint32
}

type fakeDevice struct {
	info   uapi.UblksrvCtrlDevInfo
	params *uapi.UblkParams
}

// NewControlDevice returns an emulator with no devices.
func NewControlDevice() *ControlDevice {
	return &ControlDevice{devices: make(map[uint32]*fakeDevice)}
}

// NewControlRing returns a FakeRing answering control commands from d.
func NewControlRing(d *ControlDevice) *FakeRing {
	r := NewFakeRing()
	r.CmdHandler = d.Handle
	return r
}

func userBuf(cmd *uapi.UblksrvCtrlCmd) []byte {
	if cmd.Addr == 0 || cmd.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(cmd.Addr))), cmd.Len)
}

// Handle executes one control command.
func (d *ControlDevice) Handle(s Submission) (int32, bool) {
	var cmd uapi.UblksrvCtrlCmd
	if err := uapi.UnmarshalCtrlCmd(s.Cmd, &cmd); err != nil {
		return -int32(syscall.EINVAL), true
	}
	nr := uapi.CmdNr(s.CmdOp)
	if s.CmdOp != uapi.UblkCtrlCmd(nr) {
		return -int32(syscall.EOPNOTSUPP), true
	}

	res, after := d.handle(nr, &cmd)
	if after != nil {
		after()
	}
	return res, true
}

func (d *ControlDevice) handle(nr uint32, cmd *uapi.UblksrvCtrlCmd) (int32, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, nr)

	if res, ok := d.Fail[nr]; ok {
		return res, nil
	}

	buf := userBuf(cmd)
	if nr == uapi.UBLK_CMD_ADD_DEV {
		return d.add(buf), nil
	}

	dev, ok := d.devices[cmd.DevID]
	if !ok {
		return -int32(syscall.ENODEV), nil
	}

	switch nr {
	case uapi.UBLK_CMD_DEL_DEV:
		delete(d.devices, cmd.DevID)
	case uapi.UBLK_CMD_GET_DEV_INFO:
		if len(buf) < uapi.DevInfoSize {
			return -int32(syscall.EINVAL), nil
		}
		copy(buf, uapi.MarshalCtrlDevInfo(&dev.info))
	case uapi.UBLK_CMD_SET_PARAMS:
		if dev.info.State == uapi.UBLK_S_DEV_LIVE {
			return -int32(syscall.EACCES), nil
		}
		p := &uapi.UblkParams{}
		if err := uapi.UnmarshalParams(buf, p); err != nil {
			return -int32(syscall.EINVAL), nil
		}
		dev.params = p
	case uapi.UBLK_CMD_GET_PARAMS:
		if dev.params == nil {
			return -int32(syscall.EINVAL), nil
		}
		copy(buf, uapi.MarshalParams(dev.params))
	case uapi.UBLK_CMD_START_DEV:
		if dev.params == nil || !dev.params.HasBasic() {
			return -int32(syscall.EINVAL), nil
		}
		if dev.info.State == uapi.UBLK_S_DEV_LIVE {
			return -int32(syscall.EEXIST), nil
		}
		dev.info.State = uapi.UBLK_S_DEV_LIVE
		dev.info.UblksrvPID = int32(cmd.Data)
		if d.OnStart != nil {
			id, pid, fn := cmd.DevID, int(cmd.Data), d.OnStart
			return 0, func() { fn(id, pid) }
		}
	case uapi.UBLK_CMD_STOP_DEV:
		dev.info.State = uapi.UBLK_S_DEV_DEAD
		if d.OnStop != nil {
			id, fn := cmd.DevID, d.OnStop
			return 0, func() { fn(id) }
		}
	default:
		return -int32(syscall.EINVAL), nil
	}
	return 0, nil
}

func (d *ControlDevice) add(buf []byte) int32 {
	var info uapi.UblksrvCtrlDevInfo
	if err := uapi.UnmarshalCtrlDevInfo(buf, &info); err != nil {
		return -int32(syscall.EINVAL)
	}
	if info.NrHwQueues == 0 || info.QueueDepth == 0 {
		return -int32(syscall.EINVAL)
	}

	limit := d.MaxDevices
	if limit == 0 {
		limit = 256
	}
	if info.DevID == ^uint32(0) {
		id := uint32(0)
		for ; id < limit; id++ {
			if _, used := d.devices[id]; !used {
				break
			}
		}
		if id == limit {
			return -int32(syscall.ENOSPC)
		}
		info.DevID = id
	} else if _, used := d.devices[info.DevID]; used {
		return -int32(syscall.EEXIST)
	}

	info.State = uapi.UBLK_S_DEV_DEAD
	info.UblksrvPID = -1
	d.devices[info.DevID] = &fakeDevice{info: info}
	copy(buf, uapi.MarshalCtrlDevInfo(&info))
	return 0
}

// Put installs a device directly, for tests that start from existing
// state.
func (d *ControlDevice) Put(info uapi.UblksrvCtrlDevInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[info.DevID] = &fakeDevice{info: info}
}

// Device returns a copy of a device's info.
func (d *ControlDevice) Device(devID uint32) (uapi.UblksrvCtrlDevInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[devID]
	if !ok {
		return uapi.UblksrvCtrlDevInfo{}, false
	}
	return dev.info, true
}

// Params returns the parameters last set on a device.
func (d *ControlDevice) Params(devID uint32) *uapi.UblkParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, ok := d.devices[devID]; ok && dev.params != nil {
		p := *dev.params
		return &p
	}
	return nil
}

// Count returns the number of registered devices.
func (d *ControlDevice) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// Log returns the command numbers received, in order.
func (d *ControlDevice) Log() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.log...)
}
