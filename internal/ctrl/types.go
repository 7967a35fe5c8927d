package ctrl

import (
	"github.com/ehrlich-b/miniublk/internal/uapi"
)

// DeviceSpec is the geometry requested from ADD_DEV.
type DeviceSpec struct {
	ID         int32 // -1 lets the kernel choose
	NrQueues   uint16
	QueueDepth uint16
	MaxIOBytes uint32
}

// DevInfo builds the ADD_DEV payload for s.
func (s DeviceSpec) DevInfo() *uapi.UblksrvCtrlDevInfo {
	id := NewDeviceID
	if s.ID >= 0 {
		id = uint32(s.ID)
	}
	return &uapi.UblksrvCtrlDevInfo{
		NrHwQueues:    s.NrQueues,
		QueueDepth:    s.QueueDepth,
		MaxIOBufBytes: s.MaxIOBytes,
		DevID:         id,
		Flags:         uapi.UBLK_F_CMD_IOCTL_ENCODE,
	}
}
