package uapi

import (
	"fmt"
	"unsafe"
)

// Wire sizes of the kernel records.
const (
	CtrlCmdSize = 32
	DevInfoSize = 64
	IODescSize  = 24
	IOCmdSize   = 16
	ParamsSize  = 112
)

// UblksrvCtrlCmd must match kernel struct exactly (32 bytes).
// It is placed in the SQE128 command area starting at sqe->addr3.
//
//	struct ublksrv_ctrl_cmd {
//	  __u32 dev_id;
//	  __u16 queue_id;
//	  __u16 len;
//	  __u64 addr;
//	  __u64 data[1];
//	  __u16 dev_path_len;
//	  __u16 pad;
//	  __u32 reserved;
//	};
type UblksrvCtrlCmd struct {
	DevID      uint32 // device id (0xFFFFFFFF for new device)
	QueueID    uint16 // 0xFFFF for control ops
	Len        uint16 // data length for buffer at addr
	Addr       uint64 // userspace buffer address
	Data       uint64 // inline payload
	DevPathLen uint16
	Pad        uint16
	Reserved   uint32
}

var _ [CtrlCmdSize]byte = [unsafe.Sizeof(UblksrvCtrlCmd{})]byte{}

// UblksrvCtrlDevInfo contains device information
type UblksrvCtrlDevInfo struct {
	NrHwQueues    uint16
	QueueDepth    uint16
	State         uint16 // UBLK_S_*
	Pad0          uint16
	MaxIOBufBytes uint32
	DevID         uint32
	UblksrvPID    int32
	Pad1          uint32
	Flags         uint64
	UblksrvFlags  uint64 // server-internal flags, invisible to the driver
	OwnerUID      uint32
	OwnerGID      uint32
	Reserved1     uint64
	Reserved2     uint64
}

var _ [DevInfoSize]byte = [unsafe.Sizeof(UblksrvCtrlDevInfo{})]byte{}

// UblksrvIODesc describes one request; the kernel writes it into the
// shared descriptor region, one per tag.
type UblksrvIODesc struct {
	OpFlags     uint32 // op: bits 0-7, flags: bits 8-31
	NrSectors   uint32
	StartSector uint64
	Addr        uint64
}

var _ [IODescSize]byte = [unsafe.Sizeof(UblksrvIODesc{})]byte{}

// GetOp extracts the operation code from OpFlags
func (d *UblksrvIODesc) GetOp() uint8 {
	return uint8(d.OpFlags & 0xff)
}

// GetFlags extracts the flags from OpFlags
func (d *UblksrvIODesc) GetFlags() uint32 {
	return d.OpFlags >> 8
}

// Offset returns the byte offset addressed by the request.
func (d *UblksrvIODesc) Offset() uint64 {
	return d.StartSector << 9
}

// Length returns the byte length of the request.
func (d *UblksrvIODesc) Length() uint32 {
	return d.NrSectors << 9
}

// UblksrvIOCmd is issued to the ublk driver via /dev/ublkcN
type UblksrvIOCmd struct {
	QID    uint16
	Tag    uint16
	Result int32  // valid for COMMIT* commands only
	Addr   uint64 // buffer address for FETCH* commands
}

var _ [IOCmdSize]byte = [unsafe.Sizeof(UblksrvIOCmd{})]byte{}

// UblkParamBasic contains basic device parameters
type UblkParamBasic struct {
	Attrs            uint32
	LogicalBSShift   uint8
	PhysicalBSShift  uint8
	IOOptShift       uint8
	IOMinShift       uint8
	MaxSectors       uint32
	ChunkSectors     uint32
	DevSectors       uint64
	VirtBoundaryMask uint64
}

// UblkParamDiscard contains discard-related parameters
type UblkParamDiscard struct {
	DiscardAlignment      uint32
	DiscardGranularity    uint32
	MaxDiscardSectors     uint32
	MaxWriteZeroesSectors uint32
	MaxDiscardSegments    uint16
	Reserved0             uint16
}

// UblkParamDevt contains device numbers (read-only, filled by the kernel)
type UblkParamDevt struct {
	CharMajor uint32
	CharMinor uint32
	DiskMajor uint32
	DiskMinor uint32
}

// UblkParamZoned contains zoned device parameters
type UblkParamZoned struct {
	MaxOpenZones         uint32
	MaxActiveZones       uint32
	MaxZoneAppendSectors uint32
	Reserved             [20]uint8
}

// UblkParams contains all device parameters. Every section sits at a
// fixed offset; Types says which of them are meaningful.
type UblkParams struct {
	Len     uint32
	Types   uint32
	Basic   UblkParamBasic
	Discard UblkParamDiscard
	Devt    UblkParamDevt
	Zoned   UblkParamZoned
}

var _ [ParamsSize]byte = [unsafe.Sizeof(UblkParams{})]byte{}

// HasBasic returns true if basic parameters are included
func (p *UblkParams) HasBasic() bool {
	return (p.Types & UBLK_PARAM_TYPE_BASIC) != 0
}

// HasDiscard returns true if discard parameters are included
func (p *UblkParams) HasDiscard() bool {
	return (p.Types & UBLK_PARAM_TYPE_DISCARD) != 0
}

// SetBasic enables basic parameters
func (p *UblkParams) SetBasic() {
	p.Types |= UBLK_PARAM_TYPE_BASIC
}

// SetDiscard enables discard parameters
func (p *UblkParams) SetDiscard() {
	p.Types |= UBLK_PARAM_TYPE_DISCARD
}

// Device file paths
const (
	UBLK_CONTROL_DEV = "/dev/ublk-control"
	UBLKC_DEV_PREFIX = "/dev/ublkc"
	UBLKB_DEV_PREFIX = "/dev/ublkb"
)

// UblkDevicePath returns the path to the character device
func UblkDevicePath(devID uint32) string {
	return fmt.Sprintf("%s%d", UBLKC_DEV_PREFIX, devID)
}

// UblkBlockDevicePath returns the path to the block device
func UblkBlockDevicePath(devID uint32) string {
	return fmt.Sprintf("%s%d", UBLKB_DEV_PREFIX, devID)
}

// DescOffset is the mmap offset of queue qid's descriptor region on the
// character device.
func DescOffset(qid uint16) int64 {
	return UBLKSRV_CMD_BUF_OFFSET + int64(qid)*UBLK_MAX_QUEUE_DEPTH*IODescSize
}

// DescRegionSize is the mapped length of a queue's descriptor region,
// rounded up to pageSize.
func DescRegionSize(depth, pageSize int) int {
	size := depth * IODescSize
	return (size + pageSize - 1) / pageSize * pageSize
}
