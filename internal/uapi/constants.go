// Package uapi provides Linux kernel UAPI definitions for ublk
package uapi

// Control commands
const (
	UBLK_CMD_GET_QUEUE_AFFINITY = 0x01
	UBLK_CMD_GET_DEV_INFO       = 0x02
	UBLK_CMD_ADD_DEV            = 0x04
	UBLK_CMD_DEL_DEV            = 0x05
	UBLK_CMD_START_DEV          = 0x06
	UBLK_CMD_STOP_DEV           = 0x07
	UBLK_CMD_SET_PARAMS         = 0x08
	UBLK_CMD_GET_PARAMS         = 0x09
)

// I/O commands
const (
	UBLK_IO_FETCH_REQ            = 0x20
	UBLK_IO_COMMIT_AND_FETCH_REQ = 0x21
	UBLK_IO_NEED_GET_DATA        = 0x22
)

// I/O result codes
const (
	UBLK_IO_RES_OK            = 0
	UBLK_IO_RES_NEED_GET_DATA = 1
	UBLK_IO_RES_ABORT         = -19 // -ENODEV
)

// Feature flags (64-bit)
const (
	UBLK_F_SUPPORT_ZERO_COPY      = 1 << 0
	UBLK_F_URING_CMD_COMP_IN_TASK = 1 << 1
	UBLK_F_NEED_GET_DATA          = 1 << 2
	UBLK_F_USER_RECOVERY          = 1 << 3
	UBLK_F_USER_RECOVERY_REISSUE  = 1 << 4
	UBLK_F_UNPRIVILEGED_DEV       = 1 << 5
	UBLK_F_CMD_IOCTL_ENCODE       = 1 << 6
	UBLK_F_USER_COPY              = 1 << 7
	UBLK_F_ZONED                  = 1 << 8
)

// Device states
const (
	UBLK_S_DEV_DEAD     = 0
	UBLK_S_DEV_LIVE     = 1
	UBLK_S_DEV_QUIESCED = 2
)

// I/O operations
const (
	UBLK_IO_OP_READ         = 0
	UBLK_IO_OP_WRITE        = 1
	UBLK_IO_OP_FLUSH        = 2
	UBLK_IO_OP_DISCARD      = 3
	UBLK_IO_OP_WRITE_SAME   = 4
	UBLK_IO_OP_WRITE_ZEROES = 5
)

// I/O flags
const (
	UBLK_IO_F_FAILFAST_DEV       = 1 << 8
	UBLK_IO_F_FAILFAST_TRANSPORT = 1 << 9
	UBLK_IO_F_FAILFAST_DRIVER    = 1 << 10
	UBLK_IO_F_META               = 1 << 11
	UBLK_IO_F_FUA                = 1 << 13
	UBLK_IO_F_NOUNMAP            = 1 << 15
	UBLK_IO_F_SWAP               = 1 << 16
)

// Limits and offsets
const (
	UBLK_MAX_QUEUE_DEPTH = 4096 // max IOs per queue, sizes the per-queue descriptor stride
	UBLK_MAX_NR_QUEUES   = 4096

	UBLKSRV_CMD_BUF_OFFSET = 0
	UBLKSRV_IO_BUF_OFFSET  = 0x80000000
)

// Device attribute flags
const (
	UBLK_ATTR_READ_ONLY      = 1 << 0
	UBLK_ATTR_ROTATIONAL     = 1 << 1
	UBLK_ATTR_VOLATILE_CACHE = 1 << 2
	UBLK_ATTR_FUA            = 1 << 3
)

// Parameter type flags
const (
	UBLK_PARAM_TYPE_BASIC   = 1 << 0
	UBLK_PARAM_TYPE_DISCARD = 1 << 1
	UBLK_PARAM_TYPE_DEVT    = 1 << 2
	UBLK_PARAM_TYPE_ZONED   = 1 << 3
)

// ioctl encoding constants
const (
	_IOC_WRITE     = 1
	_IOC_READ      = 2
	_IOC_SIZEBITS  = 14
	_IOC_DIRBITS   = 2
	_IOC_TYPEBITS  = 8
	_IOC_NRBITS    = 8
	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS
)

// IoctlEncode creates an ioctl command number
func IoctlEncode(dir, typ, nr, size uint32) uint32 {
	return (dir << _IOC_DIRSHIFT) |
		(size << _IOC_SIZESHIFT) |
		(typ << _IOC_TYPESHIFT) |
		(nr << _IOC_NRSHIFT)
}

// UblkCtrlCmd encodes a control command as _IOWR('u', cmd, struct ublksrv_ctrl_cmd).
func UblkCtrlCmd(cmd uint32) uint32 {
	return IoctlEncode(_IOC_READ|_IOC_WRITE, 'u', cmd, CtrlCmdSize)
}

// UblkIOCmd encodes an I/O command as _IOWR('u', cmd, struct ublksrv_io_cmd).
func UblkIOCmd(cmd uint32) uint32 {
	return IoctlEncode(_IOC_READ|_IOC_WRITE, 'u', cmd, IOCmdSize)
}

// CmdNr recovers the command number from an encoded command.
func CmdNr(op uint32) uint32 {
	return (op >> _IOC_NRSHIFT) & (1<<_IOC_NRBITS - 1)
}

// CtrlCmdName returns a short name for a control command number.
func CtrlCmdName(cmd uint32) string {
	switch CmdNr(cmd) {
	case UBLK_CMD_GET_QUEUE_AFFINITY:
		return "GET_QUEUE_AFFINITY"
	case UBLK_CMD_GET_DEV_INFO:
		return "GET_DEV_INFO"
	case UBLK_CMD_ADD_DEV:
		return "ADD_DEV"
	case UBLK_CMD_DEL_DEV:
		return "DEL_DEV"
	case UBLK_CMD_START_DEV:
		return "START_DEV"
	case UBLK_CMD_STOP_DEV:
		return "STOP_DEV"
	case UBLK_CMD_SET_PARAMS:
		return "SET_PARAMS"
	case UBLK_CMD_GET_PARAMS:
		return "GET_PARAMS"
	default:
		return "UNKNOWN"
	}
}

// StateName renders a device state the way operators see it in listings.
func StateName(state uint16) string {
	switch state {
	case UBLK_S_DEV_LIVE:
		return "LIVE"
	case UBLK_S_DEV_DEAD:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}
