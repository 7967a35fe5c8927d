package uapi

import (
	"encoding/binary"
)

// MarshalError is returned when a buffer cannot hold a record.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
)

// MarshalCtrlCmd encodes a control command into its 32-byte wire form.
func MarshalCtrlCmd(cmd *UblksrvCtrlCmd) []byte {
	buf := make([]byte, CtrlCmdSize)
	PutCtrlCmd(buf, cmd)
	return buf
}

// PutCtrlCmd encodes cmd into buf, which must hold CtrlCmdSize bytes.
func PutCtrlCmd(buf []byte, cmd *UblksrvCtrlCmd) {
	_ = buf[CtrlCmdSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], cmd.DevID)
	binary.LittleEndian.PutUint16(buf[4:6], cmd.QueueID)
	binary.LittleEndian.PutUint16(buf[6:8], cmd.Len)
	binary.LittleEndian.PutUint64(buf[8:16], cmd.Addr)
	binary.LittleEndian.PutUint64(buf[16:24], cmd.Data)
	binary.LittleEndian.PutUint16(buf[24:26], cmd.DevPathLen)
	binary.LittleEndian.PutUint16(buf[26:28], cmd.Pad)
	binary.LittleEndian.PutUint32(buf[28:32], cmd.Reserved)
}

// UnmarshalCtrlCmd decodes a control command.
func UnmarshalCtrlCmd(data []byte, cmd *UblksrvCtrlCmd) error {
	if len(data) < CtrlCmdSize {
		return ErrInsufficientData
	}

	cmd.DevID = binary.LittleEndian.Uint32(data[0:4])
	cmd.QueueID = binary.LittleEndian.Uint16(data[4:6])
	cmd.Len = binary.LittleEndian.Uint16(data[6:8])
	cmd.Addr = binary.LittleEndian.Uint64(data[8:16])
	cmd.Data = binary.LittleEndian.Uint64(data[16:24])
	cmd.DevPathLen = binary.LittleEndian.Uint16(data[24:26])
	cmd.Pad = binary.LittleEndian.Uint16(data[26:28])
	cmd.Reserved = binary.LittleEndian.Uint32(data[28:32])
	return nil
}

// PutIOCmd encodes an I/O command into buf, which must hold IOCmdSize bytes.
func PutIOCmd(buf []byte, cmd *UblksrvIOCmd) {
	_ = buf[IOCmdSize-1]
	binary.LittleEndian.PutUint16(buf[0:2], cmd.QID)
	binary.LittleEndian.PutUint16(buf[2:4], cmd.Tag)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(cmd.Result))
	binary.LittleEndian.PutUint64(buf[8:16], cmd.Addr)
}

// UnmarshalIOCmd decodes an I/O command.
func UnmarshalIOCmd(data []byte, cmd *UblksrvIOCmd) error {
	if len(data) < IOCmdSize {
		return ErrInsufficientData
	}

	cmd.QID = binary.LittleEndian.Uint16(data[0:2])
	cmd.Tag = binary.LittleEndian.Uint16(data[2:4])
	cmd.Result = int32(binary.LittleEndian.Uint32(data[4:8]))
	cmd.Addr = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// MarshalCtrlDevInfo encodes device info into its 64-byte wire form.
func MarshalCtrlDevInfo(info *UblksrvCtrlDevInfo) []byte {
	buf := make([]byte, DevInfoSize)

	binary.LittleEndian.PutUint16(buf[0:2], info.NrHwQueues)
	binary.LittleEndian.PutUint16(buf[2:4], info.QueueDepth)
	binary.LittleEndian.PutUint16(buf[4:6], info.State)
	binary.LittleEndian.PutUint16(buf[6:8], info.Pad0)
	binary.LittleEndian.PutUint32(buf[8:12], info.MaxIOBufBytes)
	binary.LittleEndian.PutUint32(buf[12:16], info.DevID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(info.UblksrvPID))
	binary.LittleEndian.PutUint32(buf[20:24], info.Pad1)
	binary.LittleEndian.PutUint64(buf[24:32], info.Flags)
	binary.LittleEndian.PutUint64(buf[32:40], info.UblksrvFlags)
	binary.LittleEndian.PutUint32(buf[40:44], info.OwnerUID)
	binary.LittleEndian.PutUint32(buf[44:48], info.OwnerGID)
	binary.LittleEndian.PutUint64(buf[48:56], info.Reserved1)
	binary.LittleEndian.PutUint64(buf[56:64], info.Reserved2)

	return buf
}

// UnmarshalCtrlDevInfo decodes device info.
func UnmarshalCtrlDevInfo(data []byte, info *UblksrvCtrlDevInfo) error {
	if len(data) < DevInfoSize {
		return ErrInsufficientData
	}

	info.NrHwQueues = binary.LittleEndian.Uint16(data[0:2])
	info.QueueDepth = binary.LittleEndian.Uint16(data[2:4])
	info.State = binary.LittleEndian.Uint16(data[4:6])
	info.Pad0 = binary.LittleEndian.Uint16(data[6:8])
	info.MaxIOBufBytes = binary.LittleEndian.Uint32(data[8:12])
	info.DevID = binary.LittleEndian.Uint32(data[12:16])
	info.UblksrvPID = int32(binary.LittleEndian.Uint32(data[16:20]))
	info.Pad1 = binary.LittleEndian.Uint32(data[20:24])
	info.Flags = binary.LittleEndian.Uint64(data[24:32])
	info.UblksrvFlags = binary.LittleEndian.Uint64(data[32:40])
	info.OwnerUID = binary.LittleEndian.Uint32(data[40:44])
	info.OwnerGID = binary.LittleEndian.Uint32(data[44:48])
	info.Reserved1 = binary.LittleEndian.Uint64(data[48:56])
	info.Reserved2 = binary.LittleEndian.Uint64(data[56:64])
	return nil
}

// MarshalParams encodes the full fixed-layout parameter block. Len is
// always written as ParamsSize.
func MarshalParams(p *UblkParams) []byte {
	buf := make([]byte, ParamsSize)

	binary.LittleEndian.PutUint32(buf[0:4], ParamsSize)
	binary.LittleEndian.PutUint32(buf[4:8], p.Types)

	b := &p.Basic
	binary.LittleEndian.PutUint32(buf[8:12], b.Attrs)
	buf[12] = b.LogicalBSShift
	buf[13] = b.PhysicalBSShift
	buf[14] = b.IOOptShift
	buf[15] = b.IOMinShift
	binary.LittleEndian.PutUint32(buf[16:20], b.MaxSectors)
	binary.LittleEndian.PutUint32(buf[20:24], b.ChunkSectors)
	binary.LittleEndian.PutUint64(buf[24:32], b.DevSectors)
	binary.LittleEndian.PutUint64(buf[32:40], b.VirtBoundaryMask)

	d := &p.Discard
	binary.LittleEndian.PutUint32(buf[40:44], d.DiscardAlignment)
	binary.LittleEndian.PutUint32(buf[44:48], d.DiscardGranularity)
	binary.LittleEndian.PutUint32(buf[48:52], d.MaxDiscardSectors)
	binary.LittleEndian.PutUint32(buf[52:56], d.MaxWriteZeroesSectors)
	binary.LittleEndian.PutUint16(buf[56:58], d.MaxDiscardSegments)
	binary.LittleEndian.PutUint16(buf[58:60], d.Reserved0)

	binary.LittleEndian.PutUint32(buf[60:64], p.Devt.CharMajor)
	binary.LittleEndian.PutUint32(buf[64:68], p.Devt.CharMinor)
	binary.LittleEndian.PutUint32(buf[68:72], p.Devt.DiskMajor)
	binary.LittleEndian.PutUint32(buf[72:76], p.Devt.DiskMinor)

	binary.LittleEndian.PutUint32(buf[76:80], p.Zoned.MaxOpenZones)
	binary.LittleEndian.PutUint32(buf[80:84], p.Zoned.MaxActiveZones)
	binary.LittleEndian.PutUint32(buf[84:88], p.Zoned.MaxZoneAppendSectors)
	copy(buf[88:108], p.Zoned.Reserved[:])

	return buf
}

// UnmarshalParams decodes a parameter block returned by GET_PARAMS.
func UnmarshalParams(data []byte, p *UblkParams) error {
	if len(data) < 40 {
		return ErrInsufficientData
	}

	p.Len = binary.LittleEndian.Uint32(data[0:4])
	p.Types = binary.LittleEndian.Uint32(data[4:8])

	b := &p.Basic
	b.Attrs = binary.LittleEndian.Uint32(data[8:12])
	b.LogicalBSShift = data[12]
	b.PhysicalBSShift = data[13]
	b.IOOptShift = data[14]
	b.IOMinShift = data[15]
	b.MaxSectors = binary.LittleEndian.Uint32(data[16:20])
	b.ChunkSectors = binary.LittleEndian.Uint32(data[20:24])
	b.DevSectors = binary.LittleEndian.Uint64(data[24:32])
	b.VirtBoundaryMask = binary.LittleEndian.Uint64(data[32:40])

	if len(data) < 60 {
		return nil
	}
	d := &p.Discard
	d.DiscardAlignment = binary.LittleEndian.Uint32(data[40:44])
	d.DiscardGranularity = binary.LittleEndian.Uint32(data[44:48])
	d.MaxDiscardSectors = binary.LittleEndian.Uint32(data[48:52])
	d.MaxWriteZeroesSectors = binary.LittleEndian.Uint32(data[52:56])
	d.MaxDiscardSegments = binary.LittleEndian.Uint16(data[56:58])
	d.Reserved0 = binary.LittleEndian.Uint16(data[58:60])

	if len(data) < 76 {
		return nil
	}
	p.Devt.CharMajor = binary.LittleEndian.Uint32(data[60:64])
	p.Devt.CharMinor = binary.LittleEndian.Uint32(data[64:68])
	p.Devt.DiskMajor = binary.LittleEndian.Uint32(data[68:72])
	p.Devt.DiskMinor = binary.LittleEndian.Uint32(data[72:76])
	return nil
}

// PutIODesc encodes a descriptor into buf. The kernel is the only writer
// of the real descriptor region; this exists for simulated regions.
func PutIODesc(buf []byte, d *UblksrvIODesc) {
	_ = buf[IODescSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], d.OpFlags)
	binary.LittleEndian.PutUint32(buf[4:8], d.NrSectors)
	binary.LittleEndian.PutUint64(buf[8:16], d.StartSector)
	binary.LittleEndian.PutUint64(buf[16:24], d.Addr)
}

// IODescAt reads the descriptor for tag out of a queue's descriptor region.
func IODescAt(region []byte, tag uint16) UblksrvIODesc {
	off := int(tag) * IODescSize
	buf := region[off : off+IODescSize]
	return UblksrvIODesc{
		OpFlags:     binary.LittleEndian.Uint32(buf[0:4]),
		NrSectors:   binary.LittleEndian.Uint32(buf[4:8]),
		StartSector: binary.LittleEndian.Uint64(buf[8:16]),
		Addr:        binary.LittleEndian.Uint64(buf[16:24]),
	}
}
