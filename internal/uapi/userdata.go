package uapi

// A completion's user_data routes it back to the tag and sub-protocol
// that issued it:
//
//	bits  0-15  tag
//	bits 16-23  op (ublk command number or target operation)
//	bits 24-31  target-private byte
//	bit     63  set for target I/O, clear for fetch/commit commands
const (
	userDataOpShift  = 16
	userDataTgtShift = 24
	userDataTargetIO = uint64(1) << 63
)

// BuildUserData packs a correlation value for one ring submission.
func BuildUserData(tag uint16, op uint8, tgtData uint8, targetIO bool) uint64 {
	ud := uint64(tag) | uint64(op)<<userDataOpShift | uint64(tgtData)<<userDataTgtShift
	if targetIO {
		ud |= userDataTargetIO
	}
	return ud
}

// UserDataTag extracts the tag.
func UserDataTag(ud uint64) uint16 {
	return uint16(ud)
}

// UserDataOp extracts the operation byte.
func UserDataOp(ud uint64) uint8 {
	return uint8(ud >> userDataOpShift)
}

// UserDataTgtData extracts the target-private byte.
func UserDataTgtData(ud uint64) uint8 {
	return uint8(ud >> userDataTgtShift)
}

// IsTargetIO reports whether the completion belongs to a target submission.
func IsTargetIO(ud uint64) bool {
	return ud&userDataTargetIO != 0
}
