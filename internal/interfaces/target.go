// Package interfaces holds the contracts shared by the supervisor, the
// queue workers and the targets.
package interfaces

import (
	"github.com/ehrlich-b/miniublk/internal/logging"
	"github.com/ehrlich-b/miniublk/internal/uapi"
	"github.com/ehrlich-b/miniublk/internal/uring"
)

// Geometry is what a target reports to the kernel through SET_PARAMS.
type Geometry struct {
	DevSize         uint64 // bytes
	LogicalBSShift  uint8
	PhysicalBSShift uint8
	IOOptShift      uint8
	IOMinShift      uint8
	MaxSectors      uint32
	Attrs           uint32
}

// Device is a target's view of the device it serves. Geometry and the
// tail of Files are filled in by Target.Init.
type Device struct {
	ID          uint32
	NrQueues    int
	Depth       int
	MaxIOBytes  uint32
	BackingFile string

	Geometry Geometry

	// Files is the fixed-file table of every queue ring. Index 0 is the
	// character device; targets append their backing files.
	Files []int

	Logger *logging.Logger
}

// Queue is what a target sees of the queue a request arrived on. All
// methods must be called from the queue's own goroutine.
type Queue interface {
	ID() uint16
	Desc(tag uint16) uapi.UblksrvIODesc
	Buffer(tag uint16) []byte
	Ring() uring.Ring

	// CompleteIO finishes a request inline, with res bytes or -errno.
	CompleteIO(tag uint16, res int32)

	Logger() *logging.Logger
}

// Target executes block requests.
type Target interface {
	Name() string

	Init(dev *Device) error
	Deinit(dev *Device) error

	// QueueIO starts the request held by tag. It returns the number of
	// ring operations issued for it. Zero means the target already
	// called CompleteIO. An error fails the request with its errno, or
	// EIO.
	QueueIO(q Queue, tag uint16) (int, error)

	// IODone maps the completion of one issued operation to its share
	// of the request result.
	IODone(q Queue, tag uint16, res int32) int32
}

// Observer receives per-request statistics from the queue workers.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveDiscard(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}
