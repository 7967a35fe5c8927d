package constants

import "time"

// Device defaults and limits
const (
	// DefaultNrQueues is the number of hardware queues when none is given
	DefaultNrQueues = 2

	// MaxNrQueues is the largest accepted number of hardware queues
	MaxNrQueues = 4

	// DefaultQueueDepth is the default I/O queue depth per queue
	DefaultQueueDepth = 128

	// MaxQueueDepth is the largest accepted queue depth
	MaxQueueDepth = 128

	// IOMaxBytes is the per-request transfer limit and the size of each
	// tag's buffer
	IOMaxBytes = 64 * 1024

	// AutoAssignDeviceID asks the kernel to pick the device ID
	AutoAssignDeviceID = -1

	// SweepDeviceIDs bounds the device ID range visited by "all" sweeps
	SweepDeviceIDs = 255
)

// Ring sizes
const (
	// CtrlRingDepth is the number of entries of the control ring
	CtrlRingDepth = 32
)

// Timing constants for device lifecycle
const (
	// IdleTimeout is how long a queue waits before releasing buffer pages
	IdleTimeout = 20 * time.Second

	// DaemonPollInterval is the interval between daemon liveness checks
	DaemonPollInterval = 500 * time.Millisecond

	// DaemonPollRetries bounds the liveness checks, about 3s in total
	DaemonPollRetries = 6

	// CharDevOpenInterval is the retry interval while udev creates /dev/ublkcN
	CharDevOpenInterval = 100 * time.Millisecond

	// CharDevOpenRetries bounds the open retries, about 5s in total
	CharDevOpenRetries = 50
)
