package ublk

import "github.com/ehrlich-b/miniublk/internal/constants"

// Re-export constants for public API
const (
	DefaultNrQueues    = constants.DefaultNrQueues
	MaxNrQueues        = constants.MaxNrQueues
	DefaultQueueDepth  = constants.DefaultQueueDepth
	MaxQueueDepth      = constants.MaxQueueDepth
	IOMaxBytes         = constants.IOMaxBytes
	AutoAssignDeviceID = constants.AutoAssignDeviceID
	SweepDeviceIDs     = constants.SweepDeviceIDs
)
