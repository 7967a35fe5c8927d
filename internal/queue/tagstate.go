package queue

// TagState is the position of one tag in the fetch/commit cycle. Exactly
// one state holds per tag; only the queue goroutine changes it.
type TagState int32

const (
	TagStateNeedFetch      TagState = iota // free, next submission is FETCH_REQ
	TagStateInFlightFetch                  // FETCH_REQ owned by the kernel
	TagStateOwned                          // request handed to the target
	TagStateNeedCommit                     // free, result ready for COMMIT_AND_FETCH_REQ
	TagStateInFlightCommit                 // COMMIT_AND_FETCH_REQ owned by the kernel
	TagStateDone                           // free, nothing owed; queue is stopping
)

func (s TagState) String() string {
	switch s {
	case TagStateNeedFetch:
		return "need-fetch"
	case TagStateInFlightFetch:
		return "inflight-fetch"
	case TagStateOwned:
		return "owned"
	case TagStateNeedCommit:
		return "need-commit"
	case TagStateInFlightCommit:
		return "inflight-commit"
	case TagStateDone:
		return "done"
	default:
		return "invalid"
	}
}

// Free reports whether the tag may be handed to the ring again.
func (s TagState) Free() bool {
	return s == TagStateNeedFetch || s == TagStateNeedCommit || s == TagStateDone
}

// owesCommand reports whether the next submission for the tag is due.
func (s TagState) owesCommand() bool {
	return s == TagStateNeedFetch || s == TagStateNeedCommit
}
