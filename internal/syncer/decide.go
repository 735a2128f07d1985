package syncer

import "time"

// action is the steady-state reconciliation verdict.
type action int

const (
	actionNoOp action = iota
	actionPush
	actionPull
	actionConflict
)

func (a action) String() string {
	switch a {
	case actionNoOp:
		return "noop"
	case actionPush:
		return "push"
	case actionPull:
		return "pull"
	case actionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// decide is the pure reconciliation function: given the last confirmed
// sync time, the newest local change, and the remote store's reported
// update time, it picks the steady-state action. It performs no I/O so
// it can be tested exhaustively against synthetic timestamps.
//
// haveLastSynced is false when the stored last-synced value is
// unparseable; both sides are then treated as changed, which can only
// resolve toward Conflict or Pull, never a silent overwrite.
func decide(lastSynced time.Time, haveLastSynced bool, localLatest *time.Time, remoteUpdatedAt time.Time) action {
	remoteChanged := !haveLastSynced || remoteUpdatedAt.After(lastSynced)
	localChanged := localLatest != nil && (!haveLastSynced || localLatest.After(lastSynced))

	switch {
	case remoteChanged && localChanged:
		return actionConflict
	case remoteChanged:
		return actionPull
	case localChanged:
		return actionPush
	default:
		return actionNoOp
	}
}
