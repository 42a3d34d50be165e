package chat

import "errors"

var (
	// ErrNotConnected means the channel had no live connection when a
	// live session was opened. Terminal for the open attempt.
	ErrNotConnected = errors.New("channel not connected")

	// ErrJoinFailed means the join was refused and no archived copy of
	// the chat could stand in. Terminal for the open attempt.
	ErrJoinFailed = errors.New("failed to join chat")

	// ErrActionFailed wraps a send or proposal action the backend
	// refused. The session stays usable; no local state was applied.
	ErrActionFailed = errors.New("chat action failed")

	// ErrStaleAction means the action's target proposal is no longer
	// the chain head. Callers drop it without surfacing anything.
	ErrStaleAction = errors.New("proposal is no longer current")
)
