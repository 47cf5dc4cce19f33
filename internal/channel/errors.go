package channel

import "errors"

var (
	// ErrChannelNotFound is returned by the registry for unknown channel ids.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrWrongPhase is returned when an operation is attempted against a
	// channel that is not in the matching collection phase. The operation is
	// rejected with no state mutation; nothing is queued across states.
	ErrWrongPhase = errors.New("operation not valid in the channel's current phase")

	// ErrTerminal is returned when an operation targets a channel that has
	// already reached an absorbing status.
	ErrTerminal = errors.New("channel is in a terminal status")

	// ErrNoCandidates rejects channel creation with an empty candidate list.
	ErrNoCandidates = errors.New("candidate list must not be empty")

	// ErrNoOffers is returned by forced aggregation when there is nothing to
	// aggregate; recovery falls back to a rebroadcast in that case.
	ErrNoOffers = errors.New("no offers to aggregate")

	// ErrUnknownParticipant rejects submissions from ids outside the
	// channel's candidate list.
	ErrUnknownParticipant = errors.New("participant is not a candidate of this channel")
)
