package events

import "time"

// BatchStart is emitted once a batch body has been parsed.
type BatchStart struct {
	Operations int
}

// BatchRejected is emitted instead of BatchStart and BatchFinish when the
// request never became a batch: its body could not be parsed or exceeded a
// limit.
type BatchRejected struct {
	Err error
}

// BatchFinish pairs with BatchStart: it is emitted once per dispatched batch,
// after the closing frame or on cancellation.
type BatchFinish struct {
	Operations int
	Entries    int
	Cancelled  bool
	Err        error
	Duration   time.Duration
}

// OperationStart is emitted when an operation of a batch starts executing.
// The context carries the operation index (see reqid.IndexFromContext).
type OperationStart struct {
	Index         int
	OperationName string
	OperationType string
}

// OperationFinish is emitted when an operation's outcome is known.
// Failed means the engine itself failed; Errors counts GraphQL errors the
// engine reported.
type OperationFinish struct {
	Index         int
	OperationName string
	OperationType string
	Errors        int
	Failed        bool
	Err           error
	Duration      time.Duration
}

// ObjectsStored is emitted for every envelope that carries a store delta.
type ObjectsStored struct {
	Index int
	New   int
}
