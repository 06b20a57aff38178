package events

import "time"

// EngineCallStart is emitted before a remote engine call.
type EngineCallStart struct {
	Kind          string // "grpc" or "http"
	Target        string
	OperationName string
}

// EngineCallFinish is emitted after a remote engine call completes.
type EngineCallFinish struct {
	Kind          string
	Target        string
	OperationName string
	Status        string
	Err           error
	Duration      time.Duration
}
