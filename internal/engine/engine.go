// Package engine is the boundary to the GraphQL execution engine.
//
// The batch endpoint never resolves fields itself. It hands each operation to
// an Engine and only cares that the engine produces a result (data and/or
// GraphQL errors) or fails. Execute normalizes engine failures, including
// panics, into an Outcome so one bad operation cannot take down its batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrNoResult is reported when an engine returns neither a result nor an
// error.
var ErrNoResult = errors.New("engine: no result")

// Request is one GraphQL operation.
type Request struct {
	Query         string
	OperationName string
	Variables     map[string]any
	Extensions    map[string]any
}

// Engine executes a single GraphQL operation. Operation-level GraphQL errors
// (validation, field errors) belong in Result.Errors; a non-nil error means
// the engine itself failed.
type Engine interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Execute(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

// PanicError carries a recovered engine panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("engine: panic: %v", e.Value) }

// Outcome is the immutable product of executing one operation: either a
// Result or the error that prevented one.
type Outcome struct {
	Result *Result
	Err    error
}

// Failed reports whether the engine failed to produce a result.
func (o Outcome) Failed() bool { return o.Err != nil || o.Result == nil }

// Execute runs req on eng and never panics.
func Execute(ctx context.Context, eng Engine, req Request) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	res, err := eng.Execute(ctx, req)
	if err != nil {
		return Outcome{Err: err}
	}
	if res == nil {
		return Outcome{Err: ErrNoResult}
	}
	return Outcome{Result: res}
}
