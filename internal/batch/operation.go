package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hanpama/graphstream/internal/engine"
)

// Operation is one element of a batch request body.
type Operation struct {
	OperationName string         `json:"operationName,omitempty"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// Request converts op into an engine request.
func (op Operation) Request() engine.Request {
	return engine.Request{
		Query:         op.Query,
		OperationName: op.OperationName,
		Variables:     op.Variables,
		Extensions:    op.Extensions,
	}
}

// ErrTooManyOperations is wrapped by the ParseError returned for a batch
// larger than the configured maximum.
var ErrTooManyOperations = errors.New("batch: too many operations")

// ParseError reports a batch body that cannot be run at all. No part of the
// batch is executed when it occurs.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("batch: %s: %v", e.Message, e.Err)
	}
	return "batch: " + e.Message
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseBatch reads a JSON array of operations from r. Numbers inside
// variables and extensions keep their literal form as json.Number.
// maxOps <= 0 means no limit.
func ParseBatch(r io.Reader, maxOps int) ([]Operation, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, &ParseError{Message: "invalid JSON", Err: err}
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, &ParseError{Message: "request body must be a JSON array of operations"}
	}

	ops := []Operation{}
	for dec.More() {
		if maxOps > 0 && len(ops) == maxOps {
			return nil, &ParseError{
				Message: fmt.Sprintf("batch exceeds %d operations", maxOps),
				Err:     ErrTooManyOperations,
			}
		}
		var op Operation
		if err := dec.Decode(&op); err != nil {
			return nil, &ParseError{Message: fmt.Sprintf("invalid operation at index %d", len(ops)), Err: err}
		}
		ops = append(ops, op)
	}
	if _, err := dec.Token(); err != nil {
		return nil, &ParseError{Message: "invalid JSON", Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &ParseError{Message: "unexpected data after the operation array"}
	}
	return ops, nil
}
