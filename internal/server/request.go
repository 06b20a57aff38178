package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/hanpama/graphstream/internal/batch"
)

const errBodyTooLargeMessage = "body too large"

// requestError is a batch-fatal problem with the HTTP request. It is
// answered before any stream byte is written.
type requestError struct {
	status  int
	message string
	err     error
}

func (e *requestError) Error() string { return e.message }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(message string, err error) *requestError {
	return &requestError{status: http.StatusBadRequest, message: message, err: err}
}

// parseRequest reads the operations of r. A GET carrying a query parameter is
// a batch of one; any other request carries a JSON array body.
func parseRequest(r *http.Request, ctrl *batch.Controller) ([]batch.Operation, *requestError) {
	if r.Method == http.MethodGet {
		if q := r.URL.Query(); q.Has("query") {
			return parseQueryParams(q.Get("query"), q.Get("operationName"), q.Get("variables"))
		}
	}

	// The body is read as JSON whatever Content-Type it declares.
	defer r.Body.Close()

	ops, err := ctrl.Parse(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &requestError{status: http.StatusRequestEntityTooLarge, message: errBodyTooLargeMessage, err: err}
		}
		var pe *batch.ParseError
		if errors.As(err, &pe) {
			return nil, badRequest(pe.Message, err)
		}
		return nil, badRequest("failed to read body", err)
	}
	return ops, nil
}

func parseQueryParams(query, operationName, variables string) ([]batch.Operation, *requestError) {
	if query == "" {
		return nil, badRequest(batch.MissingQueryMessage, nil)
	}
	op := batch.Operation{Query: query, OperationName: operationName}
	if variables != "" {
		dec := json.NewDecoder(strings.NewReader(variables))
		dec.UseNumber()
		if err := dec.Decode(&op.Variables); err != nil {
			return nil, badRequest("invalid 'variables' JSON", err)
		}
	}
	return []batch.Operation{op}, nil
}
