package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hanpama/graphstream/internal/language"
	"github.com/hanpama/graphstream/internal/value"
)

// InternalErrorMessage replaces the details of any engine failure on the wire.
const InternalErrorMessage = "Internal server error"

// Location is a position in the query source.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Failure is one GraphQL error.
type Failure struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (f Failure) Error() string { return f.Message }

// Tree renders f in GraphQL response shape. Path elements or extension values
// that are not JSON-shaped are stringified rather than dropped.
func (f Failure) Tree() value.Value {
	o := value.Object{"message": value.String(f.Message)}
	if len(f.Locations) > 0 {
		locs := make(value.Array, len(f.Locations))
		for i, l := range f.Locations {
			locs[i] = value.Object{
				"line":   value.MustFromAny(l.Line),
				"column": value.MustFromAny(l.Column),
			}
		}
		o["locations"] = locs
	}
	if len(f.Path) > 0 {
		path := make(value.Array, len(f.Path))
		for i, p := range f.Path {
			path[i] = lenient(p)
		}
		o["path"] = path
	}
	if len(f.Extensions) > 0 {
		ext := make(value.Object, len(f.Extensions))
		for k, v := range f.Extensions {
			ext[k] = lenient(v)
		}
		o["extensions"] = ext
	}
	return o
}

func lenient(v any) value.Value {
	out, err := value.FromAny(v)
	if err != nil {
		return value.String(fmt.Sprint(v))
	}
	return out
}

// FromLanguageErrors converts parse or validation errors into failures.
func FromLanguageErrors(errs []*language.Error) []Failure {
	out := make([]Failure, len(errs))
	for i, e := range errs {
		f := Failure{Message: e.Message, Path: e.Path, Extensions: e.Extensions}
		for _, l := range e.Locations {
			f.Locations = append(f.Locations, Location{Line: l.Line, Column: l.Column})
		}
		out[i] = f
	}
	return out
}

// Result is what an engine returns for one operation. Data is nil when the
// response has no data entry at all (as opposed to value.Null{}).
type Result struct {
	Data   value.Value
	Errors []Failure
}

// Tree renders r as {"data":...,"errors":[...]}, omitting absent parts.
func (r *Result) Tree() value.Value {
	o := value.Object{}
	if r.Data != nil {
		o["data"] = r.Data
	}
	if len(r.Errors) > 0 {
		o["errors"] = FailureTree(r.Errors...)
	}
	return o
}

// FailureTree renders failures as a GraphQL errors array.
func FailureTree(failures ...Failure) value.Array {
	out := make(value.Array, len(failures))
	for i, f := range failures {
		out[i] = f.Tree()
	}
	return out
}

// InternalErrorTree is the result substituted for an operation whose engine
// call failed.
func InternalErrorTree() value.Value {
	return value.Object{"errors": FailureTree(Failure{Message: InternalErrorMessage})}
}

// Tree renders an outcome for the wire. Engine failures never leak details.
func (o Outcome) Tree() value.Value {
	if o.Failed() {
		return InternalErrorTree()
	}
	return o.Result.Tree()
}

type wireResult struct {
	Data   json.RawMessage `json:"data"`
	Errors []Failure       `json:"errors"`
}

// DecodeResult parses a GraphQL-over-HTTP style response body.
func DecodeResult(body []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var w wireResult
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("engine: decode result: %w", err)
	}
	res := &Result{Errors: w.Errors}
	if len(w.Data) > 0 {
		data, err := value.Decode(w.Data)
		if err != nil {
			return nil, fmt.Errorf("engine: decode data: %w", err)
		}
		res.Data = data
	}
	if res.Data == nil && len(res.Errors) == 0 {
		return nil, fmt.Errorf("engine: result has neither data nor errors")
	}
	return res, nil
}
