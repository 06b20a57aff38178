package language

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Location is a 1-based line/column in the query source.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is a GraphQL syntax or validation error in response shape.
type Error struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func fromGQLError(ge *gqlerror.Error) *Error {
	out := &Error{Message: ge.Message}
	for _, l := range ge.Locations {
		out.Locations = append(out.Locations, Location{Line: l.Line, Column: l.Column})
	}
	for _, p := range ge.Path {
		switch el := p.(type) {
		case ast.PathIndex:
			out.Path = append(out.Path, int(el))
		case ast.PathName:
			out.Path = append(out.Path, string(el))
		}
	}
	if len(ge.Extensions) > 0 {
		out.Extensions = make(map[string]any, len(ge.Extensions))
		for k, v := range ge.Extensions {
			out.Extensions[k] = v
		}
	}
	if ge.Rule != "" {
		if out.Extensions == nil {
			out.Extensions = map[string]any{}
		}
		out.Extensions["rule"] = ge.Rule
	}
	return out
}
