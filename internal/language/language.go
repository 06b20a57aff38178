package language

import (
	"errors"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

// ParseQuery parses source without validating it against a schema.
func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, wrap(err)
	}
	return doc, nil
}

// LoadSchema parses and validates SDL, adding the built-in scalars and
// introspection types.
func LoadSchema(name, source string) (*Schema, error) {
	s, err := gqlparser.LoadSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, wrap(err)
	}
	return s, nil
}

// Validate parses query and checks it against schema. A nil result means the
// document is valid.
func Validate(schema *Schema, query string) (*QueryDocument, []*Error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return nil, []*Error{wrap(err)}
	}
	list := validator.ValidateWithRules(schema, doc, nil)
	if len(list) == 0 {
		return doc, nil
	}
	out := make([]*Error, len(list))
	for i, e := range list {
		out[i] = fromGQLError(e)
	}
	return nil, out
}

// OperationType returns "query", "mutation" or "subscription" for the
// operation selected by name, or "" when the query cannot be parsed or the
// selection is ambiguous.
func OperationType(query, operationName string) string {
	doc, err := ParseQuery(query)
	if err != nil {
		return ""
	}
	op := doc.Operations.ForName(operationName)
	if op == nil {
		return ""
	}
	return string(op.Operation)
}

func wrap(err error) *Error {
	var ge *gqlerror.Error
	if errors.As(err, &ge) {
		return fromGQLError(ge)
	}
	return &Error{Message: err.Error()}
}
