package engine

import (
	"context"

	"github.com/hanpama/graphstream/internal/language"
)

// Validating checks every operation against schema before handing it to next.
// Invalid operations come back as operation-reported errors without data,
// and never reach next.
func Validating(schema *language.Schema, next Engine) Engine {
	return Func(func(ctx context.Context, req Request) (*Result, error) {
		doc, errs := language.Validate(schema, req.Query)
		if len(errs) > 0 {
			return &Result{Errors: FromLanguageErrors(errs)}, nil
		}
		if doc.Operations.ForName(req.OperationName) == nil {
			msg := "operation name is required when the document has several operations"
			if req.OperationName != "" {
				msg = "unknown operation named \"" + req.OperationName + "\""
			}
			return &Result{Errors: []Failure{{Message: msg}}}, nil
		}
		return next.Execute(ctx, req)
	})
}
