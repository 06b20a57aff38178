package language

import "github.com/vektah/gqlparser/v2/ast"

type (
	QueryDocument = ast.QueryDocument
	Schema        = ast.Schema
)
