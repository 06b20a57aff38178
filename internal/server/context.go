package server

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc/metadata"

	reqid "github.com/hanpama/graphstream/internal/reqid"
)

// RequestIDMetadataKey carries the request id to the engine.
const RequestIDMetadataKey = "graphql-request-id"

// ContextBuilder derives the context a batch's operations run with from the
// incoming request, typically resolving the caller's session. A non-nil
// error rejects the request before anything is streamed.
type ContextBuilder interface {
	BuildContext(r *http.Request) (context.Context, error)
}

// ContextBuilderFunc adapts a function to ContextBuilder.
type ContextBuilderFunc func(r *http.Request) (context.Context, error)

func (f ContextBuilderFunc) BuildContext(r *http.Request) (context.Context, error) { return f(r) }

// HeaderForwarder copies the listed request headers, plus the request id,
// into outgoing metadata. Both engine transports forward that metadata.
// Header names are case-insensitive.
type HeaderForwarder struct {
	Headers []string
}

func (f HeaderForwarder) BuildContext(r *http.Request) (context.Context, error) {
	md := metadata.MD{}
	if len(f.Headers) > 0 {
		allowed := make(map[string]struct{}, len(f.Headers))
		for _, hdr := range f.Headers {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	if rid, ok := reqid.FromContext(r.Context()); ok {
		md[RequestIDMetadataKey] = []string{rid}
	}
	return metadata.NewOutgoingContext(r.Context(), md), nil
}
