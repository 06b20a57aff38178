package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when an HTTP request is received.
// Context carries the request context.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted when the handler returns. For streamed batches this
// is after the last byte was written or the client went away.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Duration time.Duration
}
