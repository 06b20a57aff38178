package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/grpc/metadata"

	eventbus "github.com/hanpama/graphstream/internal/eventbus"
	events "github.com/hanpama/graphstream/internal/events"
)

// HTTP forwards operations to an upstream GraphQL-over-HTTP endpoint. Outgoing
// gRPC metadata in the context is forwarded as request headers, so the same
// header forwarding configuration applies to both remote engine kinds.
type HTTP struct {
	url    string
	client *http.Client
	max    int64
}

type HTTPOption func(*HTTP)

func WithHTTPClient(c *http.Client) HTTPOption { return func(h *HTTP) { h.client = c } }
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) { h.client = &http.Client{Timeout: d} }
}

// WithMaxResponseBytes bounds how much of an upstream response is read.
func WithMaxResponseBytes(n int64) HTTPOption { return func(h *HTTP) { h.max = n } }

func NewHTTP(url string, opts ...HTTPOption) *HTTP {
	h := &HTTP{url: url, client: &http.Client{Timeout: 10 * time.Second}, max: 64 << 20}
	for _, f := range opts {
		f(h)
	}
	return h
}

type httpRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func (h *HTTP) Execute(ctx context.Context, req Request) (res *Result, err error) {
	body, err := json.Marshal(httpRequest(req))
	if err != nil {
		return nil, fmt.Errorf("engine: encode request: %w", err)
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Accept", "application/json")
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		for k, vs := range md {
			for _, v := range vs {
				hr.Header.Add(k, v)
			}
		}
	}

	start := time.Now()
	status := 0
	eventbus.Publish(ctx, events.EngineCallStart{Kind: "http", Target: h.url, OperationName: req.OperationName})
	defer func() {
		eventbus.Publish(ctx, events.EngineCallFinish{
			Kind:          "http",
			Target:        h.url,
			OperationName: req.OperationName,
			Status:        http.StatusText(status),
			Err:           err,
			Duration:      time.Since(start),
		})
	}()

	resp, err := h.client.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("engine: upstream: %w", err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.max))
	if err != nil {
		return nil, fmt.Errorf("engine: read upstream response: %w", err)
	}
	res, err = DecodeResult(data)
	if err != nil {
		// A non-2xx status without a GraphQL body is a transport failure.
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("engine: upstream status %d", resp.StatusCode)
		}
		return nil, err
	}
	return res, nil
}
