// Package client sends batches to a streaming GraphQL endpoint and delivers
// each operation's result as soon as its entry arrives, with store references
// already resolved.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hanpama/graphstream/internal/batch"
	"github.com/hanpama/graphstream/internal/objstore"
	"github.com/hanpama/graphstream/internal/stream"
	"github.com/hanpama/graphstream/internal/value"
)

// ErrMissingResult is reported for every operation the response ended
// without.
var ErrMissingResult = errors.New("client: missing response for batched operation")

// StatusError is a batch rejected before streaming started.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: status %d: %s", e.StatusCode, e.Message)
}

// Result is the outcome of one operation of a batch. Data is the operation's
// GraphQL result with references hydrated. Err is set instead when no usable
// result arrived.
type Result struct {
	Index int
	Data  value.Value
	Err   error
}

type Client struct {
	url    string
	http   *http.Client
	header http.Header
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithHeader adds a header sent with every batch.
func WithHeader(key, val string) Option {
	return func(cl *Client) { cl.header.Add(key, val) }
}

func New(url string, opts ...Option) *Client {
	c := &Client{url: url, http: http.DefaultClient, header: http.Header{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do posts ops as one batch and calls onResult exactly once per operation:
// when its entry arrives, or with an error once the response ended without
// it. The returned error describes why the batch as a whole failed.
func (c *Client) Do(ctx context.Context, ops []batch.Operation, onResult func(Result)) error {
	finished := make([]bool, len(ops))
	deliver := func(r Result) {
		finished[r.Index] = true
		onResult(r)
	}
	err := c.do(ctx, ops, deliver)
	for i, done := range finished {
		if done {
			continue
		}
		missing := fmt.Errorf("%w %d", ErrMissingResult, i)
		if err != nil {
			missing = fmt.Errorf("%w: %w", missing, err)
		}
		onResult(Result{Index: i, Err: missing})
	}
	return err
}

func (c *Client) do(ctx context.Context, ops []batch.Operation, deliver func(Result)) error {
	if ops == nil {
		ops = []batch.Operation{}
	}
	body, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("client: encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, vs := range c.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	seen := make([]bool, len(ops))
	store := map[string]value.Value{}
	r := stream.NewReader(resp.Body)
	for {
		env, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if env.Index < 0 || env.Index >= len(ops) || seen[env.Index] {
			continue
		}
		seen[env.Index] = true
		// Deltas are merged even if hydrating this entry fails, since later
		// entries may reference them.
		for k, v := range env.StoreDelta {
			if _, ok := v.(value.Object); ok {
				store[k] = v
			}
		}
		data, err := objstore.Hydrate(env.Result, store)
		if err != nil {
			deliver(Result{Index: env.Index, Err: err})
			continue
		}
		deliver(Result{Index: env.Index, Data: data})
	}
}

func statusError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil && len(body.Errors) > 0 {
		se.Message = body.Errors[0].Message
	}
	return se
}
