// Package server exposes a batch.Controller over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hanpama/graphstream/internal/batch"
	eventbus "github.com/hanpama/graphstream/internal/eventbus"
	events "github.com/hanpama/graphstream/internal/events"
	reqid "github.com/hanpama/graphstream/internal/reqid"
)

// ErrBatchTimeout is the cancellation cause when Options.Timeout expires.
var ErrBatchTimeout = errors.New("server: batch timeout")

// Handler is an http.Handler that serves the streaming batch endpoint.
type Handler struct {
	ctrl *batch.Controller
	opt  Options
}

type Options struct {
	// Timeout bounds the whole batch. When it expires the stream is
	// cancelled. 0 means no timeout.
	Timeout time.Duration

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CrossSiteOrigin is the URL of the trusted companion site. Requests
	// whose Origin has the same hostname get CORS headers. Empty disables
	// CORS.
	CrossSiteOrigin string

	// ContextBuilder derives the context operations run with. Defaults to a
	// HeaderForwarder without extra headers.
	ContextBuilder ContextBuilder

	// OnComplete is called exactly once per batch request, with the error
	// that ended it or nil after a complete response.
	OnComplete func(ctx context.Context, err error)

	Logger *slog.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option  { return func(o *Options) { o.Timeout = d } }
func WithMaxBodyBytes(n int64) Option     { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCrossSiteOrigin(u string) Option { return func(o *Options) { o.CrossSiteOrigin = u } }
func WithContextBuilder(b ContextBuilder) Option {
	return func(o *Options) { o.ContextBuilder = b }
}
func WithOnComplete(f func(context.Context, error)) Option {
	return func(o *Options) { o.OnComplete = f }
}
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// New creates a handler that runs batches with ctrl.
func New(ctrl *batch.Controller, opts ...Option) *Handler {
	op := Options{MaxBodyBytes: 1 << 20}
	for _, f := range opts {
		f(&op)
	}
	if op.ContextBuilder == nil {
		op.ContextBuilder = HeaderForwarder{}
	}
	if op.Logger == nil {
		op.Logger = slog.Default()
	}
	return &Handler{ctrl: ctrl, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, rid := reqid.NewContext(r.Context())
	r = r.WithContext(ctx)
	w.Header().Set("X-Request-Id", rid)

	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	crossSite := isCrossSiteRequest(r, h.opt.CrossSiteOrigin)
	if crossSite {
		setCORSHeaders(w, r)
	}

	if r.Method == http.MethodOptions {
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		writeError(w, status, "method not allowed")
		return
	}

	if h.opt.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opt.MaxBodyBytes)
	}
	ops, rerr := parseRequest(r, h.ctrl)
	if rerr != nil {
		status = rerr.status
		writeError(w, status, rerr.message)
		eventbus.Publish(ctx, events.BatchRejected{Err: rerr})
		h.complete(ctx, rerr)
		return
	}

	opCtx, err := h.opt.ContextBuilder.BuildContext(r)
	if err != nil {
		status = http.StatusUnauthorized
		h.opt.Logger.WarnContext(ctx, "context construction failed", "request_id", rid, "error", err)
		writeError(w, status, err.Error())
		h.complete(ctx, err)
		return
	}
	if h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeoutCause(opCtx, h.opt.Timeout, ErrBatchTimeout)
		defer cancel()
	}

	// Errors are reported per operation in the body; the status is always
	// 200 once streaming starts.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	_ = h.ctrl.Dispatch(opCtx, ops, w, func(err error) { h.complete(ctx, err) })
}

func (h *Handler) complete(ctx context.Context, err error) {
	if h.opt.OnComplete != nil {
		h.opt.OnComplete(ctx, err)
	}
}

type specError struct {
	Message string `json:"message"`
}

type specResult struct {
	Data   any         `json:"data"`
	Errors []specError `json:"errors"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(specResult{Errors: []specError{{Message: message}}})
}
