package batch

import (
	"context"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hanpama/graphstream/internal/engine"
	eventbus "github.com/hanpama/graphstream/internal/eventbus"
	events "github.com/hanpama/graphstream/internal/events"
	"github.com/hanpama/graphstream/internal/language"
	"github.com/hanpama/graphstream/internal/objstore"
	"github.com/hanpama/graphstream/internal/reqid"
	"github.com/hanpama/graphstream/internal/stream"
)

// MissingQueryMessage is reported for an operation without a query.
const MissingQueryMessage = "missing 'query'"

// DefaultNoisyErrorMessages are operation-reported errors that are expected
// in normal traffic and not worth a log line.
var DefaultNoisyErrorMessages = []string{
	"app.operation_not_allowed",
	"app.missing_document",
	"app.document_not_found",
}

type Options struct {
	// MaxOperations rejects larger batches as a whole. 0 means unlimited.
	MaxOperations int

	// MaxConcurrency caps engine calls running at once for one batch.
	// 0 means every operation starts immediately.
	MaxConcurrency int

	Logger *slog.Logger

	// NoisyErrorMessages lists operation-reported error messages that are
	// not logged.
	NoisyErrorMessages []string

	Identity objstore.Identity
}

type Option func(*Options)

func WithMaxOperations(n int) Option  { return func(o *Options) { o.MaxOperations = n } }
func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}
func WithNoisyErrorMessages(msgs ...string) Option {
	return func(o *Options) { o.NoisyErrorMessages = msgs }
}
func WithIdentity(id objstore.Identity) Option { return func(o *Options) { o.Identity = id } }

// Controller runs batches against one engine. It holds no per-request state
// and is safe for concurrent use.
type Controller struct {
	eng   engine.Engine
	opt   Options
	noisy map[string]struct{}
}

func New(eng engine.Engine, opts ...Option) *Controller {
	o := Options{
		MaxOperations:      100,
		NoisyErrorMessages: DefaultNoisyErrorMessages,
		Identity:           objstore.DefaultIdentity,
	}
	for _, f := range opts {
		f(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	noisy := make(map[string]struct{}, len(o.NoisyErrorMessages))
	for _, m := range o.NoisyErrorMessages {
		noisy[m] = struct{}{}
	}
	return &Controller{eng: eng, opt: o, noisy: noisy}
}

// Parse reads a batch body using the controller's operation limit.
func (c *Controller) Parse(body io.Reader) ([]Operation, error) {
	return ParseBatch(body, c.opt.MaxOperations)
}

// Handle parses body and streams the results of its operations to sink.
// A parse error is returned before anything is written to sink. onComplete,
// when non-nil, is called exactly once with the error that ended the request,
// or nil after the closing frame was written.
func (c *Controller) Handle(ctx context.Context, body io.Reader, sink io.Writer, onComplete func(error)) error {
	ops, err := c.Parse(body)
	if err != nil {
		c.opt.Logger.WarnContext(ctx, "rejected batch", "request_id", requestID(ctx), "error", err)
		eventbus.Publish(ctx, events.BatchRejected{Err: err})
		if onComplete != nil {
			onComplete(err)
		}
		return err
	}
	return c.Dispatch(ctx, ops, sink, onComplete)
}

// completion is what an operation goroutine hands to the consumer loop.
type completion struct {
	index    int
	op       Operation
	opType   string
	outcome  engine.Outcome
	duration time.Duration
}

// streamState is owned by the consumer loop of one Dispatch call. The
// framing flags (opening frame written, any entry written) live in the
// stream.Writer, which serializes them itself.
type streamState struct {
	nextIndex              int
	inFlight               int
	requestFullyDispatched bool
	cancelled              bool
	closed                 bool
}

func (s *streamState) dispatch() int {
	i := s.nextIndex
	s.nextIndex++
	s.inFlight++
	return i
}

func (s *streamState) complete() { s.inFlight-- }

func (s *streamState) canClose() bool {
	return s.requestFullyDispatched && s.inFlight == 0 && !s.cancelled && !s.closed
}

// Dispatch runs ops concurrently and streams one envelope per operation to
// sink in completion order. It returns once the array is closed or the
// request is cancelled, either through ctx or because sink stopped accepting
// writes; the returned error is the cancellation cause. Operations still
// running at that point finish in the background and their results are
// dropped.
func (c *Controller) Dispatch(ctx context.Context, ops []Operation, sink io.Writer, onComplete func(error)) (err error) {
	start := time.Now()
	w := stream.NewWriter(sink)
	store := objstore.New(objstore.WithIdentity(c.opt.Identity))
	st := &streamState{}

	eventbus.Publish(ctx, events.BatchStart{Operations: len(ops)})
	defer func() {
		eventbus.Publish(ctx, events.BatchFinish{
			Operations: len(ops),
			Entries:    w.Entries(),
			Cancelled:  st.cancelled,
			Err:        err,
			Duration:   time.Since(start),
		})
		if onComplete != nil {
			onComplete(err)
		}
	}()

	cancel := func(cause error) error {
		st.cancelled = true
		w.Cancel()
		c.opt.Logger.InfoContext(ctx, "batch cancelled",
			"request_id", requestID(ctx),
			"pending", st.inFlight,
			"error", cause,
		)
		return cause
	}

	if err := w.Open(); err != nil {
		return cancel(err)
	}

	// Results are written by this goroutine only. The buffer lets every
	// operation deliver its completion even after the loop below has
	// stopped reading.
	done := make(chan completion, len(ops))
	var sem *semaphore.Weighted
	if c.opt.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(c.opt.MaxConcurrency))
	}
	for _, op := range ops {
		go c.run(ctx, sem, st.dispatch(), op, done)
	}
	st.requestFullyDispatched = true

	for {
		if st.canClose() {
			if err := w.Close(); err != nil {
				return cancel(err)
			}
			st.closed = true
			return nil
		}
		select {
		case <-ctx.Done():
			return cancel(context.Cause(ctx))
		case cpl := <-done:
			st.complete()
			if ctx.Err() != nil {
				return cancel(context.Cause(ctx))
			}
			if err := c.emit(ctx, w, store, cpl); err != nil {
				return cancel(err)
			}
		}
	}
}

// run executes one operation. The engine call is detached from request
// cancellation; when the request goes away its result is simply never read.
func (c *Controller) run(ctx context.Context, sem *semaphore.Weighted, index int, op Operation, done chan<- completion) {
	cpl := completion{index: index, op: op}
	// Nothing reaches the engine, so no concurrency slot is taken.
	if op.Query == "" {
		cpl.outcome = engine.Outcome{Result: &engine.Result{Errors: []engine.Failure{{Message: MissingQueryMessage}}}}
		done <- cpl
		return
	}
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			cpl.outcome = engine.Outcome{Err: err}
			done <- cpl
			return
		}
		defer sem.Release(1)
	}

	opCtx := reqid.WithIndex(context.WithoutCancel(ctx), index)

	cpl.opType = language.OperationType(op.Query, op.OperationName)
	start := time.Now()
	eventbus.Publish(opCtx, events.OperationStart{Index: index, OperationName: op.OperationName, OperationType: cpl.opType})
	cpl.outcome = engine.Execute(opCtx, c.eng, op.Request())
	cpl.duration = time.Since(start)

	fin := events.OperationFinish{
		Index:         index,
		OperationName: op.OperationName,
		OperationType: cpl.opType,
		Failed:        cpl.outcome.Failed(),
		Err:           cpl.outcome.Err,
		Duration:      cpl.duration,
	}
	if cpl.outcome.Result != nil {
		fin.Errors = len(cpl.outcome.Result.Errors)
	}
	eventbus.Publish(opCtx, fin)
	done <- cpl
}

// emit deduplicates the outcome of cpl against store and writes its
// envelope.
func (c *Controller) emit(ctx context.Context, w *stream.Writer, store *objstore.Store, cpl completion) error {
	c.logOutcome(ctx, cpl)

	tree, delta := store.ExtractAndSubstitute(cpl.outcome.Tree())
	if len(delta) > 0 {
		eventbus.Publish(reqid.WithIndex(ctx, cpl.index), events.ObjectsStored{Index: cpl.index, New: len(delta)})
	}
	return w.WriteEntry(stream.Envelope{Index: cpl.index, Result: tree, StoreDelta: delta})
}

func (c *Controller) logOutcome(ctx context.Context, cpl completion) {
	if cpl.outcome.Failed() {
		c.opt.Logger.ErrorContext(ctx, "operation failed",
			"request_id", requestID(ctx),
			"index", cpl.index,
			"operation", cpl.op.OperationName,
			"error", cpl.outcome.Err,
		)
		return
	}
	for _, f := range cpl.outcome.Result.Errors {
		if _, ok := c.noisy[f.Message]; ok {
			continue
		}
		c.opt.Logger.WarnContext(ctx, "operation reported error",
			"request_id", requestID(ctx),
			"index", cpl.index,
			"operation", cpl.op.OperationName,
			"message", f.Message,
			"path", f.Path,
		)
	}
}

func requestID(ctx context.Context) string {
	id, _ := reqid.FromContext(ctx)
	return id
}
