package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphstream/internal/engine"
	eventbus "github.com/hanpama/graphstream/internal/eventbus"
	events "github.com/hanpama/graphstream/internal/events"
	"github.com/hanpama/graphstream/internal/reqid"
)

// step scripts the engine's answer to one query.
type step struct {
	wait   <-chan struct{}
	result string
	err    error
	panic  any
}

type scriptEngine map[string]step

func (s scriptEngine) Execute(_ context.Context, req engine.Request) (*engine.Result, error) {
	st, ok := s[req.Query]
	if !ok {
		return nil, fmt.Errorf("unexpected query %q", req.Query)
	}
	if st.wait != nil {
		<-st.wait
	}
	if st.panic != nil {
		panic(st.panic)
	}
	if st.err != nil {
		return nil, st.err
	}
	return engine.DecodeResult([]byte(st.result))
}

// hookWriter records everything written and calls onWrite after each write.
type hookWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	onWrite func(p []byte)
}

func (h *hookWriter) Write(p []byte) (int, error) {
	h.mu.Lock()
	n, err := h.buf.Write(p)
	h.mu.Unlock()
	if h.onWrite != nil {
		h.onWrite(p)
	}
	return n, err
}

func (h *hookWriter) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bytes.Clone(h.buf.Bytes())
}

// releaseOn closes ch the first time an entry for index is written.
func releaseOn(index int, ch chan struct{}) func(p []byte) {
	var once sync.Once
	marker := []byte(fmt.Sprintf(`{"index":%d,`, index))
	return func(p []byte) {
		if bytes.Contains(p, marker) {
			once.Do(func() { close(ch) })
		}
	}
}

type completionRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (c *completionRecorder) done(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *completionRecorder) calls() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func ops(queries ...string) string {
	parts := make([]string, len(queries))
	for i, q := range queries {
		parts[i] = fmt.Sprintf(`{"query":%q}`, q)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

type wireEntry struct {
	Index      int                        `json:"index"`
	Result     map[string]json.RawMessage `json:"result"`
	StoreDelta map[string]json.RawMessage `json:"storeDelta"`
}

func decodeEntries(t *testing.T, b []byte) []wireEntry {
	t.Helper()
	var out []wireEntry
	require.NoError(t, json.Unmarshal(b, &out), "output must be a complete JSON array:\n%s", b)
	return out
}

func TestScenarios(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		engine  func(release chan struct{}) scriptEngine
		release int // entry index whose write releases gated steps, -1 for none
	}{
		{
			name:    "empty",
			body:    `[]`,
			engine:  func(chan struct{}) scriptEngine { return scriptEngine{} },
			release: -1,
		},
		{
			name: "single",
			body: ops("A"),
			engine: func(chan struct{}) scriptEngine {
				return scriptEngine{"A": {result: `{"data":{"hello":"world"}}`}}
			},
			release: -1,
		},
		{
			name: "completion_order",
			body: ops("A", "B"),
			engine: func(release chan struct{}) scriptEngine {
				return scriptEngine{
					"A": {wait: release, result: `{"data":{"a":1}}`},
					"B": {result: `{"data":{"b":2}}`},
				}
			},
			release: 1,
		},
		{
			name: "dedup",
			body: ops("A", "B"),
			engine: func(release chan struct{}) scriptEngine {
				return scriptEngine{
					"A": {result: `{"data":{"post":{"__typename":"Post","_id":"p1","author":{"__typename":"User","_id":"u1","name":"Ann"}}}}`},
					"B": {wait: release, result: `{"data":{"me":{"name":"Ann","_id":"u1","__typename":"User"}}}`},
				}
			},
			release: 0,
		},
		{
			name: "engine_failure",
			body: ops("A"),
			engine: func(chan struct{}) scriptEngine {
				return scriptEngine{"A": {panic: "resolver exploded"}}
			},
			release: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			sink := &hookWriter{}
			if tt.release >= 0 {
				sink.onWrite = releaseOn(tt.release, release)
			}
			rec := &completionRecorder{}
			c := New(tt.engine(release), WithLogger(quietLogger()))

			err := c.Handle(context.Background(), strings.NewReader(tt.body), sink, rec.done)
			require.NoError(t, err)
			assert.Equal(t, []error{nil}, rec.calls())
			goldie.New(t).Assert(t, tt.name, sink.Bytes())
		})
	}
}

func TestEngineErrorBecomesInternalError(t *testing.T) {
	sink := &hookWriter{}
	c := New(scriptEngine{"A": {err: errors.New("connection refused")}}, WithLogger(quietLogger()))
	require.NoError(t, c.Handle(context.Background(), strings.NewReader(ops("A")), sink, nil))
	goldie.New(t).Assert(t, "engine_failure", sink.Bytes())
}

func TestFailureIsolation(t *testing.T) {
	eng := scriptEngine{
		"ok0":   {result: `{"data":{"n":0}}`},
		"ok1":   {result: `{"data":{"n":1}}`},
		"panic": {panic: errors.New("nil map")},
		"error": {err: errors.New("timeout")},
		"ok4":   {result: `{"data":{"n":4}}`},
	}
	sink := &hookWriter{}
	c := New(eng, WithLogger(quietLogger()))
	require.NoError(t, c.Handle(context.Background(), strings.NewReader(ops("ok0", "ok1", "panic", "error", "ok4")), sink, nil))

	entries := decodeEntries(t, sink.Bytes())
	require.Len(t, entries, 5)
	got := map[int]string{}
	for _, e := range entries {
		if errs, ok := e.Result["errors"]; ok {
			got[e.Index] = string(errs)
		} else {
			got[e.Index] = string(e.Result["data"])
		}
	}
	internal := `[{"message":"Internal server error"}]`
	want := map[int]string{0: `{"n":0}`, 1: `{"n":1}`, 2: internal, 3: internal, 4: `{"n":4}`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestReportedErrorsPassThrough(t *testing.T) {
	eng := scriptEngine{
		"A": {result: `{"data":{"post":null},"errors":[{"message":"app.document_not_found","path":["post"],"extensions":{"code":"NOT_FOUND"}}]}`},
	}
	sink := &hookWriter{}
	c := New(eng, WithLogger(quietLogger()))
	body := `[{"query":"A"},{"operationName":"NoQuery"}]`
	require.NoError(t, c.Handle(context.Background(), strings.NewReader(body), sink, nil))

	entries := decodeEntries(t, sink.Bytes())
	require.Len(t, entries, 2)
	byIndex := map[int]wireEntry{}
	for _, e := range entries {
		byIndex[e.Index] = e
	}
	assert.JSONEq(t, `{"post":null}`, string(byIndex[0].Result["data"]))
	assert.JSONEq(t,
		`[{"message":"app.document_not_found","path":["post"],"extensions":{"code":"NOT_FOUND"}}]`,
		string(byIndex[0].Result["errors"]))
	assert.JSONEq(t, `[{"message":"missing 'query'"}]`, string(byIndex[1].Result["errors"]))
	_, hasData := byIndex[1].Result["data"]
	assert.False(t, hasData)
}

func TestManyOperations(t *testing.T) {
	for _, limit := range []int{0, 1, 4} {
		t.Run(fmt.Sprintf("concurrency=%d", limit), func(t *testing.T) {
			const n = 40
			eng := engine.Func(func(ctx context.Context, req engine.Request) (*engine.Result, error) {
				idx, ok := reqid.IndexFromContext(ctx)
				if !ok {
					return nil, errors.New("no index in context")
				}
				time.Sleep(time.Duration((n-idx)%7) * time.Millisecond)
				return engine.DecodeResult([]byte(fmt.Sprintf(
					`{"data":{"i":%d,"shared":{"__typename":"Config","id":"global","v":1}}}`, idx)))
			})
			queries := make([]string, n)
			for i := range queries {
				queries[i] = fmt.Sprintf("{ q%d }", i)
			}
			sink := &hookWriter{}
			c := New(eng, WithLogger(quietLogger()), WithMaxConcurrency(limit))
			require.NoError(t, c.Handle(context.Background(), strings.NewReader(ops(queries...)), sink, nil))

			entries := decodeEntries(t, sink.Bytes())
			require.Len(t, entries, n)
			seen := map[int]bool{}
			deltas := 0
			for _, e := range entries {
				assert.False(t, seen[e.Index], "index %d written twice", e.Index)
				seen[e.Index] = true
				assert.JSONEq(t, fmt.Sprintf(`{"i":%d,"shared":{"__ref":"Config:global"}}`, e.Index), string(e.Result["data"]))
				if _, ok := e.StoreDelta["Config:global"]; ok {
					deltas++
				}
			}
			assert.Len(t, seen, n)
			assert.Equal(t, 1, deltas, "shared object must be sent exactly once")
			// The delta is carried by the first entry on the wire.
			assert.Contains(t, entries[0].StoreDelta, "Config:global")
		})
	}
}

func TestMaxConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	eng := engine.Func(func(context.Context, engine.Request) (*engine.Result, error) {
		cur := running.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return &engine.Result{}, nil
	})
	sink := &hookWriter{}
	c := New(eng, WithLogger(quietLogger()), WithMaxConcurrency(2))
	require.NoError(t, c.Handle(context.Background(), strings.NewReader(ops("a", "b", "c", "d", "e", "f")), sink, nil))
	assert.Len(t, decodeEntries(t, sink.Bytes()), 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestMissingQueryTakesNoConcurrencySlot(t *testing.T) {
	release := make(chan struct{})
	eng := scriptEngine{"{ slow }": {wait: release, result: `{"data":{"slow":1}}`}}
	sink := &hookWriter{onWrite: releaseOn(1, release)}
	c := New(eng, WithLogger(quietLogger()), WithMaxConcurrency(1))

	errc := make(chan error, 1)
	go func() {
		errc <- c.Handle(context.Background(), strings.NewReader(`[{"query":"{ slow }"},{"operationName":"Q"}]`), sink, nil)
	}()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("operation without a query waited for the slot held by { slow }")
	}

	entries := decodeEntries(t, sink.Bytes())
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Index)
	assert.Contains(t, string(entries[0].Result["errors"]), MissingQueryMessage)
	assert.Equal(t, 0, entries[1].Index)
}

func TestMaxOperations(t *testing.T) {
	sink := &hookWriter{}
	rec := &completionRecorder{}
	c := New(scriptEngine{}, WithLogger(quietLogger()), WithMaxOperations(2))
	err := c.Handle(context.Background(), strings.NewReader(ops("a", "b", "c")), sink, rec.done)
	assert.ErrorIs(t, err, ErrTooManyOperations)
	assert.Empty(t, sink.Bytes())
	require.Len(t, rec.calls(), 1)
	assert.ErrorIs(t, rec.calls()[0], ErrTooManyOperations)
}

func TestParseErrorWritesNothing(t *testing.T) {
	sink := &hookWriter{}
	rec := &completionRecorder{}
	c := New(scriptEngine{}, WithLogger(quietLogger()))
	err := c.Handle(context.Background(), strings.NewReader(`{"query":"{ a }"}`), sink, rec.done)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, sink.Bytes())
	assert.Len(t, rec.calls(), 1)
}

func TestRejectedBatchEvents(t *testing.T) {
	bus := eventbus.New()
	var mu sync.Mutex
	var rejected []events.BatchRejected
	var starts, finishes int
	eventbus.On(bus, func(_ context.Context, e events.BatchRejected) { mu.Lock(); rejected = append(rejected, e); mu.Unlock() })
	eventbus.On(bus, func(context.Context, events.BatchStart) { mu.Lock(); starts++; mu.Unlock() })
	eventbus.On(bus, func(context.Context, events.BatchFinish) { mu.Lock(); finishes++; mu.Unlock() })
	defer eventbus.Use(eventbus.Use(bus))

	c := New(scriptEngine{}, WithLogger(quietLogger()), WithMaxOperations(1))
	for _, body := range []string{`{"query":"{ a }"}`, ops("a", "b")} {
		err := c.Handle(context.Background(), strings.NewReader(body), &hookWriter{}, nil)
		require.Error(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rejected, 2)
	var pe *ParseError
	assert.ErrorAs(t, rejected[0].Err, &pe)
	assert.ErrorIs(t, rejected[1].Err, ErrTooManyOperations)
	assert.Zero(t, starts)
	assert.Zero(t, finishes)
}

func TestCancellation(t *testing.T) {
	clientGone := errors.New("client went away")
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	release := make(chan struct{})
	finished := make(chan struct{})
	eng := engine.Func(func(execCtx context.Context, req engine.Request) (*engine.Result, error) {
		if req.Query == "slow" {
			<-release
			defer close(finished)
			// The engine keeps running after the request is gone.
			if execCtx.Err() != nil {
				return nil, execCtx.Err()
			}
		}
		return &engine.Result{Data: nil, Errors: []engine.Failure{{Message: req.Query}}}, nil
	})

	sink := &hookWriter{}
	var once sync.Once
	sink.onWrite = func(p []byte) {
		if bytes.Contains(p, []byte(`"index":0,`)) {
			once.Do(func() { cancel(clientGone) })
		}
	}
	rec := &completionRecorder{}
	c := New(eng, WithLogger(quietLogger()))
	err := c.Handle(ctx, strings.NewReader(ops("fast", "slow")), sink, rec.done)
	assert.ErrorIs(t, err, clientGone)

	written := sink.Bytes()
	close(release)
	<-finished
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, written, sink.Bytes(), "no bytes may follow cancellation")
	assert.False(t, bytes.HasSuffix(written, []byte("]\n")))
	assert.Contains(t, string(written), `"index":0`)
	assert.NotContains(t, string(written), `"index":1`)

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.ErrorIs(t, calls[0], clientGone)
}

type brokenSink struct {
	writes int
}

func (b *brokenSink) Write(p []byte) (int, error) {
	b.writes++
	if b.writes > 1 {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestWriteFailureCancels(t *testing.T) {
	sink := &brokenSink{}
	rec := &completionRecorder{}
	c := New(scriptEngine{
		"A": {result: `{"data":{"a":1}}`},
		"B": {result: `{"data":{"b":1}}`},
	}, WithLogger(quietLogger()))
	err := c.Handle(context.Background(), strings.NewReader(ops("A", "B")), sink, rec.done)
	require.ErrorContains(t, err, "broken pipe")
	assert.Equal(t, 2, sink.writes, "the writer must stop after the failed write")
	require.Len(t, rec.calls(), 1)
	assert.ErrorContains(t, rec.calls()[0], "broken pipe")
}

func TestNoisyErrorsAreNotLogged(t *testing.T) {
	var logs bytes.Buffer
	eng := scriptEngine{
		"A": {result: `{"data":null,"errors":[{"message":"app.document_not_found"}]}`},
		"B": {result: `{"data":null,"errors":[{"message":"field exploded"}]}`},
		"C": {err: errors.New("dial tcp: refused")},
	}
	c := New(eng, WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	ctx, rid := reqid.NewContext(context.Background())
	require.NoError(t, c.Handle(ctx, strings.NewReader(ops("A", "B", "C")), &hookWriter{}, nil))

	out := logs.String()
	assert.NotContains(t, out, "app.document_not_found")
	assert.Contains(t, out, "field exploded")
	assert.Contains(t, out, "dial tcp: refused")
	assert.Contains(t, out, rid)
}

func TestEvents(t *testing.T) {
	bus := eventbus.New()
	var mu sync.Mutex
	var starts []events.BatchStart
	var finishes []events.BatchFinish
	var opFinishes []events.OperationFinish
	var stored []events.ObjectsStored
	eventbus.On(bus, func(_ context.Context, e events.BatchStart) { mu.Lock(); starts = append(starts, e); mu.Unlock() })
	eventbus.On(bus, func(_ context.Context, e events.BatchFinish) { mu.Lock(); finishes = append(finishes, e); mu.Unlock() })
	eventbus.On(bus, func(_ context.Context, e events.OperationFinish) { mu.Lock(); opFinishes = append(opFinishes, e); mu.Unlock() })
	eventbus.On(bus, func(_ context.Context, e events.ObjectsStored) { mu.Lock(); stored = append(stored, e); mu.Unlock() })
	defer eventbus.Use(eventbus.Use(bus))

	eng := scriptEngine{
		"query A { a }":    {result: `{"data":{"a":{"__typename":"A","id":1}}}`},
		"mutation B { b }": {result: `{"errors":[{"message":"no"}]}`},
	}
	c := New(eng, WithLogger(quietLogger()))
	body := `[{"query":"query A { a }","operationName":"A"},{"query":"mutation B { b }"}]`
	require.NoError(t, c.Handle(context.Background(), strings.NewReader(body), &hookWriter{}, nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []events.BatchStart{{Operations: 2}}, starts)
	require.Len(t, finishes, 1)
	assert.Equal(t, 2, finishes[0].Entries)
	assert.False(t, finishes[0].Cancelled)
	assert.NoError(t, finishes[0].Err)

	require.Len(t, opFinishes, 2)
	types := map[int]string{}
	for _, f := range opFinishes {
		types[f.Index] = f.OperationType
		assert.False(t, f.Failed)
	}
	assert.Equal(t, map[int]string{0: "query", 1: "mutation"}, types)
	assert.Equal(t, []events.ObjectsStored{{Index: 0, New: 1}}, stored)
}
