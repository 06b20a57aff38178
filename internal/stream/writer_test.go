package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphstream/internal/value"
)

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

type failingWriter struct {
	n    int
	fail int
}

func (f *failingWriter) Write(p []byte) (int, error) {
	f.n++
	if f.n >= f.fail {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func result(data string) value.Value {
	return value.Object{"data": value.Object{"v": value.String(data)}}
}

func TestEmptyArray(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Close())
	goldie.New(t).Assert(t, "empty", buf.Bytes())
	assert.Equal(t, Closed, w.State())
}

func TestFramingGolden(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteEntry(Envelope{Index: 0, Result: result("a")}))
	require.NoError(t, w.WriteEntry(Envelope{
		Index:  2,
		Result: value.Object{"data": value.Object{"me": value.Object{"__ref": value.String("User:u1")}}},
		StoreDelta: map[string]value.Value{
			"User:u1": value.Object{"__typename": value.String("User"), "_id": value.String("u1")},
		},
	}))
	require.NoError(t, w.WriteEntry(Envelope{
		Index:  1,
		Result: value.Object{"errors": value.Array{value.Object{"message": value.String("Internal server error")}}},
	}))
	require.NoError(t, w.Close())
	goldie.New(t).Assert(t, "three_entries", buf.Bytes())
}

func TestOpenAndCloseAreIdempotent(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Open())
	require.NoError(t, w.Open())
	assert.Equal(t, Streaming, w.State())
	require.NoError(t, w.WriteEntry(Envelope{Index: 0, Result: result("a")}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.NoError(t, w.Open())

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "[\n"))
	assert.Equal(t, 1, strings.Count(out, "]\n"))
	assert.True(t, json.Valid(buf.Bytes()))
}

func TestWriteAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Close())
	before := buf.Len()
	assert.ErrorIs(t, w.WriteEntry(Envelope{Index: 0, Result: result("late")}), ErrClosed)
	assert.Equal(t, before, buf.Len())
}

func TestCancelSuppressesOutput(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteEntry(Envelope{Index: 0, Result: result("a")}))
	written := buf.String()

	w.Cancel()
	assert.True(t, w.Cancelled())
	require.NoError(t, w.WriteEntry(Envelope{Index: 1, Result: result("b")}))
	require.NoError(t, w.Close())
	assert.Equal(t, written, buf.String())
	assert.Equal(t, Streaming, w.State())
}

func TestWriteErrorCancels(t *testing.T) {
	fw := &failingWriter{fail: 2}
	w := NewWriter(fw)
	require.NoError(t, w.Open())
	err := w.WriteEntry(Envelope{Index: 0, Result: result("a")})
	require.Error(t, err)
	assert.True(t, w.Cancelled())

	calls := fw.n
	require.NoError(t, w.Close())
	assert.Equal(t, calls, fw.n)
}

func TestFlushesEveryFrame(t *testing.T) {
	fr := &flushRecorder{}
	w := NewWriter(fr)
	require.NoError(t, w.WriteEntry(Envelope{Index: 0, Result: result("a")}))
	require.NoError(t, w.WriteEntry(Envelope{Index: 1, Result: result("b")}))
	require.NoError(t, w.Close())
	// open, two entries, close
	assert.Equal(t, 4, fr.flushes)
}

func TestConcurrentEntries(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	const n = 64
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, w.WriteEntry(Envelope{Index: i, Result: result("x")}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	var got []struct {
		Index int `json:"index"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, n)
	seen := map[int]bool{}
	for _, e := range got {
		assert.False(t, seen[e.Index], "duplicate index %d", e.Index)
		seen[e.Index] = true
	}
	assert.Equal(t, n, w.Entries())
}

func TestEnvelopeOmitsEmptyDelta(t *testing.T) {
	b, err := json.Marshal(Envelope{Index: 3, Result: value.Null{}, StoreDelta: map[string]value.Value{}})
	require.NoError(t, err)
	assert.Equal(t, `{"index":3,"result":null}`, string(b))
}
