package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphstream/internal/batch"
	"github.com/hanpama/graphstream/internal/engine"
	"github.com/hanpama/graphstream/internal/server"
	"github.com/hanpama/graphstream/internal/stream"
	"github.com/hanpama/graphstream/internal/value"
)

func user() value.Object {
	return value.Object{"__typename": value.String("User"), "_id": value.String("u1"), "name": value.String("Ann")}
}

func forumEngine() engine.Engine {
	return engine.Func(func(_ context.Context, req engine.Request) (*engine.Result, error) {
		switch req.OperationName {
		case "Post":
			return &engine.Result{Data: value.Object{"post": value.Object{
				"__typename": value.String("Post"),
				"_id":        value.String("p1"),
				"author":     user(),
			}}}, nil
		case "Me":
			return &engine.Result{Data: value.Object{"me": user()}}, nil
		}
		return &engine.Result{Errors: []engine.Failure{{Message: "unknown operation"}}}, nil
	})
}

type collector struct {
	mu      sync.Mutex
	results map[int]Result
	calls   int
}

func (c *collector) add(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = map[int]Result{}
	}
	c.calls++
	c.results[r.Index] = r
}

func TestDoHydratesResults(t *testing.T) {
	srv := httptest.NewServer(server.New(batch.New(forumEngine())))
	defer srv.Close()

	var got collector
	err := New(srv.URL).Do(context.Background(), []batch.Operation{
		{OperationName: "Post", Query: "query Post { post { _id author { _id name } } }"},
		{OperationName: "Me", Query: "query Me { me { _id name } }"},
		{OperationName: "Nope", Query: "query Nope { nope }"},
	}, got.add)
	require.NoError(t, err)
	require.Equal(t, 3, got.calls)

	post := got.results[0]
	require.NoError(t, post.Err)
	assert.Equal(t, value.Object{"data": value.Object{"post": value.Object{
		"__typename": value.String("Post"),
		"_id":        value.String("p1"),
		"author":     user(),
	}}}, post.Data)

	me := got.results[1]
	require.NoError(t, me.Err)
	assert.Equal(t, value.Object{"data": value.Object{"me": user()}}, me.Data)

	nope := got.results[2]
	require.NoError(t, nope.Err)
	errs := nope.Data.(value.Object)["errors"].(value.Array)
	assert.Equal(t, value.String("unknown operation"), errs[0].(value.Object)["message"])
}

func TestDoSendsHeaders(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		_, _ = w.Write([]byte("[\n]\n"))
	}))
	defer srv.Close()

	err := New(srv.URL, WithHeader("Authorization", "Bearer t")).Do(context.Background(), nil, func(Result) {
		t.Fatal("no results expected")
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer t", seen.Get("Authorization"))
	assert.Equal(t, "application/json; charset=utf-8", seen.Get("Content-Type"))
}

func TestDoReportsMissingResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sw := stream.NewWriter(w)
		_ = sw.WriteEntry(stream.Envelope{Index: 1, Result: value.Object{"data": value.Null{}}})
		sw.Cancel()
	}))
	defer srv.Close()

	var got collector
	err := New(srv.URL).Do(context.Background(), []batch.Operation{
		{Query: "{ a }"}, {Query: "{ b }"}, {Query: "{ c }"},
	}, got.add)
	require.ErrorIs(t, err, stream.ErrTruncated)
	require.Equal(t, 3, got.calls)

	assert.NoError(t, got.results[1].Err)
	for _, i := range []int{0, 2} {
		assert.True(t, errors.Is(got.results[i].Err, ErrMissingResult), "index %d: %v", i, got.results[i].Err)
	}
}

func TestDoIgnoresUnknownAndDuplicateIndices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sw := stream.NewWriter(w)
		_ = sw.WriteEntry(stream.Envelope{Index: 5, Result: value.Object{"data": value.Null{}}})
		_ = sw.WriteEntry(stream.Envelope{Index: 0, Result: value.Object{"data": value.Number("1")}})
		_ = sw.WriteEntry(stream.Envelope{Index: 0, Result: value.Object{"data": value.Number("2")}})
		_ = sw.Close()
	}))
	defer srv.Close()

	var got collector
	require.NoError(t, New(srv.URL).Do(context.Background(), []batch.Operation{{Query: "{ a }"}}, got.add))
	require.Equal(t, 1, got.calls)
	assert.Equal(t, value.Object{"data": value.Number("1")}, got.results[0].Data)
}

func TestDoStatusError(t *testing.T) {
	srv := httptest.NewServer(server.New(batch.New(forumEngine(), batch.WithMaxOperations(1))))
	defer srv.Close()

	var got collector
	err := New(srv.URL).Do(context.Background(), []batch.Operation{
		{Query: "{ a }"}, {Query: "{ b }"},
	}, got.add)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.NotEmpty(t, se.Message)
	require.Equal(t, 2, got.calls)
	assert.ErrorIs(t, got.results[0].Err, ErrMissingResult)
	assert.ErrorAs(t, got.results[1].Err, &se)
}

func TestDoUnknownReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sw := stream.NewWriter(w)
		_ = sw.WriteEntry(stream.Envelope{Index: 0, Result: value.Object{"data": value.Object{"__ref": value.String("User:zz")}}})
		_ = sw.Close()
	}))
	defer srv.Close()

	var got collector
	require.NoError(t, New(srv.URL).Do(context.Background(), []batch.Operation{{Query: "{ a }"}}, got.add))
	assert.Error(t, got.results[0].Err)
	assert.Nil(t, got.results[0].Data)
}
