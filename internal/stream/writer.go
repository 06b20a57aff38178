// Package stream frames completed operations as an incrementally written JSON
// array:
//
//	[
//	{"index":0,"result":{...}}
//	,
//	{"index":2,"result":{...},"storeDelta":{...}}
//	]
//
// One envelope per line, separators on their own line, so readers can parse
// the body line by line as well as a regular JSON array.
package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned by WriteEntry after Close.
var ErrClosed = errors.New("stream: writer closed")

const (
	openFrame  = "[\n"
	separator  = ",\n"
	closeFrame = "]\n"
)

// State is the framing state of a Writer.
type State int

const (
	Idle State = iota
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Writer owns the framing of one response body. All methods are safe to call
// from concurrent goroutines; framing transitions are serialized by mu.
//
// Once cancelled (explicitly or after a failed write) the writer never touches
// the sink again.
type Writer struct {
	mu         sync.Mutex
	w          io.Writer
	flush      func() error
	state      State
	wroteEntry bool
	cancelled  bool
	entries    int
	buf        []byte
}

// NewWriter frames output onto w. If w can flush (http.Flusher, or anything
// with FlushError), every frame is flushed as soon as it is written.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	switch f := w.(type) {
	case interface{ FlushError() error }:
		sw.flush = f.FlushError
	case interface{ Flush() error }:
		sw.flush = f.Flush
	case interface{ Flush() }:
		sw.flush = func() error { f.Flush(); return nil }
	}
	return sw
}

// Open writes the opening bracket on first call. Later calls do nothing.
func (w *Writer) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openLocked()
}

func (w *Writer) openLocked() error {
	if w.cancelled || w.state != Idle {
		return nil
	}
	if err := w.emit(openFrame); err != nil {
		return err
	}
	w.state = Streaming
	return nil
}

// WriteEntry writes env, preceded by a separator unless it is the first entry.
// It opens the array if needed and does nothing once cancelled.
func (w *Writer) WriteEntry(env Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return nil
	}
	if w.state == Closed {
		return ErrClosed
	}
	if err := w.openLocked(); err != nil {
		return err
	}
	buf := w.buf[:0]
	if w.wroteEntry {
		buf = append(buf, separator...)
	}
	buf = env.AppendJSON(buf)
	buf = append(buf, '\n')
	w.buf = buf
	if err := w.emitBytes(buf); err != nil {
		return err
	}
	w.wroteEntry = true
	w.entries++
	return nil
}

// Close terminates the array exactly once. An unopened writer is opened first
// so an empty batch still yields a valid empty array. It does nothing once
// cancelled or already closed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled || w.state == Closed {
		return nil
	}
	if err := w.openLocked(); err != nil {
		return err
	}
	if err := w.emit(closeFrame); err != nil {
		return err
	}
	w.state = Closed
	return nil
}

// Cancel suppresses all further output, including the closing bracket.
func (w *Writer) Cancel() {
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
}

func (w *Writer) Cancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Entries returns how many envelopes have been written.
func (w *Writer) Entries() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries
}

func (w *Writer) emit(s string) error {
	w.buf = append(w.buf[:0], s...)
	return w.emitBytes(w.buf)
}

// emitBytes writes and flushes p. A failed write or flush means the sink is
// gone; the writer cancels itself rather than leave a half-written frame to
// be followed by more output.
func (w *Writer) emitBytes(p []byte) error {
	if _, err := w.w.Write(p); err != nil {
		w.cancelled = true
		return fmt.Errorf("stream: write: %w", err)
	}
	if w.flush != nil {
		if err := w.flush(); err != nil {
			w.cancelled = true
			return fmt.Errorf("stream: flush: %w", err)
		}
	}
	return nil
}
