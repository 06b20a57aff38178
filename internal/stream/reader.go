package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/hanpama/graphstream/internal/value"
)

// ErrTruncated is returned by Reader.Next when the input ends before the
// closing frame, which is how a cancelled stream looks to its reader.
var ErrTruncated = errors.New("stream: truncated response")

// Reader decodes the envelopes written by Writer, one line at a time, so each
// entry is available as soon as its line has arrived.
type Reader struct {
	r      *bufio.Reader
	opened bool
	closed bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next envelope. It returns io.EOF after the closing frame
// and ErrTruncated if the input ends without one.
func (r *Reader) Next() (Envelope, error) {
	for {
		if r.closed {
			return Envelope{}, io.EOF
		}
		line, err := r.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return Envelope{}, ErrTruncated
			}
			return Envelope{}, err
		}
		line = bytes.TrimSpace(line)
		// Entries may carry a trailing separator when written compactly.
		line = bytes.TrimSpace(bytes.TrimSuffix(line, []byte(",")))
		switch {
		case len(line) == 0:
			continue
		case !r.opened:
			if string(line) != "[" {
				return Envelope{}, fmt.Errorf("stream: expected opening frame, got %q", truncate(line))
			}
			r.opened = true
			continue
		case string(line) == "]":
			r.closed = true
			return Envelope{}, io.EOF
		}
		return ParseEnvelope(line)
	}
}

type wireEnvelope struct {
	Index      *int                       `json:"index"`
	Result     json.RawMessage            `json:"result"`
	StoreDelta map[string]json.RawMessage `json:"storeDelta"`
}

// ParseEnvelope decodes a single {"index","result","storeDelta"} line.
func ParseEnvelope(line []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(line, &w); err != nil {
		return Envelope{}, fmt.Errorf("stream: invalid entry: %w", err)
	}
	if w.Index == nil || w.Result == nil {
		return Envelope{}, errors.New("stream: entry without index or result")
	}
	env := Envelope{Index: *w.Index}
	var err error
	if env.Result, err = value.Decode(w.Result); err != nil {
		return Envelope{}, fmt.Errorf("stream: entry %d: %w", env.Index, err)
	}
	if len(w.StoreDelta) > 0 {
		env.StoreDelta = make(map[string]value.Value, len(w.StoreDelta))
		for k, raw := range w.StoreDelta {
			v, err := value.Decode(raw)
			if err != nil {
				return Envelope{}, fmt.Errorf("stream: entry %d: store delta %q: %w", env.Index, k, err)
			}
			env.StoreDelta[k] = v
		}
	}
	return env, nil
}

func truncate(b []byte) string {
	if len(b) > 32 {
		return string(b[:32]) + "..."
	}
	return string(b)
}
