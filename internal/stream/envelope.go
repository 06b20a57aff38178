package stream

import (
	"slices"
	"strconv"

	"github.com/hanpama/graphstream/internal/value"
)

// Envelope is one completed operation on the wire.
type Envelope struct {
	Index      int
	Result     value.Value
	StoreDelta map[string]value.Value
}

// AppendJSON encodes e as {"index":N,"result":...,"storeDelta":{...}}.
// storeDelta is omitted when empty and its keys are written sorted.
func (e Envelope) AppendJSON(buf []byte) []byte {
	buf = append(buf, `{"index":`...)
	buf = strconv.AppendInt(buf, int64(e.Index), 10)
	buf = append(buf, `,"result":`...)
	buf = value.Append(buf, e.Result)
	if len(e.StoreDelta) > 0 {
		buf = append(buf, `,"storeDelta":{`...)
		keys := make([]string, 0, len(e.StoreDelta))
		for k := range e.StoreDelta {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = value.Append(buf, value.String(k))
			buf = append(buf, ':')
			buf = value.Append(buf, e.StoreDelta[k])
		}
		buf = append(buf, '}')
	}
	return append(buf, '}')
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return e.AppendJSON(nil), nil
}
