package value

import (
	"strconv"
	"unicode/utf8"
)

// Marshal encodes v as compact JSON with object keys in SortedKeys order.
// The output is a pure function of the tree, which makes it usable as a
// content fingerprint. HTML characters are not escaped.
func Marshal(v Value) []byte {
	return Append(nil, v)
}

// Append is Marshal into an existing buffer.
func Append(buf []byte, v Value) []byte {
	switch t := v.(type) {
	case nil, Null:
		return append(buf, "null"...)
	case Bool:
		return strconv.AppendBool(buf, bool(t))
	case Number:
		if t == "" {
			return append(buf, '0')
		}
		return append(buf, t...)
	case String:
		return appendString(buf, string(t))
	case Array:
		buf = append(buf, '[')
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = Append(buf, e)
		}
		return append(buf, ']')
	case Object:
		buf = append(buf, '{')
		for i, k := range t.SortedKeys() {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendString(buf, k)
			buf = append(buf, ':')
			buf = Append(buf, t[k])
		}
		return append(buf, '}')
	}
	return append(buf, "null"...)
}

func (n Null) MarshalJSON() ([]byte, error)   { return Marshal(n), nil }
func (b Bool) MarshalJSON() ([]byte, error)   { return Marshal(b), nil }
func (n Number) MarshalJSON() ([]byte, error) { return Marshal(n), nil }
func (s String) MarshalJSON() ([]byte, error) { return Marshal(s), nil }
func (a Array) MarshalJSON() ([]byte, error)  { return Marshal(a), nil }
func (o Object) MarshalJSON() ([]byte, error) { return Marshal(o), nil }

const hex = "0123456789abcdef"

func appendString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	start := 0
	for i := 0; i < len(s); {
		b := s[i]
		if b < utf8.RuneSelf {
			if b >= 0x20 && b != '"' && b != '\\' {
				i++
				continue
			}
			buf = append(buf, s[start:i]...)
			switch b {
			case '"', '\\':
				buf = append(buf, '\\', b)
			case '\n':
				buf = append(buf, '\\', 'n')
			case '\r':
				buf = append(buf, '\\', 'r')
			case '\t':
				buf = append(buf, '\\', 't')
			default:
				buf = append(buf, '\\', 'u', '0', '0', hex[b>>4], hex[b&0xF])
			}
			i++
			start = i
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf = append(buf, s[start:i]...)
			buf = append(buf, `\ufffd`...)
			i += size
			start = i
			continue
		}
		// U+2028 and U+2029 break JavaScript string literals.
		if r == '\u2028' || r == '\u2029' {
			buf = append(buf, s[start:i]...)
			buf = append(buf, '\\', 'u', '2', '0', '2', hex[r&0xF])
			i += size
			start = i
			continue
		}
		i += size
	}
	buf = append(buf, s[start:]...)
	return append(buf, '"')
}
