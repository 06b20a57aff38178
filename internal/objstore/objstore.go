// Package objstore deduplicates identity-bearing objects across the results
// of one batch.
//
// A Store lives exactly as long as one request. It is never shared between
// requests: a store that outlived its batch would make one client's response
// reference objects that only another client has received.
package objstore

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/hanpama/graphstream/internal/value"
)

// RefKey is the single key of a reference object: {"__ref": "<refId>"}.
const RefKey = "__ref"

// ErrUnknownRef is returned by Hydrate for a reference missing from the
// object table.
var ErrUnknownRef = errors.New("objstore: unknown reference")

// Identity decides which objects qualify for deduplication.
type Identity struct {
	// TypenameKey names the field carrying the object's type.
	TypenameKey string
	// IDKeys are tried in order; the first scalar string or number wins.
	IDKeys []string
}

// DefaultIdentity matches GraphQL objects that select __typename together
// with _id or id.
var DefaultIdentity = Identity{TypenameKey: "__typename", IDKeys: []string{"_id", "id"}}

// of returns the type and id of o, or ok=false when o carries no identity.
func (id Identity) of(o value.Object) (typename, key string, ok bool) {
	tn, isStr := o[id.TypenameKey].(value.String)
	if !isStr || tn == "" {
		return "", "", false
	}
	for _, k := range id.IDKeys {
		switch v := o[k].(type) {
		case value.String:
			if v != "" {
				return string(tn), string(v), true
			}
		case value.Number:
			return string(tn), string(v), true
		}
	}
	return "", "", false
}

type fingerprint struct {
	typename string
	id       string
	hash     uint64
}

type entry struct {
	ref   string
	canon []byte
}

// Store is the append-only fingerprint → reference id table of one batch.
// It is safe for concurrent use; each ExtractAndSubstitute call holds the
// lock for the whole walk so reference numbering is deterministic.
type Store struct {
	identity Identity

	mu       sync.Mutex
	entries  map[fingerprint][]entry
	variants map[string]int      // "Type:id" -> next suffix to try
	issued   map[string]struct{} // every reference id handed out
	size     int
}

type Option func(*Store)

// WithIdentity overrides DefaultIdentity.
func WithIdentity(id Identity) Option {
	return func(s *Store) {
		if id.TypenameKey != "" && len(id.IDKeys) > 0 {
			s.identity = id
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		identity: DefaultIdentity,
		entries:  make(map[fingerprint][]entry),
		variants: make(map[string]int),
		issued:   make(map[string]struct{}),
	}
	for _, f := range opts {
		f(s)
	}
	return s
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// ExtractAndSubstitute rewrites tree, replacing every qualifying object with
// a reference. Objects not seen before in this store are returned in delta
// keyed by their new reference id; delta is empty when nothing new was found.
//
// Children are processed before their parent, so a stored object refers to
// its nested identity objects by reference as well.
func (s *Store) ExtractAndSubstitute(tree value.Value) (substituted value.Value, delta map[string]value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta = map[string]value.Value{}
	substituted = s.walk(tree, delta)
	return substituted, delta
}

func (s *Store) walk(v value.Value, delta map[string]value.Value) value.Value {
	switch t := v.(type) {
	case value.Array:
		out := make(value.Array, len(t))
		for i, e := range t {
			out[i] = s.walk(e, delta)
		}
		return out
	case value.Object:
		out := make(value.Object, len(t))
		// Sorted so that nested objects are interned in a stable order.
		for _, k := range t.SortedKeys() {
			out[k] = s.walk(t[k], delta)
		}
		typename, id, ok := s.identity.of(out)
		if !ok {
			return out
		}
		return value.Object{RefKey: value.String(s.intern(typename, id, out, delta))}
	default:
		return v
	}
}

func (s *Store) intern(typename, id string, obj value.Object, delta map[string]value.Value) string {
	canon := value.Marshal(obj)
	fp := fingerprint{typename: typename, id: id, hash: xxhash.Sum64(canon)}
	for _, e := range s.entries[fp] {
		if bytes.Equal(e.canon, canon) {
			return e.ref
		}
	}

	// Raw ids and typenames may themselves contain ':' or '~', so a
	// candidate can already belong to a different identity.
	base := typename + ":" + id
	ref := base
	for n := s.variants[base]; ; n++ {
		if n > 0 {
			ref = fmt.Sprintf("%s~%d", base, n+1)
		}
		if _, taken := s.issued[ref]; !taken {
			s.variants[base] = n + 1
			break
		}
	}
	s.issued[ref] = struct{}{}
	s.entries[fp] = append(s.entries[fp], entry{ref: ref, canon: canon})
	s.size++
	delta[ref] = obj
	return ref
}

// RefOf returns the reference id when v is a reference object.
func RefOf(v value.Value) (string, bool) {
	o, ok := v.(value.Object)
	if !ok || len(o) != 1 {
		return "", false
	}
	ref, ok := o[RefKey].(value.String)
	return string(ref), ok
}

// Hydrate is the inverse of ExtractAndSubstitute: it replaces references in
// tree with the objects in table, recursively.
func Hydrate(tree value.Value, table map[string]value.Value) (value.Value, error) {
	return hydrate(tree, table, 0)
}

// A stored object only ever references objects interned before it, so depth
// is bounded by the table size unless the table was tampered with.
func hydrate(v value.Value, table map[string]value.Value, depth int) (value.Value, error) {
	if depth > len(table)+1 {
		return nil, fmt.Errorf("objstore: reference cycle")
	}
	if ref, ok := RefOf(v); ok {
		obj, found := table[ref]
		if !found {
			return nil, fmt.Errorf("%w %q", ErrUnknownRef, ref)
		}
		return hydrate(obj, table, depth+1)
	}
	switch t := v.(type) {
	case value.Array:
		out := make(value.Array, len(t))
		for i, e := range t {
			h, err := hydrate(e, table, depth)
			if err != nil {
				return nil, err
			}
			out[i] = h
		}
		return out, nil
	case value.Object:
		out := make(value.Object, len(t))
		for k, e := range t {
			h, err := hydrate(e, table, depth)
			if err != nil {
				return nil, err
			}
			out[k] = h
		}
		return out, nil
	}
	return v, nil
}
