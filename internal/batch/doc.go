// Package batch runs a batch of independent GraphQL operations and streams
// their results back as one JSON array.
//
// # Wire format
//
// The response body is an array whose elements are written one per line as
// soon as the matching operation completes:
//
//	[
//	{"index":0,"result":{...}}
//	,
//	{"index":2,"result":{...},"storeDelta":{...}}
//	,
//	{"index":1,"result":{"errors":[{"message":"Internal server error"}]}}
//	]
//
// Elements appear in completion order. Each carries the index of its
// operation in the request, and every index appears exactly once unless the
// request is cancelled, in which case the array is left unterminated.
//
// # Deduplication
//
// Objects that carry an identity (by default a __typename together with _id
// or id) are moved out of result trees into storeDelta and replaced in place
// by {"__ref":"<refId>"}. The object store is shared by every operation of
// the request, so an object already sent with one element is only referenced
// by later elements. A reader merges the deltas in wire order and resolves
// references against them (see objstore.Hydrate).
//
// # Failures
//
// A body that is not an array of operations fails the whole batch before
// anything is streamed. Everything else is isolated per operation: an engine
// error or panic turns into {"errors":[{"message":"Internal server error"}]}
// for that index only, and GraphQL errors reported by the engine pass through
// unchanged.
package batch
