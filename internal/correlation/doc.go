// Package correlation pairs requests with their eventual responses by an
// opaque id.
//
// A Table holds one Pending entry per outstanding id:
//
//	p, err := table.Register(id)   // ErrDuplicate if id is outstanding
//	...
//	table.Resolve(id, value)       // delivers once, removes the entry
//	v, err := p.Wait(ctx)          // ErrCancelled if the entry was cancelled
//
// Ids are never interpreted. A Resolve for an unknown id reports false and is
// otherwise ignored, so late or duplicate responses are harmless.
//
// Table is safe for concurrent use.
package correlation
