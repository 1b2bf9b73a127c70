// Package trace is the producer side of emtrace.
//
// A Registry holds every format-info block in a section image whose
// offsets are the blocks' identities. A Tracer writes the magic header
// followed by records: the identity of a block and the raw bytes of each
// argument. No text is formatted on this side.
package trace
