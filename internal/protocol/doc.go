// Package protocol owns the emtrace wire contract and parsing primitives.
//
// Ownership boundary:
// - calibration (native size_t/pointer widths, byte order, sentinels)
// - magic header encode/decode
// - format-info block encode/parse
//
// Record encoding lives in internal/trace, record decoding in
// internal/decode, and the format language in protocol/pyfmt.
package protocol
