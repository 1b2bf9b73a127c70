package decode

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/danmuck/emtrace/internal/protocol"
)

// RecordError reports a failure while decoding one record.
type RecordError struct {
	Ref    uint64
	Offset int64
	File   string
	Line   uint64
	Format string
	Err    error
}

func (e *RecordError) Error() string {
	loc := "unknown location"
	if e.File != "" {
		loc = e.File + ":" + strconv.FormatUint(e.Line, 10)
	}
	return fmt.Sprintf("decode: record at offset %d (ref %#x, %s): %v", e.Offset, e.Ref, loc, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Synchronized reports whether every byte of the record was consumed, so
// decoding can continue with the next record.
func (e *RecordError) Synchronized() bool {
	return !IsFatal(e.Err)
}

// IsFatal reports whether err leaves the stream at an unknown position.
func IsFatal(err error) bool {
	return errors.Is(err, protocol.ErrTruncatedStream) ||
		errors.Is(err, protocol.ErrUnterminatedValue) ||
		errors.Is(err, protocol.ErrUnknownBlock) ||
		errors.Is(err, protocol.ErrMalformedBlock) ||
		errors.Is(err, protocol.ErrBadSignature) ||
		errors.Is(err, protocol.ErrUnknownByteOrder)
}
