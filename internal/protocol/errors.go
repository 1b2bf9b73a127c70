package protocol

import "errors"

var (
	ErrBadSignature         = errors.New("protocol: bad magic signature")
	ErrUnsupportedWidth     = errors.New("protocol: unsupported width")
	ErrUnknownByteOrder     = errors.New("protocol: unknown byte order")
	ErrUnknownBlock         = errors.New("protocol: unknown format info block")
	ErrTruncatedStream      = errors.New("protocol: truncated stream")
	ErrUnterminatedValue    = errors.New("protocol: unterminated value")
	ErrFieldIndexOutOfRange = errors.New("protocol: field index out of range")
	ErrUnknownTypeName      = errors.New("protocol: unknown type name")
	ErrUnsupportedFormatter = errors.New("protocol: unsupported formatter")
	ErrTooFewArguments      = errors.New("protocol: too few arguments")
	ErrFormatSyntax         = errors.New("protocol: format syntax error")
	ErrMalformedBlock       = errors.New("protocol: malformed format info block")
	ErrSentinelSize         = errors.New("protocol: type size collides with sentinel")
)
