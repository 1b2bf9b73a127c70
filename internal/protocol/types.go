package protocol

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"strconv"
)

// Signature opens every emtrace stream and section image.
var Signature = [SignatureLen]byte{
	0xd1, 0x97, 0xf5, 0x22, 0xd9, 0x26, 0x9f, 0xd1,
	0xad, 0x70, 0x33, 0x92, 0xf6, 0x59, 0xdf, 0xd0,
	0xfb, 0xec, 0xbd, 0x60, 0x97, 0x13, 0x25, 0xe8,
	0x92, 0x01, 0xb2, 0x5a, 0x38, 0x5d, 0x9e, 0xc7,
}

const (
	SignatureLen = 32
	// PrefixLen covers the signature plus info_offset, size_width and ptr_width.
	PrefixLen = SignatureLen + 3
	// infoWords is the number of size_t words after info_offset.
	infoWords = 4
)

// Formatter selects how a block's format string is applied.
type Formatter uint64

const (
	FormatterPython Formatter = 0
	FormatterNone   Formatter = 1
	FormatterCStyle Formatter = 2
)

func (f Formatter) String() string {
	switch f {
	case FormatterPython:
		return "python"
	case FormatterNone:
		return "none"
	case FormatterCStyle:
		return "c-style"
	default:
		return "formatter(" + strconv.FormatUint(uint64(f), 10) + ")"
	}
}

// Widths are the producer's native size_t and pointer widths in bytes.
type Widths struct {
	Size int
	Ptr  int
}

func (w Widths) Validate() error {
	if !supportedWidth(w.Size) {
		return fmt.Errorf("%w: size_width %d", ErrUnsupportedWidth, w.Size)
	}
	if !supportedWidth(w.Ptr) {
		return fmt.Errorf("%w: ptr_width %d", ErrUnsupportedWidth, w.Ptr)
	}
	return nil
}

func supportedWidth(n int) bool {
	return n == 4 || n == 8
}

// Calibration is everything a decoder must know to read one producer's
// native fields.
type Calibration struct {
	Widths
	Order          binary.ByteOrder
	NullTerminated uint64
	LengthPrefixed uint64
	// Info is the header's info_offset. Zero selects the aligned default.
	Info int
}

// NewCalibration derives the sentinels for w and validates it.
func NewCalibration(w Widths, order binary.ByteOrder) (Calibration, error) {
	if err := w.Validate(); err != nil {
		return Calibration{}, err
	}
	if order == nil {
		return Calibration{}, ErrUnknownByteOrder
	}
	bitsN := uint(w.Size * 8)
	return Calibration{
		Widths:         w,
		Order:          canonicalOrder(order),
		NullTerminated: 1 << (bitsN - 1),
		LengthPrefixed: 1 << (bitsN - 2),
	}, nil
}

// NativeCalibration describes the running process.
func NativeCalibration() Calibration {
	c, err := NewCalibration(Widths{Size: strconv.IntSize / 8, Ptr: bits.UintSize / 8}, binary.NativeEndian)
	if err != nil {
		panic(err)
	}
	return c
}

// InfoOffset is the header offset of the info words. Unless a decoded
// header said otherwise it is the end of the fixed prefix rounded up to
// size_t alignment.
func (c Calibration) InfoOffset() int {
	if c.Info != 0 {
		return c.Info
	}
	return alignUp(PrefixLen, c.Size)
}

func (c Calibration) HeaderLen() int {
	return c.InfoOffset() + infoWords*c.Size
}

// MaxSize is the largest value a size_t field can hold.
func (c Calibration) MaxSize() uint64 {
	if c.Size == 8 {
		return ^uint64(0)
	}
	return 1<<(uint(c.Size)*8) - 1
}

func (c Calibration) OrderName() string {
	return ByteOrderName(c.Order)
}

func (c Calibration) String() string {
	return fmt.Sprintf("size_width=%d ptr_width=%d order=%s", c.Size, c.Ptr, c.OrderName())
}

// Equal reports whether two calibrations describe the same layout.
func (c Calibration) Equal(o Calibration) bool {
	return c.Widths == o.Widths && ByteOrderName(c.Order) == ByteOrderName(o.Order)
}

func (c Calibration) AppendSize(dst []byte, v uint64) []byte {
	return appendWord(dst, c.Order, c.Size, v)
}

func (c Calibration) AppendPtr(dst []byte, v uint64) []byte {
	return appendWord(dst, c.Order, c.Ptr, v)
}

// SizeAt reads a size_t field from b; b must hold at least Size bytes.
func (c Calibration) SizeAt(b []byte) uint64 {
	return readWord(b, c.Order, c.Size)
}

func (c Calibration) PtrAt(b []byte) uint64 {
	return readWord(b, c.Order, c.Ptr)
}

// SizeFor splits a raw type_size field into its fixed byte count and
// self-delimiting flags. Sentinel bits are masked, never compared.
func (c Calibration) SizeFor(raw uint64) Size {
	return Size{
		Bytes:          raw &^ (c.NullTerminated | c.LengthPrefixed),
		NullTerminated: raw&c.NullTerminated != 0,
		LengthPrefixed: raw&c.LengthPrefixed != 0,
	}
}

// Raw is the inverse of SizeFor.
func (c Calibration) Raw(s Size) uint64 {
	raw := s.Bytes
	if s.NullTerminated {
		raw |= c.NullTerminated
	}
	if s.LengthPrefixed {
		raw |= c.LengthPrefixed
	}
	return raw
}

// Size describes how many bytes one argument occupies on the wire.
type Size struct {
	Bytes          uint64
	NullTerminated bool
	LengthPrefixed bool
}

func Fixed(n uint64) Size { return Size{Bytes: n} }

func (s Size) Dynamic() bool {
	return s.NullTerminated || s.LengthPrefixed
}

func (s Size) String() string {
	switch {
	case s.NullTerminated:
		return "null-terminated"
	case s.LengthPrefixed:
		return "length-prefixed"
	default:
		return strconv.FormatUint(s.Bytes, 10)
	}
}

// Arg is one declared argument of a format-info block.
type Arg struct {
	TypeName string
	Size     Size
}

// FormatInfo is the in-memory form of a format-info block.
type FormatInfo struct {
	Format    string
	Formatter Formatter
	Args      []Arg
	File      string
	Line      uint64
}

// Location renders "file:line".
func (fi *FormatInfo) Location() string {
	return fi.File + ":" + strconv.FormatUint(fi.Line, 10)
}

func ByteOrderName(o binary.ByteOrder) string {
	switch o {
	case nil:
		return "unknown"
	case binary.LittleEndian:
		return "little"
	case binary.BigEndian:
		return "big"
	}
	var probe [2]byte
	o.PutUint16(probe[:], 0x0100)
	if probe[0] == 0 {
		return "little"
	}
	return "big"
}

func canonicalOrder(o binary.ByteOrder) binary.ByteOrder {
	if ByteOrderName(o) == "little" {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

func appendWord(dst []byte, order binary.ByteOrder, width int, v uint64) []byte {
	var buf [8]byte
	switch width {
	case 4:
		order.PutUint32(buf[:4], uint32(v))
	default:
		order.PutUint64(buf[:8], v)
	}
	return append(dst, buf[:width]...)
}

func readWord(b []byte, order binary.ByteOrder, width int) uint64 {
	if width == 4 {
		return uint64(order.Uint32(b[:4]))
	}
	return order.Uint64(b[:8])
}
