package trace

import (
	"bytes"
	"math"

	"github.com/danmuck/emtrace/internal/protocol"
)

// Kind is the in-memory argument type. Wire type names are derived from it.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindPointer
	KindChar
	KindCString
	KindBytes
)

var kindNames = map[Kind]string{
	KindBool:    "bool",
	KindInt8:    "int8_t",
	KindInt16:   "int16_t",
	KindInt32:   "int32_t",
	KindInt64:   "int64_t",
	KindUint8:   "uint8_t",
	KindUint16:  "uint16_t",
	KindUint32:  "uint32_t",
	KindUint64:  "uint64_t",
	KindFloat32: "float",
	KindFloat64: "double",
	KindPointer: "void*",
	KindChar:    "char",
	KindCString: "string",
	KindBytes:   "bytes",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// TypeName is the type name recorded in format-info blocks.
func (k Kind) TypeName() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k Kind) String() string { return k.TypeName() }

// Size is the declared wire size of k for producer c.
func (k Kind) Size(c protocol.Calibration) protocol.Size {
	switch k {
	case KindBool, KindInt8, KindUint8, KindChar:
		return protocol.Fixed(1)
	case KindInt16, KindUint16:
		return protocol.Fixed(2)
	case KindInt32, KindUint32, KindFloat32:
		return protocol.Fixed(4)
	case KindInt64, KindUint64, KindFloat64:
		return protocol.Fixed(8)
	case KindPointer:
		return protocol.Fixed(uint64(c.Ptr))
	case KindCString:
		return protocol.Size{NullTerminated: true}
	case KindBytes:
		return protocol.Size{LengthPrefixed: true}
	default:
		return protocol.Size{}
	}
}

// Value is one trace argument. The zero Value is invalid.
type Value struct {
	kind Kind
	bits uint64
	data []byte
}

func Bool(v bool) Value {
	var b uint64
	if v {
		b = 1
	}
	return Value{kind: KindBool, bits: b}
}

func Int8(v int8) Value       { return Value{kind: KindInt8, bits: uint64(v)} }
func Int16(v int16) Value     { return Value{kind: KindInt16, bits: uint64(v)} }
func Int32(v int32) Value     { return Value{kind: KindInt32, bits: uint64(v)} }
func Int64(v int64) Value     { return Value{kind: KindInt64, bits: uint64(v)} }
func Uint8(v uint8) Value     { return Value{kind: KindUint8, bits: uint64(v)} }
func Uint16(v uint16) Value   { return Value{kind: KindUint16, bits: uint64(v)} }
func Uint32(v uint32) Value   { return Value{kind: KindUint32, bits: uint64(v)} }
func Uint64(v uint64) Value   { return Value{kind: KindUint64, bits: v} }
func Float32(v float32) Value { return Value{kind: KindFloat32, bits: uint64(math.Float32bits(v))} }
func Float64(v float64) Value { return Value{kind: KindFloat64, bits: math.Float64bits(v)} }
func Pointer(v uintptr) Value { return Value{kind: KindPointer, bits: uint64(v)} }
func Char(v byte) Value       { return Value{kind: KindChar, bits: uint64(v)} }

// String is a NUL-terminated argument. Bytes after an embedded NUL are
// not transmitted.
func String(v string) Value {
	b := []byte(v)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return Value{kind: KindCString, data: b}
}

// Bytes is a length-prefixed argument.
func Bytes(v []byte) Value {
	return Value{kind: KindBytes, data: append([]byte(nil), v...)}
}

func (v Value) Kind() Kind { return v.kind }

// WireLen is the number of payload bytes v occupies for producer c.
func (v Value) WireLen(c protocol.Calibration) int {
	switch v.kind {
	case KindCString:
		return len(v.data) + 1
	case KindBytes:
		return c.Size + len(v.data)
	default:
		return int(v.kind.Size(c).Bytes)
	}
}

// AppendTo appends v's payload in producer order.
func (v Value) AppendTo(dst []byte, c protocol.Calibration) []byte {
	switch v.kind {
	case KindCString:
		dst = append(dst, v.data...)
		return append(dst, 0)
	case KindBytes:
		dst = c.AppendSize(dst, uint64(len(v.data)))
		return append(dst, v.data...)
	case KindPointer:
		return c.AppendPtr(dst, v.bits)
	}
	var buf [8]byte
	n := int(v.kind.Size(c).Bytes)
	switch n {
	case 1:
		buf[0] = byte(v.bits)
	case 2:
		c.Order.PutUint16(buf[:2], uint16(v.bits))
	case 4:
		c.Order.PutUint32(buf[:4], uint32(v.bits))
	case 8:
		c.Order.PutUint64(buf[:8], v.bits)
	}
	return append(dst, buf[:n]...)
}
