package decode

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/danmuck/emtrace/internal/protocol"
	"github.com/danmuck/emtrace/internal/protocol/pyfmt"
	"github.com/x448/float16"
)

// Value is one decoded argument. Raw excludes terminators and length
// prefixes.
type Value struct {
	TypeName string
	Kind     Kind
	Raw      []byte
	order    binary.ByteOrder
}

func (v Value) unsigned() (uint64, error) {
	n := len(v.Raw)
	if n == 0 || n > 8 {
		return 0, fmt.Errorf("%w: %d-byte %s", protocol.ErrUnsupportedWidth, n, v.TypeName)
	}
	var buf [8]byte
	if protocol.ByteOrderName(v.order) == "big" {
		copy(buf[8-n:], v.Raw)
		return binary.BigEndian.Uint64(buf[:]), nil
	}
	copy(buf[:n], v.Raw)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Int returns the value as sign and magnitude.
func (v Value) Int() (neg bool, mag uint64, err error) {
	u, err := v.unsigned()
	if err != nil {
		return false, 0, err
	}
	switch v.Kind {
	case KindSigned, KindSignedChar:
	default:
		return false, u, nil
	}
	shift := uint(64 - 8*len(v.Raw))
	s := int64(u<<shift) >> shift
	if s < 0 {
		return true, uint64(-(s + 1)) + 1, nil
	}
	return false, uint64(s), nil
}

func (v Value) Float() (float64, error) {
	u, err := v.unsigned()
	if err != nil {
		return 0, err
	}
	switch len(v.Raw) {
	case 2:
		return float64(float16.Frombits(uint16(u)).Float32()), nil
	case 4:
		return float64(math.Float32frombits(uint32(u))), nil
	case 8:
		return math.Float64frombits(u), nil
	default:
		return 0, fmt.Errorf("%w: %d-byte float", protocol.ErrUnsupportedWidth, len(v.Raw))
	}
}

func (v Value) Bool() bool {
	for _, b := range v.Raw {
		if b != 0 {
			return true
		}
	}
	return false
}

func (v Value) Text() string {
	return strings.ToValidUTF8(string(v.Raw), "�")
}

// FormatPy renders v under a python-style spec.
func (v Value) FormatPy(s pyfmt.Spec) (string, error) {
	switch v.Kind {
	case KindString:
		return pyfmt.FormatString(v.Text(), s)
	case KindBytes:
		if s.Type == 0 || s.Type == 's' {
			return pyfmt.FormatString(hex.EncodeToString(v.Raw), s)
		}
		return "", fmt.Errorf("%w: bytes support only 's'", protocol.ErrFormatSyntax)
	case KindBool:
		return pyfmt.FormatBool(v.Bool(), s)
	case KindFloat:
		f, err := v.Float()
		if err != nil {
			return "", err
		}
		return pyfmt.FormatFloat(f, s)
	}

	neg, mag, err := v.Int()
	if err != nil {
		return "", err
	}
	switch v.Kind {
	case KindChar, KindSignedChar:
		return pyfmt.FormatChar(neg, mag, s)
	case KindPointer:
		if s.Empty() {
			return "0x" + strconv.FormatUint(mag, 16), nil
		}
	}
	return pyfmt.FormatInt(neg, mag, s)
}

// Interface returns v as a plain Go value for structured output.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Text()
	case KindBytes:
		return hex.EncodeToString(v.Raw)
	case KindBool:
		return v.Bool()
	case KindFloat:
		f, err := v.Float()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return v.String()
		}
		return f
	case KindPointer:
		return v.String()
	}
	neg, mag, err := v.Int()
	if err != nil {
		return nil
	}
	if neg {
		return -int64(mag-1) - 1
	}
	return mag
}

func (v Value) String() string {
	out, err := v.FormatPy(pyfmt.Spec{Precision: -1})
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return out
}
