// Package pyfmt interprets the python-style format mini-language used by
// emtrace format strings: literal text, {{ and }} escapes, {} and {N}
// replacement fields and an optional :spec per field.
package pyfmt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/emtrace/internal/protocol"
)

// Arg is a value that can render itself under a Spec.
type Arg interface {
	FormatPy(s Spec) (string, error)
}

type segment struct {
	literal string
	field   bool
	index   int
	auto    bool
	spec    Spec
}

// Template is a compiled format string. It is immutable and safe for
// concurrent use.
type Template struct {
	source   string
	segments []segment
	fields   int
	maxIndex int
}

type numbering int

const (
	numberingUnset numbering = iota
	numberingAuto
	numberingManual
)

// Compile parses format. Syntax errors wrap protocol.ErrFormatSyntax.
func Compile(format string) (*Template, error) {
	t := &Template{source: format, maxIndex: -1}
	var lit strings.Builder
	mode := numberingUnset
	next := 0

	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(format); {
		c := format[i]
		switch c {
		case '{':
			if i+1 < len(format) && format[i+1] == '{' {
				lit.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(format[i+1:], '}')
			if end < 0 {
				return nil, syntaxErr(format, i, "single '{' encountered")
			}
			body := format[i+1 : i+1+end]
			if strings.IndexByte(body, '{') >= 0 {
				return nil, syntaxErr(format, i, "nested replacement fields are not supported")
			}
			name, rawSpec, _ := strings.Cut(body, ":")
			if strings.IndexByte(name, '!') >= 0 {
				return nil, syntaxErr(format, i, "conversions are not supported")
			}
			spec, err := ParseSpec(rawSpec)
			if err != nil {
				return nil, fmt.Errorf("field at %d: %w", i, err)
			}

			seg := segment{field: true, spec: spec}
			if name == "" {
				if mode == numberingManual {
					return nil, syntaxErr(format, i, "cannot switch from manual field numbering to automatic")
				}
				mode = numberingAuto
				seg.auto = true
				seg.index = next
				next++
			} else {
				if mode == numberingAuto {
					return nil, syntaxErr(format, i, "cannot switch from automatic field numbering to manual")
				}
				idx, err := strconv.Atoi(name)
				if err != nil || idx < 0 {
					return nil, syntaxErr(format, i, "field name "+strconv.Quote(name)+" is not an index")
				}
				mode = numberingManual
				seg.index = idx
			}
			if seg.index > t.maxIndex {
				t.maxIndex = seg.index
			}
			flush()
			t.segments = append(t.segments, seg)
			t.fields++
			i += end + 2
		case '}':
			if i+1 < len(format) && format[i+1] == '}' {
				lit.WriteByte('}')
				i += 2
				continue
			}
			return nil, syntaxErr(format, i, "single '}' encountered")
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flush()
	return t, nil
}

func syntaxErr(format string, pos int, msg string) error {
	return fmt.Errorf("%w: %s at %d in %q", protocol.ErrFormatSyntax, msg, pos, format)
}

// Fields is the number of replacement fields.
func (t *Template) Fields() int { return t.fields }

// MaxIndex is the highest argument index referenced, or -1.
func (t *Template) MaxIndex() int { return t.maxIndex }

func (t *Template) String() string { return t.source }

// Render substitutes args. Unused trailing arguments are allowed.
func (t *Template) Render(args []Arg) (string, error) {
	var b strings.Builder
	b.Grow(len(t.source) + 8*len(args))
	for _, seg := range t.segments {
		if !seg.field {
			b.WriteString(seg.literal)
			continue
		}
		if seg.index >= len(args) {
			if seg.auto {
				return "", fmt.Errorf("%w: field %d with %d arguments", protocol.ErrTooFewArguments, seg.index, len(args))
			}
			return "", fmt.Errorf("%w: {%d} with %d arguments", protocol.ErrFieldIndexOutOfRange, seg.index, len(args))
		}
		out, err := args[seg.index].FormatPy(seg.spec)
		if err != nil {
			return "", fmt.Errorf("field %d: %w", seg.index, err)
		}
		b.WriteString(out)
	}
	return b.String(), nil
}

// Format compiles and renders in one step.
func Format(format string, args ...Arg) (string, error) {
	t, err := Compile(format)
	if err != nil {
		return "", err
	}
	return t.Render(args)
}

// Int, Uint, Float, Str, Bool and Char adapt Go values to Arg.
type (
	Int   int64
	Uint  uint64
	Float float64
	Str   string
	Bool  bool
	Char  byte
)

func (v Int) FormatPy(s Spec) (string, error) {
	if v < 0 {
		return FormatInt(true, uint64(-(v+1))+1, s)
	}
	return FormatInt(false, uint64(v), s)
}

func (v Uint) FormatPy(s Spec) (string, error)  { return FormatInt(false, uint64(v), s) }
func (v Float) FormatPy(s Spec) (string, error) { return FormatFloat(float64(v), s) }
func (v Str) FormatPy(s Spec) (string, error)   { return FormatString(string(v), s) }
func (v Bool) FormatPy(s Spec) (string, error)  { return FormatBool(bool(v), s) }
func (v Char) FormatPy(s Spec) (string, error)  { return FormatChar(false, uint64(v), s) }
