package pyfmt

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/danmuck/emtrace/internal/protocol"
)

// Spec is a parsed [[fill]align][sign][#][0][width][grouping][.precision][type].
type Spec struct {
	Fill      rune // 0 when absent
	Align     byte // 0, '<', '>', '^' or '='
	Sign      byte // 0, '+', '-' or ' '
	Alternate bool
	Zero      bool
	Width     int
	Grouping  byte // 0, ',' or '_'
	Precision int  // -1 when absent
	Type      byte // 0 when absent
}

var emptySpec = Spec{Precision: -1}

// Empty reports whether the field carried no format options.
func (s Spec) Empty() bool {
	return s == emptySpec
}

func isAlign(r rune) bool {
	return r == '<' || r == '>' || r == '^' || r == '='
}

// ParseSpec parses the text after ':' in a replacement field.
func ParseSpec(raw string) (Spec, error) {
	s := emptySpec
	rest := raw

	if first, n := utf8.DecodeRuneInString(rest); n > 0 {
		second, m := utf8.DecodeRuneInString(rest[n:])
		switch {
		case m > 0 && isAlign(second):
			s.Fill = first
			s.Align = byte(second)
			rest = rest[n+m:]
		case isAlign(first):
			s.Align = byte(first)
			rest = rest[n:]
		}
	}
	if rest != "" && (rest[0] == '+' || rest[0] == '-' || rest[0] == ' ') {
		s.Sign = rest[0]
		rest = rest[1:]
	}
	if rest != "" && rest[0] == '#' {
		s.Alternate = true
		rest = rest[1:]
	}
	if rest != "" && rest[0] == '0' {
		s.Zero = true
		rest = rest[1:]
	}
	digits := leadingDigits(rest)
	if digits != "" {
		w, err := strconv.Atoi(digits)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: width %q too large", protocol.ErrFormatSyntax, digits)
		}
		s.Width = w
		rest = rest[len(digits):]
	}
	if rest != "" && (rest[0] == ',' || rest[0] == '_') {
		s.Grouping = rest[0]
		rest = rest[1:]
	}
	if rest != "" && rest[0] == '.' {
		digits = leadingDigits(rest[1:])
		if digits == "" {
			return Spec{}, fmt.Errorf("%w: format specifier missing precision", protocol.ErrFormatSyntax)
		}
		p, err := strconv.Atoi(digits)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: precision %q too large", protocol.ErrFormatSyntax, digits)
		}
		s.Precision = p
		rest = rest[1+len(digits):]
	}
	if len(rest) > 1 {
		return Spec{}, fmt.Errorf("%w: invalid format specifier %q", protocol.ErrFormatSyntax, raw)
	}
	if rest != "" {
		s.Type = rest[0]
	}
	return s, nil
}

func leadingDigits(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}

func signFor(neg bool, sign byte) string {
	switch {
	case neg:
		return "-"
	case sign == '+':
		return "+"
	case sign == ' ':
		return " "
	default:
		return ""
	}
}

// pad applies fill, alignment and width. prefix holds the sign and any
// base prefix, which '=' alignment keeps in front of the padding.
func pad(prefix, body string, s Spec, defaultAlign byte, numeric bool) string {
	fill, align := s.Fill, s.Align
	if s.Zero {
		if fill == 0 {
			fill = '0'
		}
		if align == 0 && numeric {
			align = '='
		}
	}
	if fill == 0 {
		fill = ' '
	}
	if align == 0 {
		align = defaultAlign
	}
	n := utf8.RuneCountInString(prefix) + utf8.RuneCountInString(body)
	if n >= s.Width {
		return prefix + body
	}
	gap := s.Width - n
	fs := string(fill)
	switch align {
	case '<':
		return prefix + body + strings.Repeat(fs, gap)
	case '^':
		left := gap / 2
		return strings.Repeat(fs, left) + prefix + body + strings.Repeat(fs, gap-left)
	case '=':
		return prefix + strings.Repeat(fs, gap) + body
	default:
		return strings.Repeat(fs, gap) + prefix + body
	}
}

// zeroWidth is the width grouped digits must fill when the spec pads with
// zeros between sign and digits, or 0. other counts the characters that
// surround the digits.
func zeroWidth(s Spec, other int) int {
	fill, align := s.Fill, s.Align
	if s.Zero {
		if fill == 0 {
			fill = '0'
		}
		if align == 0 {
			align = '='
		}
	}
	if fill != '0' || align != '=' {
		return 0
	}
	return s.Width - other
}

// group inserts sep every interval digits counting from the right. The
// digits are widened with grouped zeros to at least minWidth, and the
// result never starts with sep.
func group(digits string, sep byte, interval, minWidth int) string {
	var parts []string
	remaining := len(digits)
	for {
		l := min(interval, max(remaining, minWidth, 1))
		chars := min(remaining, l)
		parts = append(parts, strings.Repeat("0", l-chars)+digits[remaining-chars:remaining])
		remaining -= chars
		minWidth -= l
		if remaining <= 0 && minWidth <= 0 {
			break
		}
		minWidth--
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
		if i > 0 {
			b.WriteByte(sep)
		}
	}
	return b.String()
}
