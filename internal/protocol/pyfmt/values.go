package pyfmt

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/danmuck/emtrace/internal/protocol"
)

func unknownCode(code byte, kind string) error {
	return fmt.Errorf("%w: unknown format code '%c' for %s", protocol.ErrFormatSyntax, code, kind)
}

// FormatInt renders an integer given as sign and magnitude.
func FormatInt(neg bool, mag uint64, s Spec) (string, error) {
	switch s.Type {
	case 'e', 'E', 'f', 'F', 'g', 'G', '%':
		f := float64(mag)
		if neg {
			f = -f
		}
		return FormatFloat(f, s)
	}
	if s.Precision >= 0 {
		return "", fmt.Errorf("%w: precision not allowed in integer format specifier", protocol.ErrFormatSyntax)
	}

	base, prefix, interval := 10, "", 3
	switch s.Type {
	case 0, 'd', 'n':
	case 'b':
		base, prefix, interval = 2, "0b", 4
	case 'o':
		base, prefix, interval = 8, "0o", 4
	case 'x':
		base, prefix, interval = 16, "0x", 4
	case 'X':
		base, prefix, interval = 16, "0X", 4
	case 'c':
		return formatCodePoint(neg, mag, s)
	default:
		return "", unknownCode(s.Type, "integer")
	}

	digits := strconv.FormatUint(mag, base)
	if s.Type == 'X' {
		digits = strings.ToUpper(digits)
	}
	if s.Grouping != 0 {
		if s.Type == 'n' || (s.Grouping == ',' && base != 10) {
			return "", fmt.Errorf("%w: cannot specify '%c' with '%c'", protocol.ErrFormatSyntax, s.Grouping, s.Type)
		}
	}
	if !s.Alternate {
		prefix = ""
	}
	lead := signFor(neg, s.Sign) + prefix
	if s.Grouping != 0 {
		digits = group(digits, s.Grouping, interval, zeroWidth(s, len(lead)))
	}
	return pad(lead, digits, s, '>', true), nil
}

func formatCodePoint(neg bool, mag uint64, s Spec) (string, error) {
	if s.Sign != 0 {
		return "", fmt.Errorf("%w: sign not allowed with integer format specifier 'c'", protocol.ErrFormatSyntax)
	}
	if s.Alternate {
		return "", fmt.Errorf("%w: alternate form not allowed with integer format specifier 'c'", protocol.ErrFormatSyntax)
	}
	if neg || mag > utf8.MaxRune {
		return "", fmt.Errorf("%w: %%c arg not in range(0x110000)", protocol.ErrFormatSyntax)
	}
	return pad("", string(rune(mag)), s, '>', true), nil
}

// FormatBool renders True/False for a blank spec and 0/1 otherwise.
func FormatBool(b bool, s Spec) (string, error) {
	if s.Empty() {
		if b {
			return "True", nil
		}
		return "False", nil
	}
	var v uint64
	if b {
		v = 1
	}
	return FormatInt(false, v, s)
}

// FormatChar renders a character code; a blank presentation type means 'c'.
func FormatChar(neg bool, mag uint64, s Spec) (string, error) {
	if s.Type == 0 {
		s.Type = 'c'
	}
	return FormatInt(neg, mag, s)
}

// FormatString renders text; precision truncates.
func FormatString(v string, s Spec) (string, error) {
	if s.Type != 0 && s.Type != 's' {
		return "", unknownCode(s.Type, "string")
	}
	switch {
	case s.Sign != 0:
		return "", fmt.Errorf("%w: sign not allowed in string format specifier", protocol.ErrFormatSyntax)
	case s.Alternate:
		return "", fmt.Errorf("%w: alternate form not allowed in string format specifier", protocol.ErrFormatSyntax)
	case s.Align == '=':
		return "", fmt.Errorf("%w: '=' alignment not allowed in string format specifier", protocol.ErrFormatSyntax)
	case s.Grouping != 0:
		return "", fmt.Errorf("%w: cannot specify '%c' with 's'", protocol.ErrFormatSyntax, s.Grouping)
	}
	if s.Precision >= 0 && utf8.RuneCountInString(v) > s.Precision {
		runes := []rune(v)
		v = string(runes[:s.Precision])
	}
	return pad("", v, s, '<', false), nil
}

// FormatFloat renders f; a blank type with no precision gives the
// shortest round-trip form with at least one fractional digit.
func FormatFloat(f float64, s Spec) (string, error) {
	switch s.Type {
	case 0, 'e', 'E', 'f', 'F', 'g', 'G', 'n', '%':
	default:
		return "", unknownCode(s.Type, "float")
	}
	neg := math.Signbit(f) && !math.IsNaN(f)
	a := math.Abs(f)
	prec := s.Precision

	var body string
	switch {
	case math.IsNaN(f):
		body = "nan"
	case math.IsInf(f, 0):
		body = "inf"
	default:
		switch s.Type {
		case 'f', 'F':
			body = fixedPoint(a, precOr(prec, 6), s.Alternate)
		case '%':
			body = fixedPoint(a*100, precOr(prec, 6), s.Alternate)
		case 'e', 'E':
			body = scientific(a, precOr(prec, 6), s.Alternate)
		case 'g', 'G', 'n':
			p := precOr(prec, 6)
			if p == 0 {
				p = 1
			}
			body = general(a, p, p, false, s.Alternate)
		default:
			if prec < 0 {
				body = general(a, -1, 16, true, s.Alternate)
			} else {
				p := prec
				if p == 0 {
					p = 1
				}
				body = general(a, p, p-1, true, s.Alternate)
			}
		}
	}
	if s.Type == '%' {
		body += "%"
	}
	if s.Type == 'E' || s.Type == 'F' || s.Type == 'G' {
		body = strings.ToUpper(body)
	}
	if s.Grouping != 0 {
		if s.Type == 'n' {
			return "", fmt.Errorf("%w: cannot specify '%c' with 'n'", protocol.ErrFormatSyntax, s.Grouping)
		}
		end := 0
		for end < len(body) && body[end] >= '0' && body[end] <= '9' {
			end++
		}
		if end > 0 {
			width := zeroWidth(s, len(signFor(neg, s.Sign))+utf8.RuneCountInString(body[end:]))
			body = group(body[:end], s.Grouping, 3, width) + body[end:]
		}
	}
	return pad(signFor(neg, s.Sign), body, s, '>', true), nil
}

func precOr(p, def int) int {
	if p < 0 {
		return def
	}
	return p
}

func fixedPoint(a float64, prec int, alt bool) string {
	out := strconv.FormatFloat(a, 'f', prec, 64)
	if alt && prec == 0 {
		out += "."
	}
	return out
}

func scientific(a float64, prec int, alt bool) string {
	out := strconv.FormatFloat(a, 'e', prec, 64)
	if alt && prec == 0 {
		i := strings.IndexByte(out, 'e')
		out = out[:i] + "." + out[i:]
	}
	return out
}

// general picks fixed or scientific notation from the decimal exponent.
// sigDigits < 0 means shortest round-trip digits. Fixed notation is used
// while -4 <= exp < threshold.
func general(a float64, sigDigits, threshold int, forceFraction, alt bool) string {
	var raw string
	if sigDigits < 0 {
		raw = strconv.FormatFloat(a, 'e', -1, 64)
	} else {
		raw = strconv.FormatFloat(a, 'e', sigDigits-1, 64)
	}
	e := strings.IndexByte(raw, 'e')
	exp, _ := strconv.Atoi(raw[e+1:])
	digits := strings.Replace(raw[:e], ".", "", 1)
	if !alt {
		digits = strings.TrimRight(digits, "0")
		if digits == "" {
			digits = "0"
		}
	}

	if exp >= -4 && exp < threshold {
		var whole, frac string
		if exp >= 0 {
			if len(digits) <= exp+1 {
				whole = digits + strings.Repeat("0", exp+1-len(digits))
			} else {
				whole, frac = digits[:exp+1], digits[exp+1:]
			}
		} else {
			whole, frac = "0", strings.Repeat("0", -exp-1)+digits
		}
		if frac == "" && forceFraction {
			frac = "0"
		}
		if frac != "" {
			return whole + "." + frac
		}
		if alt {
			return whole + "."
		}
		return whole
	}

	out := digits[:1]
	if len(digits) > 1 {
		out += "." + digits[1:]
	} else if alt {
		out += "."
	}
	sign := "+"
	if exp < 0 {
		sign = "-"
		exp = -exp
	}
	if exp < 10 {
		return out + "e" + sign + "0" + strconv.Itoa(exp)
	}
	return out + "e" + sign + strconv.Itoa(exp)
}
