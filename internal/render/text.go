// Package render turns decoded records into output: plain text with
// optional source-location prefixes, or one JSON object per record.
package render

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/emtrace/internal/decode"
)

// LocationMode controls source-location prefixes.
type LocationMode string

const (
	LocationNone     LocationMode = "none"
	LocationAbsolute LocationMode = "absolute"
	LocationRelative LocationMode = "relative"
)

func ParseLocationMode(raw string) (LocationMode, error) {
	switch LocationMode(raw) {
	case "", LocationNone:
		return LocationNone, nil
	case LocationAbsolute, LocationRelative:
		return LocationMode(raw), nil
	default:
		return "", fmt.Errorf("unknown source location mode %q (want none, absolute or relative)", raw)
	}
}

// Writer receives decoded records.
type Writer interface {
	WriteLine(decode.Line) error
}

// TextWriter writes record text. With a location mode set, each output
// line starts with "file:line: " padded to the widest location seen so
// far, and continuation lines are indented under the text.
type TextWriter struct {
	w           io.Writer
	mode        LocationMode
	cwd         string
	width       int
	atLineStart bool
}

func NewTextWriter(w io.Writer, mode LocationMode) *TextWriter {
	tw := &TextWriter{w: w, mode: mode, atLineStart: true}
	if mode == LocationRelative {
		tw.cwd, _ = os.Getwd()
	}
	return tw
}

func (tw *TextWriter) path(file string) string {
	if tw.mode != LocationRelative || tw.cwd == "" {
		return file
	}
	abs := file
	if !filepath.IsAbs(abs) {
		return file
	}
	rel, err := filepath.Rel(tw.cwd, abs)
	if err != nil {
		return file
	}
	return rel
}

func (tw *TextWriter) WriteLine(line decode.Line) error {
	if tw.mode == LocationNone || line.Info == nil {
		_, err := io.WriteString(tw.w, line.Text)
		return err
	}

	loc := tw.path(line.Info.File) + ":" + strconv.FormatUint(line.Info.Line, 10)
	if n := len(loc); n > tw.width {
		tw.width = n
	}
	loc += strings.Repeat(" ", tw.width-len(loc))

	var b strings.Builder
	locationPending := !tw.atLineStart
	if tw.atLineStart {
		b.WriteString(loc + ": ")
	}

	lines := strings.Split(line.Text, "\n")
	tw.atLineStart = false
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
		tw.atLineStart = true
	}
	for i, l := range lines {
		switch {
		case i == 0:
		case locationPending && i == 1:
			b.WriteString("\n" + loc + ": ")
		default:
			b.WriteString("\n" + strings.Repeat(" ", 2+tw.width))
		}
		b.WriteString(l)
	}
	if tw.atLineStart {
		b.WriteByte('\n')
	}
	_, err := io.WriteString(tw.w, b.String())
	return err
}
