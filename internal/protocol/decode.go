package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DecodeHeader reads a magic header from r. The fixed prefix is read
// first; the remainder is read with the producer's widths, not the
// decoder's.
func DecodeHeader(r io.Reader) (Calibration, error) {
	prefix := make([]byte, PrefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return Calibration{}, truncated(err, "magic header prefix")
	}
	infoOffset, w, err := parsePrefix(prefix)
	if err != nil {
		return Calibration{}, err
	}
	rest := make([]byte, infoOffset-PrefixLen+infoWords*w.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Calibration{}, truncated(err, "magic header info")
	}
	return parseInfo(rest[infoOffset-PrefixLen:], infoOffset, w)
}

// ParseHeader decodes a magic header at the start of b and returns the
// calibration together with the header length.
func ParseHeader(b []byte) (Calibration, int, error) {
	if len(b) < PrefixLen {
		return Calibration{}, 0, fmt.Errorf("%w: magic header prefix", ErrTruncatedStream)
	}
	infoOffset, w, err := parsePrefix(b[:PrefixLen])
	if err != nil {
		return Calibration{}, 0, err
	}
	end := infoOffset + infoWords*w.Size
	if len(b) < end {
		return Calibration{}, 0, fmt.Errorf("%w: magic header info", ErrTruncatedStream)
	}
	c, err := parseInfo(b[infoOffset:end], infoOffset, w)
	if err != nil {
		return Calibration{}, 0, err
	}
	return c, end, nil
}

func parsePrefix(prefix []byte) (int, Widths, error) {
	if !bytes.Equal(prefix[:SignatureLen], Signature[:]) {
		return 0, Widths{}, ErrBadSignature
	}
	infoOffset := int(prefix[SignatureLen])
	w := Widths{Size: int(prefix[SignatureLen+1]), Ptr: int(prefix[SignatureLen+2])}
	if err := w.Validate(); err != nil {
		return 0, Widths{}, err
	}
	if infoOffset < PrefixLen {
		return 0, Widths{}, fmt.Errorf("%w: info_offset %d inside prefix", ErrBadSignature, infoOffset)
	}
	return infoOffset, w, nil
}

func parseInfo(info []byte, infoOffset int, w Widths) (Calibration, error) {
	order, err := DetectByteOrder(info[:w.Size])
	if err != nil {
		return Calibration{}, err
	}
	c := Calibration{
		Widths:         w,
		Order:          order,
		NullTerminated: readWord(info[w.Size:], order, w.Size),
		LengthPrefixed: readWord(info[2*w.Size:], order, w.Size),
		Info:           infoOffset,
	}
	return c, nil
}

// DetectByteOrder interprets a byte-order probe of size_width bytes.
func DetectByteOrder(probe []byte) (binary.ByteOrder, error) {
	n := len(probe)
	if n == 0 {
		return nil, ErrUnknownByteOrder
	}
	little, big := true, true
	for i, b := range probe {
		if int(b) != i {
			little = false
		}
		if int(b) != n-1-i {
			big = false
		}
	}
	switch {
	case little:
		return binary.LittleEndian, nil
	case big:
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("%w: probe % x", ErrUnknownByteOrder, probe)
	}
}

// ParseFormatInfo decodes the format-info block that starts at block[0].
// block may extend past the end of the block.
func ParseFormatInfo(block []byte, c Calibration) (*FormatInfo, error) {
	s := c.Size
	word := func(i int) (uint64, error) {
		off := i * s
		if off+s > len(block) {
			return 0, fmt.Errorf("%w: layout word %d out of bounds", ErrMalformedBlock, i)
		}
		return c.SizeAt(block[off:]), nil
	}

	argCount, err := word(0)
	if err != nil {
		return nil, err
	}
	if argCount > uint64(len(block)/(2*s)) {
		return nil, fmt.Errorf("%w: arg_count %d", ErrMalformedBlock, argCount)
	}
	n := int(argCount)

	fmtOffset, err := word(1)
	if err != nil {
		return nil, err
	}
	format, err := cString(block, fmtOffset)
	if err != nil {
		return nil, fmt.Errorf("format string: %w", err)
	}

	fi := &FormatInfo{Format: format, Args: make([]Arg, n)}
	for i := 0; i < n; i++ {
		nameOffset, err := word(2 + 2*i)
		if err != nil {
			return nil, err
		}
		raw, err := word(3 + 2*i)
		if err != nil {
			return nil, err
		}
		name, err := cString(block, nameOffset)
		if err != nil {
			return nil, fmt.Errorf("type name %d: %w", i, err)
		}
		fi.Args[i] = Arg{TypeName: name, Size: c.SizeFor(raw)}
	}

	formatter, err := word(2 + 2*n)
	if err != nil {
		return nil, err
	}
	fileOffset, err := word(3 + 2*n)
	if err != nil {
		return nil, err
	}
	line, err := word(4 + 2*n)
	if err != nil {
		return nil, err
	}
	file, err := cString(block, fileOffset)
	if err != nil {
		return nil, fmt.Errorf("file name: %w", err)
	}
	fi.Formatter = Formatter(formatter)
	fi.File = file
	fi.Line = line
	return fi, nil
}

func cString(block []byte, off uint64) (string, error) {
	if off >= uint64(len(block)) {
		return "", fmt.Errorf("%w: offset %d out of bounds", ErrMalformedBlock, off)
	}
	tail := block[off:]
	end := bytes.IndexByte(tail, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: string at %d not terminated", ErrMalformedBlock, off)
	}
	return string(tail[:end]), nil
}

func truncated(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s", ErrTruncatedStream, what)
	}
	return fmt.Errorf("%s: %w", what, err)
}
