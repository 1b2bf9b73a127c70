package protocol

import "fmt"

const byteOrderProbe uint64 = 0x0706050403020100

// EncodeHeader lays out the magic header for c.
func EncodeHeader(c Calibration) ([]byte, error) {
	if err := c.Widths.Validate(); err != nil {
		return nil, err
	}
	if c.Order == nil {
		return nil, ErrUnknownByteOrder
	}
	infoOffset := c.InfoOffset()
	if infoOffset < PrefixLen || infoOffset > 0xff {
		return nil, fmt.Errorf("info_offset %d outside %d..255", infoOffset, PrefixLen)
	}
	buf := make([]byte, infoOffset, c.HeaderLen())
	copy(buf, Signature[:])
	buf[SignatureLen] = byte(infoOffset)
	buf[SignatureLen+1] = byte(c.Size)
	buf[SignatureLen+2] = byte(c.Ptr)

	buf = c.AppendSize(buf, byteOrderProbe)
	buf = c.AppendSize(buf, c.NullTerminated)
	buf = c.AppendSize(buf, c.LengthPrefixed)
	buf = c.AppendSize(buf, 0)
	return buf, nil
}

// Encode packs fi into a format-info block for producer c. Offsets are
// relative to the block start.
func (fi *FormatInfo) Encode(c Calibration) ([]byte, error) {
	if err := c.Widths.Validate(); err != nil {
		return nil, err
	}
	n := len(fi.Args)
	layoutLen := (2*n + 5) * c.Size

	strs := make([]byte, 0, len(fi.Format)+len(fi.File)+n*8+n+2)
	strs = append(strs, fi.Format...)
	strs = append(strs, 0)
	typeOffsets := make([]int, n)
	for i, arg := range fi.Args {
		typeOffsets[i] = layoutLen + len(strs)
		strs = append(strs, arg.TypeName...)
		strs = append(strs, 0)
	}
	fileOffset := layoutLen + len(strs)
	strs = append(strs, fi.File...)
	strs = append(strs, 0)

	limit := c.MaxSize()
	if uint64(layoutLen+len(strs)) > limit {
		return nil, fmt.Errorf("%w: block exceeds size_width", ErrMalformedBlock)
	}
	if fi.Line > limit {
		return nil, fmt.Errorf("%w: line %d exceeds size_width", ErrMalformedBlock, fi.Line)
	}

	buf := make([]byte, 0, layoutLen+len(strs))
	buf = c.AppendSize(buf, uint64(n))
	buf = c.AppendSize(buf, uint64(layoutLen))
	for i, arg := range fi.Args {
		raw, err := c.checkedRaw(arg.Size)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, arg.TypeName, err)
		}
		buf = c.AppendSize(buf, uint64(typeOffsets[i]))
		buf = c.AppendSize(buf, raw)
	}
	buf = c.AppendSize(buf, uint64(fi.Formatter))
	buf = c.AppendSize(buf, uint64(fileOffset))
	buf = c.AppendSize(buf, fi.Line)
	return append(buf, strs...), nil
}

// checkedRaw rejects fixed sizes that collide with a sentinel or do not
// fit below the sentinel bits.
func (c Calibration) checkedRaw(s Size) (uint64, error) {
	if s.NullTerminated && s.LengthPrefixed {
		return 0, fmt.Errorf("%w: both self-delimiting flags set", ErrSentinelSize)
	}
	if s.Dynamic() {
		if s.Bytes != 0 {
			return 0, fmt.Errorf("%w: self-delimiting size carries %d bytes", ErrSentinelSize, s.Bytes)
		}
		return c.Raw(s), nil
	}
	if s.Bytes == c.NullTerminated || s.Bytes == c.LengthPrefixed {
		return 0, fmt.Errorf("%w: %d", ErrSentinelSize, s.Bytes)
	}
	if s.Bytes&(c.NullTerminated|c.LengthPrefixed) != 0 {
		return 0, fmt.Errorf("%w: %d overlaps sentinel bits", ErrSentinelSize, s.Bytes)
	}
	return s.Bytes, nil
}
