package decode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/danmuck/emtrace/internal/protocol"
	"github.com/danmuck/emtrace/internal/protocol/pyfmt"
	"github.com/rs/zerolog"
)

// Resolver maps a record's identity to its format-info block.
type Resolver interface {
	Resolve(ref uint64) (*protocol.FormatInfo, error)
}

// Line is one decoded record.
type Line struct {
	Text   string
	Ref    uint64
	Offset int64
	Info   *protocol.FormatInfo
	Args   []Value
}

type reader interface {
	io.Reader
	io.ByteReader
}

// byteReader reads one byte at a time so nothing past the record is
// consumed from the underlying stream.
type byteReader struct {
	io.Reader
	one [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(b.Reader, b.one[:])
	return b.one[0], err
}

type block struct {
	info  *protocol.FormatInfo
	kinds []Kind
	tpl   *pyfmt.Template
	err   error
}

// Decoder reads a magic header and then records from one stream. It is
// not safe for concurrent use; resolvers may be shared.
type Decoder struct {
	r          reader
	resolver   Resolver
	cal        protocol.Calibration
	calibrated bool
	offset     int64
	blocks     map[uint64]*block
	log        zerolog.Logger
}

type Option func(*Decoder)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Decoder) { d.log = l }
}

// WithCalibration skips header decoding for streams whose header was
// consumed elsewhere.
func WithCalibration(c protocol.Calibration) Option {
	return func(d *Decoder) {
		d.cal = c
		d.calibrated = true
	}
}

func NewDecoder(r io.Reader, resolver Resolver, opts ...Option) *Decoder {
	br, ok := r.(reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := &Decoder{
		r:        br,
		resolver: resolver,
		blocks:   make(map[uint64]*block),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DecodeNext reads exactly one record from r.
func DecodeNext(r io.Reader, cal protocol.Calibration, resolver Resolver) (Line, error) {
	br, ok := r.(reader)
	if !ok {
		br = &byteReader{Reader: r}
	}
	return NewDecoder(br, resolver, WithCalibration(cal)).Next()
}

// ReadHeader decodes the magic header and calibrates the decoder.
func (d *Decoder) ReadHeader() (protocol.Calibration, error) {
	c, err := protocol.DecodeHeader(d.r)
	if err != nil {
		return protocol.Calibration{}, err
	}
	d.cal = c
	d.calibrated = true
	d.offset += int64(c.HeaderLen())
	d.log.Debug().Str("calibration", c.String()).Msg("stream header decoded")

	if cr, ok := d.resolver.(interface{ Calibration() protocol.Calibration }); ok {
		if rc := cr.Calibration(); !rc.Equal(c) {
			d.log.Warn().
				Str("stream", c.String()).
				Str("metadata", rc.String()).
				Msg("stream and metadata calibrations differ")
		}
	}
	return c, nil
}

func (d *Decoder) Calibration() (protocol.Calibration, bool) {
	return d.cal, d.calibrated
}

// Offset is the number of stream bytes consumed so far.
func (d *Decoder) Offset() int64 { return d.offset }

// Next decodes the next record. It returns io.EOF at a clean end of
// stream. A *RecordError whose Synchronized method reports true leaves
// the decoder ready for the following record.
func (d *Decoder) Next() (Line, error) {
	if !d.calibrated {
		if _, err := d.ReadHeader(); err != nil {
			return Line{}, err
		}
	}
	start := d.offset
	line := Line{Offset: start}

	refBuf := make([]byte, d.cal.Ptr)
	n, err := io.ReadFull(d.r, refBuf)
	d.offset += int64(n)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return line, io.EOF
		}
		return line, d.recordErr(line, nil, streamErr(err, "info_ref"))
	}
	line.Ref = d.cal.PtrAt(refBuf)

	b, err := d.block(line.Ref)
	if err != nil {
		return line, d.recordErr(line, nil, err)
	}
	line.Info = b.info

	raw := make([][]byte, len(b.info.Args))
	for i, arg := range b.info.Args {
		v, err := d.readArg(arg.Size)
		if err != nil {
			return line, d.recordErr(line, b.info, fmt.Errorf("argument %d (%s): %w", i, arg.TypeName, err))
		}
		raw[i] = v
	}
	if b.err != nil {
		return line, d.recordErr(line, b.info, b.err)
	}

	line.Args = make([]Value, len(raw))
	for i, v := range raw {
		line.Args[i] = Value{TypeName: b.info.Args[i].TypeName, Kind: b.kinds[i], Raw: v, order: d.cal.Order}
	}
	text, err := d.apply(b, line.Args)
	if err != nil {
		return line, d.recordErr(line, b.info, err)
	}
	line.Text = text
	d.log.Trace().
		Int64("offset", start).
		Uint64("ref", line.Ref).
		Str("loc", b.info.Location()).
		Int("args", len(line.Args)).
		Msg("record decoded")
	return line, nil
}

func (d *Decoder) apply(b *block, args []Value) (string, error) {
	switch b.info.Formatter {
	case protocol.FormatterNone:
		return b.info.Format, nil
	case protocol.FormatterPython:
		pa := make([]pyfmt.Arg, len(args))
		for i := range args {
			pa[i] = args[i]
		}
		return b.tpl.Render(pa)
	default:
		return "", fmt.Errorf("%w: %s", protocol.ErrUnsupportedFormatter, b.info.Formatter)
	}
}

// block resolves ref once and caches the decode rules and compiled
// template. Rule errors are kept so the record's bytes are still consumed.
func (d *Decoder) block(ref uint64) (*block, error) {
	if b, ok := d.blocks[ref]; ok {
		return b, nil
	}
	if d.resolver == nil {
		return nil, fmt.Errorf("%w: no resolver for ref %#x", protocol.ErrUnknownBlock, ref)
	}
	info, err := d.resolver.Resolve(ref)
	if err != nil {
		return nil, err
	}
	b := &block{info: info, kinds: make([]Kind, len(info.Args))}
	for i, arg := range info.Args {
		k, err := KindOf(arg.TypeName)
		if err != nil && b.err == nil {
			b.err = fmt.Errorf("argument %d: %w", i, err)
		}
		b.kinds[i] = k
	}
	if b.err == nil && info.Formatter == protocol.FormatterPython {
		b.tpl, b.err = pyfmt.Compile(info.Format)
	}
	d.blocks[ref] = b
	return b, nil
}

func (d *Decoder) readArg(size protocol.Size) ([]byte, error) {
	switch {
	case size.NullTerminated:
		return d.readCString()
	case size.LengthPrefixed:
		lenBuf, err := d.readN(uint64(d.cal.Size))
		if err != nil {
			return nil, err
		}
		return d.readN(d.cal.SizeAt(lenBuf))
	default:
		return d.readN(size.Bytes)
	}
}

func (d *Decoder) readN(n uint64) ([]byte, error) {
	if n > math.MaxInt64 {
		return nil, fmt.Errorf("%w: length %d exceeds any stream", protocol.ErrTruncatedStream, n)
	}
	var buf bytes.Buffer
	copied, err := io.CopyN(&buf, d.r, int64(n))
	d.offset += copied
	if err != nil {
		return nil, streamErr(err, fmt.Sprintf("%d of %d bytes", copied, n))
	}
	return buf.Bytes(), nil
}

func (d *Decoder) readCString() ([]byte, error) {
	if br, ok := d.r.(*bufio.Reader); ok {
		v, err := br.ReadBytes(0)
		d.offset += int64(len(v))
		if err != nil {
			return nil, unterminated(err)
		}
		return v[:len(v)-1], nil
	}
	var out []byte
	for {
		c, err := d.r.ReadByte()
		if err != nil {
			return nil, unterminated(err)
		}
		d.offset++
		if c == 0 {
			return out, nil
		}
		out = append(out, c)
	}
}

func (d *Decoder) recordErr(line Line, info *protocol.FormatInfo, err error) error {
	re := &RecordError{Ref: line.Ref, Offset: line.Offset, Err: err}
	if info != nil {
		re.File = info.File
		re.Line = info.Line
		re.Format = info.Format
	}
	return re
}

func streamErr(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s", protocol.ErrTruncatedStream, what)
	}
	return err
}

func unterminated(err error) error {
	if errors.Is(err, io.EOF) {
		return protocol.ErrUnterminatedValue
	}
	return err
}
