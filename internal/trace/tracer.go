package trace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/danmuck/emtrace/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	ErrArgumentMismatch = errors.New("trace: argument mismatch")
	ErrNilSink          = errors.New("trace: nil sink")
)

// Bracket receives begin/end notifications around every record. Total is
// the record size in bytes, or-ed with the null-terminated sentinel when
// the record carries streamed strings of unknown length.
type Bracket interface {
	Begin(ref, total uint64)
	End(ref, total uint64)
}

// MutexBracket serializes records with a mutex.
type MutexBracket struct {
	mu sync.Mutex
}

func (b *MutexBracket) Begin(uint64, uint64) { b.mu.Lock() }
func (b *MutexBracket) End(uint64, uint64)   { b.mu.Unlock() }

type siteKey struct {
	pc        uintptr
	formatter protocol.Formatter
	format    string
	sig       string
}

// Tracer writes trace records to a sink. It is safe for concurrent use;
// the bracket keeps one record's bytes contiguous.
type Tracer struct {
	sink    io.Writer
	reg     *Registry
	cal     protocol.Calibration
	bracket Bracket
	log     zerolog.Logger

	initOnce sync.Once

	sitesMu sync.RWMutex
	sites   map[siteKey]*Site

	errMu sync.Mutex
	err   error
}

type Option func(*Tracer)

func WithBracket(b Bracket) Option {
	return func(t *Tracer) { t.bracket = b }
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracer) { t.log = l }
}

func New(sink io.Writer, reg *Registry, opts ...Option) (*Tracer, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	if reg == nil {
		return nil, fmt.Errorf("trace: nil registry")
	}
	t := &Tracer{
		sink:    sink,
		reg:     reg,
		cal:     reg.Calibration(),
		bracket: &MutexBracket{},
		log:     zerolog.Nop(),
		sites:   make(map[siteKey]*Site),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Tracer) Registry() *Registry { return t.reg }

// Init writes the magic header. Records emitted before Init trigger it.
func (t *Tracer) Init() error {
	t.initOnce.Do(func() {
		head, err := protocol.EncodeHeader(t.cal)
		if err != nil {
			t.fail(err)
			return
		}
		total := uint64(len(head))
		t.bracket.Begin(0, total)
		t.write(head)
		t.bracket.End(0, total)
		t.log.Debug().Str("calibration", t.cal.String()).Msg("trace header written")
	})
	return t.Err()
}

// Err returns the first sink failure, if any. Records after a failure
// are dropped.
func (t *Tracer) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Define registers a python-style block for the caller's location.
func (t *Tracer) Define(format string, kinds ...Kind) (*Site, error) {
	_, file, line, _ := runtime.Caller(1)
	return t.reg.Register(t.info(protocol.FormatterPython, format, kinds, file, line))
}

// Emit writes one record for site.
func (t *Tracer) Emit(site *Site, args ...Value) error {
	if err := t.check(site, args); err != nil {
		return err
	}
	t.emit(site, args)
	return nil
}

// Tracef emits a python-style record whose block is keyed by call site.
func (t *Tracer) Tracef(format string, args ...Value) error {
	return t.traceAt(2, protocol.FormatterPython, format, args)
}

// Traceln is Tracef with a trailing newline.
func (t *Tracer) Traceln(format string, args ...Value) error {
	return t.traceAt(2, protocol.FormatterPython, format+"\n", args)
}

// Print emits literal text; the decoder applies no formatting.
func (t *Tracer) Print(text string) error {
	return t.traceAt(2, protocol.FormatterNone, text, nil)
}

func (t *Tracer) Println(text string) error {
	return t.traceAt(2, protocol.FormatterNone, text+"\n", nil)
}

// PrintString emits s as a NUL-terminated argument of "{}".
func (t *Tracer) PrintString(s string) error {
	return t.traceAt(2, protocol.FormatterPython, "{}", []Value{String(s)})
}

func (t *Tracer) PrintStringln(s string) error {
	return t.traceAt(2, protocol.FormatterPython, "{}\n", []Value{String(s)})
}

// PrintFrom streams r as one NUL-terminated string record without
// measuring it first. Streaming stops at EOF or at the first NUL byte.
func (t *Tracer) PrintFrom(r io.Reader) error {
	site, err := t.siteAt(2, protocol.FormatterPython, "{}", []Kind{KindCString})
	if err != nil {
		return err
	}
	if err := t.Init(); err != nil {
		return err
	}

	total := uint64(t.cal.Ptr) | t.cal.NullTerminated
	t.bracket.Begin(site.ref, total)
	defer t.bracket.End(site.ref, total)

	t.write(t.cal.AppendPtr(nil, site.ref))
	buf := make([]byte, 512)
	var readErr error
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, 0); i >= 0 {
				t.write(chunk[:i])
				break
			}
			t.write(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	t.write([]byte{0})
	return readErr
}

func (t *Tracer) traceAt(skip int, formatter protocol.Formatter, format string, args []Value) error {
	kinds := make([]Kind, len(args))
	for i, a := range args {
		kinds[i] = a.kind
	}
	site, err := t.siteAt(skip+1, formatter, format, kinds)
	if err != nil {
		return err
	}
	return t.Emit(site, args...)
}

func (t *Tracer) siteAt(skip int, formatter protocol.Formatter, format string, kinds []Kind) (*Site, error) {
	pc, file, line, _ := runtime.Caller(skip)
	key := siteKey{pc: pc, formatter: formatter, format: format, sig: signature(kinds)}

	t.sitesMu.RLock()
	site, ok := t.sites[key]
	t.sitesMu.RUnlock()
	if ok {
		return site, nil
	}

	site, err := t.reg.Register(t.info(formatter, format, kinds, file, line))
	if err != nil {
		return nil, err
	}
	t.sitesMu.Lock()
	t.sites[key] = site
	t.sitesMu.Unlock()
	t.log.Trace().Uint64("ref", site.ref).Str("loc", site.info.Location()).Msg("trace site registered")
	return site, nil
}

func (t *Tracer) info(formatter protocol.Formatter, format string, kinds []Kind, file string, line int) protocol.FormatInfo {
	args := make([]protocol.Arg, len(kinds))
	for i, k := range kinds {
		args[i] = protocol.Arg{TypeName: k.TypeName(), Size: k.Size(t.cal)}
	}
	if line < 0 {
		line = 0
	}
	return protocol.FormatInfo{
		Format:    format,
		Formatter: formatter,
		Args:      args,
		File:      file,
		Line:      uint64(line),
	}
}

func signature(kinds []Kind) string {
	var b strings.Builder
	for _, k := range kinds {
		b.WriteByte(byte(k))
	}
	return b.String()
}

// check compares args with the declared types of site. Blocks registered
// with a type name outside this package's kinds only need matching wire
// sizes.
func (t *Tracer) check(site *Site, args []Value) error {
	if site == nil {
		return fmt.Errorf("%w: nil site", ErrArgumentMismatch)
	}
	if len(args) != len(site.info.Args) {
		return fmt.Errorf("%w: %s declares %d arguments, got %d",
			ErrArgumentMismatch, site.info.Location(), len(site.info.Args), len(args))
	}
	for i, a := range args {
		if a.kind == 0 {
			return fmt.Errorf("%w: argument %d is the zero Value", ErrArgumentMismatch, i)
		}
		declared := site.info.Args[i]
		if _, known := kindByName[declared.TypeName]; known && a.kind.TypeName() != declared.TypeName {
			return fmt.Errorf("%w: argument %d is %s, %s declares %s",
				ErrArgumentMismatch, i, a.kind, site.info.Location(), declared.TypeName)
		}
		if got, want := a.kind.Size(t.cal), declared.Size; got != want {
			return fmt.Errorf("%w: argument %d is %s (%s), %s declares %s",
				ErrArgumentMismatch, i, a.kind, got, site.info.Location(), want)
		}
	}
	return nil
}

func (t *Tracer) emit(site *Site, args []Value) {
	if err := t.Init(); err != nil {
		return
	}
	total := uint64(t.cal.Ptr)
	var flags uint64
	for _, a := range args {
		total += uint64(a.WireLen(t.cal))
		if a.kind == KindCString {
			flags |= t.cal.NullTerminated
		}
	}
	total |= flags

	t.bracket.Begin(site.ref, total)
	defer t.bracket.End(site.ref, total)

	var scratch [16]byte
	t.write(t.cal.AppendPtr(scratch[:0], site.ref))
	for _, a := range args {
		switch a.kind {
		case KindCString:
			if len(a.data) > 0 {
				t.write(a.data)
			}
			t.write([]byte{0})
		case KindBytes:
			t.write(t.cal.AppendSize(scratch[:0], uint64(len(a.data))))
			if len(a.data) > 0 {
				t.write(a.data)
			}
		default:
			t.write(a.AppendTo(scratch[:0], t.cal))
		}
	}
}

func (t *Tracer) write(p []byte) {
	if t.Err() != nil {
		return
	}
	if _, err := t.sink.Write(p); err != nil {
		t.fail(err)
	}
}

func (t *Tracer) fail(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
		t.log.Error().Err(err).Msg("trace sink failed; dropping further records")
	}
}
