package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/emtrace/internal/protocol"
)

func newTestTracer(t *testing.T, opts ...Option) (*Tracer, *bytes.Buffer) {
	t.Helper()
	cal, err := protocol.NewCalibration(protocol.Widths{Size: 8, Ptr: 8}, binary.LittleEndian)
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	reg, err := NewRegistry(cal)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	var buf bytes.Buffer
	tr, err := New(&buf, reg, opts...)
	if err != nil {
		t.Fatalf("tracer: %v", err)
	}
	if err := tr.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return tr, &buf
}

// records strips the magic header.
func records(t *testing.T, tr *Tracer, buf *bytes.Buffer) []byte {
	t.Helper()
	n := tr.Registry().Calibration().HeaderLen()
	if buf.Len() < n {
		t.Fatalf("expected at least %d header bytes, got %d", n, buf.Len())
	}
	return buf.Bytes()[n:]
}

func TestInitWritesHeaderOnce(t *testing.T) {
	tr, buf := newTestTracer(t)
	if err := tr.Init(); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if buf.Len() != 72 {
		t.Fatalf("expected 72 header bytes, got %d", buf.Len())
	}
	if !bytes.Equal(buf.Bytes()[:32], protocol.Signature[:]) {
		t.Fatalf("header does not start with signature")
	}
}

func TestPrintStringPayload(t *testing.T) {
	tr, buf := newTestTracer(t)
	if err := tr.PrintString("Hello, World!"); err != nil {
		t.Fatalf("print: %v", err)
	}
	rec := records(t, tr, buf)
	if len(rec) != 8+14 {
		t.Fatalf("expected 22 record bytes, got %d", len(rec))
	}
	if got := string(rec[8:]); got != "Hello, World!\x00" {
		t.Fatalf("unexpected payload %q", got)
	}
	ref := binary.LittleEndian.Uint64(rec[:8])
	info, err := tr.Registry().Resolve(ref)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if info.Format != "{}" || len(info.Args) != 1 || info.Args[0].TypeName != "string" || !info.Args[0].Size.NullTerminated {
		t.Fatalf("unexpected block %+v", info)
	}
}

func TestPrintFromStreamsUntilNUL(t *testing.T) {
	tr, buf := newTestTracer(t)
	src := strings.NewReader(strings.Repeat("x", 1500) + "\x00ignored")
	if err := tr.PrintFrom(src); err != nil {
		t.Fatalf("print from: %v", err)
	}
	rec := records(t, tr, buf)
	if len(rec) != 8+1501 {
		t.Fatalf("expected %d record bytes, got %d", 8+1501, len(rec))
	}
	if rec[len(rec)-1] != 0 || bytes.IndexByte(rec[8:], 0) != 1500 {
		t.Fatalf("expected a single trailing terminator")
	}
}

func TestTracefRecordLayout(t *testing.T) {
	tr, buf := newTestTracer(t)
	if err := tr.Tracef("{} {} {}", Int32(42), Char('a'), Int64(123456)); err != nil {
		t.Fatalf("trace: %v", err)
	}
	rec := records(t, tr, buf)
	if len(rec) != 8+4+1+8 {
		t.Fatalf("expected 21 record bytes, got %d", len(rec))
	}
	if got := binary.LittleEndian.Uint32(rec[8:]); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if rec[12] != 'a' {
		t.Fatalf("expected 'a', got %q", rec[12])
	}
	if got := binary.LittleEndian.Uint64(rec[13:]); got != 123456 {
		t.Fatalf("expected 123456, got %d", got)
	}

	info, err := tr.Registry().Resolve(binary.LittleEndian.Uint64(rec))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	names := []string{"int32_t", "char", "int64_t"}
	for i, arg := range info.Args {
		if arg.TypeName != names[i] {
			t.Fatalf("arg %d: expected %s, got %s", i, names[i], arg.TypeName)
		}
	}
	if !strings.HasSuffix(info.File, "trace_test.go") || info.Line == 0 {
		t.Fatalf("unexpected location %s", info.Location())
	}
}

func TestTracelnAndPrintlnAppendNewline(t *testing.T) {
	tr, _ := newTestTracer(t)
	if err := tr.Traceln("v={}", Uint8(1)); err != nil {
		t.Fatalf("traceln: %v", err)
	}
	if err := tr.Println("done"); err != nil {
		t.Fatalf("println: %v", err)
	}
	sites := tr.Registry().Sites()
	if len(sites) != 2 {
		t.Fatalf("expected 2 sites, got %d", len(sites))
	}
	if got := sites[0].Info().Format; got != "v={}\n" {
		t.Fatalf("unexpected format %q", got)
	}
	if info := sites[1].Info(); info.Format != "done\n" || info.Formatter != protocol.FormatterNone {
		t.Fatalf("unexpected literal block %+v", info)
	}
}

func TestCallSiteBlocksAreReused(t *testing.T) {
	tr, _ := newTestTracer(t)
	for i := 0; i < 5; i++ {
		if err := tr.Tracef("i={}", Int64(int64(i))); err != nil {
			t.Fatalf("trace: %v", err)
		}
	}
	if tr.Registry().Len() != 1 {
		t.Fatalf("expected 1 site, got %d", tr.Registry().Len())
	}
	// Same line, different argument kinds: a new block.
	for _, v := range []Value{Int64(1), Float64(1)} {
		if err := tr.Tracef("v={}", v); err != nil {
			t.Fatalf("trace: %v", err)
		}
	}
	if tr.Registry().Len() != 3 {
		t.Fatalf("expected 3 sites, got %d", tr.Registry().Len())
	}
}

type recordingBracket struct {
	mu     sync.Mutex
	begins []uint64
	ends   []uint64
}

func (b *recordingBracket) Begin(_, total uint64) {
	b.mu.Lock()
	b.begins = append(b.begins, total)
}

func (b *recordingBracket) End(_, total uint64) {
	b.ends = append(b.ends, total)
	b.mu.Unlock()
}

func TestBracketReceivesTotals(t *testing.T) {
	br := &recordingBracket{}
	tr, _ := newTestTracer(t, WithBracket(br))
	if err := tr.Tracef("{}", Uint16(7)); err != nil {
		t.Fatalf("trace: %v", err)
	}
	if err := tr.PrintString("abc"); err != nil {
		t.Fatalf("print: %v", err)
	}
	nt := tr.Registry().Calibration().NullTerminated
	want := []uint64{72, 8 + 2, (8 + 4) | nt}
	if len(br.begins) != len(want) {
		t.Fatalf("expected %d brackets, got %d", len(want), len(br.begins))
	}
	for i := range want {
		if br.begins[i] != want[i] || br.ends[i] != want[i] {
			t.Fatalf("bracket %d: expected %#x, got %#x/%#x", i, want[i], br.begins[i], br.ends[i])
		}
	}
}

func TestEmitRejectsMismatchedArguments(t *testing.T) {
	tr, buf := newTestTracer(t)
	site, err := tr.Define("{} {}", KindInt32, KindCString)
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	before := buf.Len()
	if err := tr.Emit(site, Int32(1)); !errors.Is(err, ErrArgumentMismatch) {
		t.Fatalf("expected ErrArgumentMismatch for count, got %v", err)
	}
	if err := tr.Emit(site, Int64(1), String("x")); !errors.Is(err, ErrArgumentMismatch) {
		t.Fatalf("expected ErrArgumentMismatch for size, got %v", err)
	}
	if err := tr.Emit(site, Uint32(1), String("x")); !errors.Is(err, ErrArgumentMismatch) {
		t.Fatalf("expected ErrArgumentMismatch for same-size kind, got %v", err)
	}
	float, err := tr.Define("{}", KindFloat32)
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	if err := tr.Emit(float, Int32(1)); !errors.Is(err, ErrArgumentMismatch) {
		t.Fatalf("expected ErrArgumentMismatch for int32 into float, got %v", err)
	}
	if buf.Len() != before {
		t.Fatalf("rejected records must not write bytes")
	}
	if err := tr.Emit(site, Int32(1), String("x")); err != nil {
		t.Fatalf("matching arguments should be accepted: %v", err)
	}
}

func TestEmitForeignTypeNamesCompareSizes(t *testing.T) {
	tr, _ := newTestTracer(t)
	site, err := tr.Registry().Register(protocol.FormatInfo{
		Format: "{}", Args: []protocol.Arg{{TypeName: "int", Size: protocol.Fixed(4)}}, File: "x.c", Line: 1,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.Emit(site, Uint32(1)); err != nil {
		t.Fatalf("same-size argument should be accepted: %v", err)
	}
	if err := tr.Emit(site, Int16(1)); !errors.Is(err, ErrArgumentMismatch) {
		t.Fatalf("expected ErrArgumentMismatch for size, got %v", err)
	}
}

func TestKindSizesAvoidSentinels(t *testing.T) {
	for _, cal := range []protocol.Calibration{
		protocol.NativeCalibration(),
		mustCal(t, 4, 4),
		mustCal(t, 8, 8),
	} {
		for k := range kindNames {
			size := k.Size(cal)
			if size.Bytes == cal.NullTerminated || size.Bytes == cal.LengthPrefixed {
				t.Fatalf("%s: %s size %d collides with a sentinel", cal, k, size.Bytes)
			}
			if size.Bytes&(cal.NullTerminated|cal.LengthPrefixed) != 0 {
				t.Fatalf("%s: %s size %#x has sentinel bits", cal, k, size.Bytes)
			}
			if got := cal.SizeFor(cal.Raw(size)); got != size {
				t.Fatalf("%s: %s size does not survive the wire: %v != %v", cal, k, got, size)
			}
		}
	}
}

func mustCal(t *testing.T, size, ptr int) protocol.Calibration {
	t.Helper()
	cal, err := protocol.NewCalibration(protocol.Widths{Size: size, Ptr: ptr}, binary.BigEndian)
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	return cal
}

func TestLengthPrefixedPayload(t *testing.T) {
	tr, buf := newTestTracer(t)
	if err := tr.Tracef("{}", Bytes([]byte{1, 0, 2})); err != nil {
		t.Fatalf("trace: %v", err)
	}
	rec := records(t, tr, buf)
	if got := binary.LittleEndian.Uint64(rec[8:]); got != 3 {
		t.Fatalf("expected length 3, got %d", got)
	}
	if !bytes.Equal(rec[16:], []byte{1, 0, 2}) {
		t.Fatalf("unexpected payload %v", rec[16:])
	}
}

func TestStringTruncatesAtEmbeddedNUL(t *testing.T) {
	v := String("ab\x00cd")
	cal := protocol.NativeCalibration()
	if got := v.AppendTo(nil, cal); !bytes.Equal(got, []byte("ab\x00")) {
		t.Fatalf("unexpected payload %q", got)
	}
}

type failingWriter struct {
	after int
	n     int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.n++
	if w.n > w.after {
		return 0, errors.New("disk full")
	}
	return len(p), nil
}

func TestSinkErrorIsSticky(t *testing.T) {
	cal := protocol.NativeCalibration()
	reg, _ := NewRegistry(cal)
	w := &failingWriter{after: 2}
	tr, err := New(w, reg)
	if err != nil {
		t.Fatalf("tracer: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tr.Tracef("{}", Int8(1)); err != nil {
			t.Fatalf("records never report sink errors: %v", err)
		}
	}
	if tr.Err() == nil {
		t.Fatalf("expected sticky sink error")
	}
	if w.n != 3 {
		t.Fatalf("expected writes to stop after the failure, got %d", w.n)
	}
}

func TestRegistryAlignsAndDeduplicates(t *testing.T) {
	cal, _ := protocol.NewCalibration(protocol.Widths{Size: 4, Ptr: 4}, binary.BigEndian)
	reg, err := NewRegistry(cal, WithBase(0x2000))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	info := protocol.FormatInfo{Format: "odd", Formatter: protocol.FormatterNone, File: "a.c", Line: 3}
	first, err := reg.Register(info)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	again, _ := reg.Register(info)
	if first != again {
		t.Fatalf("expected identical metadata to share a site")
	}
	info.Line = 4
	second, _ := reg.Register(info)
	if (second.Ref()-reg.Base())%4 != 0 {
		t.Fatalf("expected aligned ref, got %#x", second.Ref())
	}
	if first.Ref() != 0x2000+uint64(cal.HeaderLen()) {
		t.Fatalf("expected first block after header, got %#x", first.Ref())
	}
	section := reg.Section()
	parsed, err := protocol.ParseFormatInfo(section[second.Ref()-reg.Base():], cal)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Line != 4 {
		t.Fatalf("expected line 4, got %d", parsed.Line)
	}
	if _, err := reg.Resolve(0x1); !errors.Is(err, protocol.ErrUnknownBlock) {
		t.Fatalf("expected ErrUnknownBlock, got %v", err)
	}
}
