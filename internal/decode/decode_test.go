package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"testing"

	"github.com/danmuck/emtrace/internal/protocol"
	"github.com/danmuck/emtrace/internal/trace"
)

func newPipeline(t *testing.T, cal protocol.Calibration) (*trace.Tracer, *bytes.Buffer) {
	t.Helper()
	reg, err := trace.NewRegistry(cal)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	var buf bytes.Buffer
	tr, err := trace.New(&buf, reg)
	if err != nil {
		t.Fatalf("tracer: %v", err)
	}
	if err := tr.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return tr, &buf
}

func decodeAll(t *testing.T, stream []byte, resolver Resolver) []string {
	t.Helper()
	d := NewDecoder(bytes.NewReader(stream), resolver)
	var out []string
	for {
		line, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, line.Text)
	}
}

func expectLines(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %d: %q", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestEndToEndOutputs(t *testing.T) {
	tr, buf := newPipeline(t, protocol.NativeCalibration())
	steps := []error{
		tr.Tracef("Extremes: {:d} {:d} {} {}", trace.Uint8(255), trace.Int8(-128), trace.Uint32(4294967295), trace.Int32(-2147483648)),
		tr.Tracef("Zero values: {} {} {}", trace.Int32(0), trace.Float64(0), trace.Bool(false)),
		tr.Tracef("Mixed types: {} {} {}", trace.Int32(42), trace.Float32(3.14), trace.Bool(true)),
		tr.Traceln("Numbers: {} {}", trace.Uint8('x'), trace.Pointer(0xbeef)),
		tr.PrintStringln("Hello, World!"),
		tr.Print("literal {} stays"),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	expectLines(t, decodeAll(t, buf.Bytes(), tr.Registry()),
		"Extremes: 255 -128 4294967295 -2147483648",
		"Zero values: 0 0.0 False",
		"Mixed types: 42 3.140000104904175 True",
		"Numbers: x 0xbeef\n",
		"Hello, World!\n",
		"literal {} stays",
	)
}

func TestMultiArgumentOrdering(t *testing.T) {
	tr, buf := newPipeline(t, protocol.NativeCalibration())
	site, err := tr.Registry().Register(protocol.FormatInfo{
		Format: "{} {} {}",
		Args: []protocol.Arg{
			{TypeName: "int", Size: protocol.Fixed(4)},
			{TypeName: "char", Size: protocol.Fixed(1)},
			{TypeName: "long", Size: protocol.Fixed(8)},
		},
		File: "main.c",
		Line: 10,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.Emit(site, trace.Int32(42), trace.Char('a'), trace.Int64(123456)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	expectLines(t, decodeAll(t, buf.Bytes(), tr.Registry()), "42 a 123456")
}

func TestForeignCalibrations(t *testing.T) {
	for _, w := range []struct {
		size, ptr int
		order     binary.ByteOrder
	}{
		{4, 4, binary.BigEndian},
		{4, 8, binary.LittleEndian},
		{8, 8, binary.BigEndian},
	} {
		cal, err := protocol.NewCalibration(protocol.Widths{Size: w.size, Ptr: w.ptr}, w.order)
		if err != nil {
			t.Fatalf("calibration: %v", err)
		}
		tr, buf := newPipeline(t, cal)
		_ = tr.Tracef("{} {:x} {:.1f} {} {}", trace.Int16(-2), trace.Uint64(0xabc), trace.Float64(2.25),
			trace.String("s"), trace.Bytes([]byte{0xde, 0xad}))

		resolver, err := NewSectionResolver(tr.Registry().Section(), tr.Registry().Base())
		if err != nil {
			t.Fatalf("resolver: %v", err)
		}
		expectLines(t, decodeAll(t, buf.Bytes(), resolver), "-2 abc 2.2 s dead")
	}
}

func TestValueRoundTrip(t *testing.T) {
	tr, buf := newPipeline(t, protocol.NativeCalibration())
	vals := []trace.Value{
		trace.Int8(-5), trace.Int16(-300), trace.Int32(-70000), trace.Int64(-1 << 40),
		trace.Uint16(65535), trace.Uint32(1 << 31), trace.Uint64(1 << 63),
		trace.Float32(1.5), trace.Float64(-2.75), trace.Bool(true),
	}
	want := []any{
		int64(-5), int64(-300), int64(-70000), int64(-1 << 40),
		uint64(65535), uint64(1 << 31), uint64(1 << 63),
		1.5, -2.75, true,
	}
	for _, v := range vals {
		if err := tr.Tracef("{}", v); err != nil {
			t.Fatalf("trace: %v", err)
		}
	}
	d := NewDecoder(bytes.NewReader(buf.Bytes()), tr.Registry())
	for i := range vals {
		line, err := d.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if got := line.Args[0].Interface(); got != want[i] {
			t.Fatalf("record %d: expected %v (%T), got %v (%T)", i, want[i], want[i], got, got)
		}
	}
}

func TestRecordErrorsKeepStreamSynchronized(t *testing.T) {
	tr, buf := newPipeline(t, protocol.NativeCalibration())
	reg := tr.Registry()
	cstyle, _ := reg.Register(protocol.FormatInfo{
		Format: "%d", Formatter: protocol.FormatterCStyle,
		Args: []protocol.Arg{{TypeName: "int", Size: protocol.Fixed(4)}}, File: "c.c", Line: 1,
	})
	unknownType, _ := reg.Register(protocol.FormatInfo{
		Format: "{}", Args: []protocol.Arg{{TypeName: "struct foo", Size: protocol.Fixed(4)}}, File: "c.c", Line: 2,
	})
	tooFew, _ := reg.Register(protocol.FormatInfo{
		Format: "{} {}", Args: []protocol.Arg{{TypeName: "int", Size: protocol.Fixed(4)}}, File: "c.c", Line: 3,
	})

	_ = tr.Emit(cstyle, trace.Int32(1))
	_ = tr.Emit(unknownType, trace.Int32(2))
	_ = tr.Emit(tooFew, trace.Int32(3))
	_ = tr.Print("still here")

	d := NewDecoder(bytes.NewReader(buf.Bytes()), reg)
	for _, want := range []error{protocol.ErrUnsupportedFormatter, protocol.ErrUnknownTypeName, protocol.ErrTooFewArguments} {
		_, err := d.Next()
		if !errors.Is(err, want) {
			t.Fatalf("expected %v, got %v", want, err)
		}
		var re *RecordError
		if !errors.As(err, &re) || !re.Synchronized() || re.File != "c.c" {
			t.Fatalf("expected synchronized record error with location, got %#v", err)
		}
	}
	line, err := d.Next()
	if err != nil || line.Text != "still here" {
		t.Fatalf("expected recovery, got %q/%v", line.Text, err)
	}
}

func TestFatalStreamErrors(t *testing.T) {
	cal := protocol.NativeCalibration()

	tr, buf := newPipeline(t, cal)
	_ = tr.Tracef("{}", trace.Int64(1))
	truncated := buf.Bytes()[:buf.Len()-2]
	_, err := NewDecoder(bytes.NewReader(truncated), tr.Registry()).Next()
	if !errors.Is(err, protocol.ErrTruncatedStream) {
		t.Fatalf("expected ErrTruncatedStream, got %v", err)
	}

	tr, buf = newPipeline(t, cal)
	_ = tr.PrintString("abc")
	unterminated := buf.Bytes()[:buf.Len()-1]
	_, err = NewDecoder(bytes.NewReader(unterminated), tr.Registry()).Next()
	if !errors.Is(err, protocol.ErrUnterminatedValue) {
		t.Fatalf("expected ErrUnterminatedValue, got %v", err)
	}

	tr, buf = newPipeline(t, cal)
	buf.Write(cal.AppendPtr(nil, 0xdead))
	_, err = NewDecoder(bytes.NewReader(buf.Bytes()), tr.Registry()).Next()
	var re *RecordError
	if !errors.Is(err, protocol.ErrUnknownBlock) || !errors.As(err, &re) || re.Synchronized() {
		t.Fatalf("expected fatal ErrUnknownBlock, got %v", err)
	}
	if re.Ref != 0xdead {
		t.Fatalf("expected ref 0xdead, got %#x", re.Ref)
	}

	tr, buf = newPipeline(t, cal)
	buf.Write([]byte{1, 2})
	_, err = NewDecoder(bytes.NewReader(buf.Bytes()), tr.Registry()).Next()
	if !errors.Is(err, protocol.ErrTruncatedStream) {
		t.Fatalf("expected ErrTruncatedStream for partial ref, got %v", err)
	}
}

// plainReader hides io.ByteReader from the decoder.
type plainReader struct{ r io.Reader }

func (p plainReader) Read(b []byte) (int, error) { return p.r.Read(b) }

func TestDecodeNextConsumesOneRecord(t *testing.T) {
	tr, buf := newPipeline(t, protocol.NativeCalibration())
	_ = tr.PrintString("first")
	_ = tr.Tracef("second {}", trace.Int32(2))

	r := bytes.NewReader(buf.Bytes())
	cal, err := protocol.DecodeHeader(r)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	src := plainReader{r}
	line, err := DecodeNext(src, cal, tr.Registry())
	if err != nil || line.Text != "first" {
		t.Fatalf("expected first, got %q/%v", line.Text, err)
	}
	line, err = DecodeNext(src, cal, tr.Registry())
	if err != nil || line.Text != "second 2" {
		t.Fatalf("expected second 2, got %q/%v", line.Text, err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected stream fully consumed, %d bytes left", r.Len())
	}
}

func TestDecoderTracksOffsets(t *testing.T) {
	tr, buf := newPipeline(t, protocol.NativeCalibration())
	_ = tr.Tracef("{}", trace.Int32(1))
	_ = tr.PrintString("xy")
	cal := tr.Registry().Calibration()

	d := NewDecoder(bytes.NewReader(buf.Bytes()), tr.Registry())
	first, _ := d.Next()
	second, _ := d.Next()
	if first.Offset != int64(cal.HeaderLen()) {
		t.Fatalf("expected first offset %d, got %d", cal.HeaderLen(), first.Offset)
	}
	if second.Offset != first.Offset+int64(cal.Ptr)+4 {
		t.Fatalf("unexpected second offset %d", second.Offset)
	}
	if d.Offset() != int64(buf.Len()) {
		t.Fatalf("expected %d consumed bytes, got %d", buf.Len(), d.Offset())
	}
}

func TestDecoderHonorsHeaderInfoOffset(t *testing.T) {
	cal, err := protocol.NewCalibration(protocol.Widths{Size: 8, Ptr: 8}, binary.LittleEndian)
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	cal.Info = 48
	tr, buf := newPipeline(t, cal)
	_ = tr.Tracef("{}", trace.Int32(9))

	resolver, err := NewSectionResolver(tr.Registry().Section(), tr.Registry().Base())
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	if got := resolver.Calibration().InfoOffset(); got != 48 {
		t.Fatalf("expected resolver info offset 48, got %d", got)
	}
	d := NewDecoder(bytes.NewReader(buf.Bytes()), resolver)
	line, err := d.Next()
	if err != nil || line.Text != "9" {
		t.Fatalf("expected 9, got %q/%v", line.Text, err)
	}
	if line.Offset != 80 {
		t.Fatalf("expected first record at offset 80, got %d", line.Offset)
	}
	if d.Offset() != int64(buf.Len()) {
		t.Fatalf("expected %d consumed bytes, got %d", buf.Len(), d.Offset())
	}
}

func TestOversizedLengthIsTruncation(t *testing.T) {
	cal, err := protocol.NewCalibration(protocol.Widths{Size: 8, Ptr: 8}, binary.LittleEndian)
	if err != nil {
		t.Fatalf("calibration: %v", err)
	}
	tr, buf := newPipeline(t, cal)
	_ = tr.Tracef("{}", trace.Bytes([]byte{1, 2, 3}))
	stream := append([]byte{}, buf.Bytes()...)
	binary.LittleEndian.PutUint64(stream[cal.HeaderLen()+8:], 1<<63|5)

	_, err = NewDecoder(bytes.NewReader(stream), tr.Registry()).Next()
	var re *RecordError
	if !errors.Is(err, protocol.ErrTruncatedStream) || !errors.As(err, &re) || re.Synchronized() {
		t.Fatalf("expected fatal ErrTruncatedStream, got %v", err)
	}
}

func TestConcurrentProducersDoNotInterleave(t *testing.T) {
	tr, buf := newPipeline(t, protocol.NativeCalibration())
	const workers, perWorker = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = tr.Tracef("worker {} message {} {}", trace.Int32(int32(id)), trace.Int32(int32(i)),
					trace.String(fmt.Sprintf("tag-%d-%d", id, i)))
			}
		}(w)
	}
	wg.Wait()

	lines := decodeAll(t, buf.Bytes(), tr.Registry())
	if len(lines) != workers*perWorker {
		t.Fatalf("expected %d lines, got %d", workers*perWorker, len(lines))
	}
	re := regexp.MustCompile(`^worker (\d+) message (\d+) tag-(\d+)-(\d+)$`)
	for _, line := range lines {
		m := re.FindStringSubmatch(line)
		if m == nil || m[1] != m[3] || m[2] != m[4] {
			t.Fatalf("interleaved record: %q", line)
		}
	}
}

func TestKindOf(t *testing.T) {
	cases := map[string]Kind{
		"const char *":       KindPointer,
		"void*":              KindPointer,
		"unsigned  long":     KindUnsigned,
		"volatile int":       KindSigned,
		"uint8_t":            KindChar,
		"signed char":        KindSignedChar,
		"_Bool":              KindBool,
		"double":             KindFloat,
		"string":             KindString,
		"unsigned long long": KindUnsigned,
	}
	for name, want := range cases {
		got, err := KindOf(name)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s (%v)", name, want, got, err)
		}
	}
	if _, err := KindOf("struct foo"); !errors.Is(err, protocol.ErrUnknownTypeName) {
		t.Fatalf("expected ErrUnknownTypeName, got %v", err)
	}
}

func TestHalfFloat(t *testing.T) {
	v := Value{TypeName: "_Float16", Kind: KindFloat, Raw: []byte{0x00, 0x3e}, order: binary.LittleEndian}
	if got := v.String(); got != "1.5" {
		t.Fatalf("expected 1.5, got %q", got)
	}
}
