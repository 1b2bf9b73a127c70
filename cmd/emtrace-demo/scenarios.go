package main

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/emtrace/internal/trace"
)

// scenario emits a fixed set of records. want is the decoded text when
// the output is deterministic, and empty otherwise.
type scenario struct {
	name string
	run  func(*trace.Tracer) error
	want string
}

var scenarios = []scenario{
	{name: "basic", run: basic, want: "Hello, World!\n" +
		"The answer is 42\n" +
		"pi is roughly 3.14159\n"},
	{name: "integers", run: integers, want: "Signed integers: -128 -32768 -2147483648 -9223372036854775808\n" +
		"Unsigned integers: 255 65535 4294967295 18446744073709551615\n" +
		"Size integers: 42 -42\n"},
	{name: "mixed", run: mixed, want: "Mixed types: 42 3.140000104904175 True\n" +
		"Complex format: Value=100, Active=False, Ratio=0.5\n" +
		"Numbers: \x01 \x02 \x03 \x04 \x05\n"},
	{name: "edge", run: edgeCases, want: "Edge cases:\n" +
		"Zero values: 0 0.0 False\n" +
		"Extremes: 255 -128 4294967295 -2147483648\n" +
		"No format\n"},
	{name: "strings", run: stringsScenario, want: "Name: emtrace, empty: <>\n" +
		"stdin says: streamed text\n" +
		"payload 0x00ff10 (3 bytes)\n" +
		"|left      |     right|  center  |\n"},
	{name: "threads", run: threads},
}

func selectScenarios(names []string) ([]scenario, error) {
	if len(names) == 0 || (len(names) == 1 && names[0] == "all") {
		return scenarios, nil
	}
	byName := make(map[string]scenario, len(scenarios))
	for _, s := range scenarios {
		byName[s.name] = s
	}
	out := make([]scenario, 0, len(names))
	for _, n := range names {
		s, ok := byName[strings.TrimSpace(n)]
		if !ok {
			known := make([]string, 0, len(byName))
			for k := range byName {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("unknown scenario %q (known: %s)", n, strings.Join(known, ", "))
		}
		out = append(out, s)
	}
	return out, nil
}

func basic(tr *trace.Tracer) error {
	if err := tr.Println("Hello, World!"); err != nil {
		return err
	}
	if err := tr.Traceln("The answer is {}", trace.Int32(42)); err != nil {
		return err
	}
	return tr.Traceln("pi is roughly {:.5f}", trace.Float64(math.Pi))
}

func integers(tr *trace.Tracer) error {
	if err := tr.Traceln("Signed integers: {:d} {} {} {}",
		trace.Int8(math.MinInt8), trace.Int16(math.MinInt16), trace.Int32(math.MinInt32), trace.Int64(math.MinInt64)); err != nil {
		return err
	}
	if err := tr.Traceln("Unsigned integers: {:d} {} {} {}",
		trace.Uint8(math.MaxUint8), trace.Uint16(math.MaxUint16), trace.Uint32(math.MaxUint32), trace.Uint64(math.MaxUint64)); err != nil {
		return err
	}
	return tr.Traceln("Size integers: {} {}", trace.Uint64(42), trace.Int64(-42))
}

func mixed(tr *trace.Tracer) error {
	if err := tr.Traceln("Mixed types: {} {} {}",
		trace.Int32(42), trace.Float32(3.140000104904175), trace.Bool(true)); err != nil {
		return err
	}
	if err := tr.Traceln("Complex format: Value={}, Active={}, Ratio={}",
		trace.Int32(100), trace.Bool(false), trace.Float64(0.5)); err != nil {
		return err
	}
	return tr.Traceln("Numbers: {} {} {} {} {}",
		trace.Uint8(1), trace.Uint8(2), trace.Uint8(3), trace.Uint8(4), trace.Uint8(5))
}

func edgeCases(tr *trace.Tracer) error {
	if err := tr.Println("Edge cases:"); err != nil {
		return err
	}
	if err := tr.Traceln("Zero values: {} {} {}",
		trace.Int32(0), trace.Float32(0), trace.Bool(false)); err != nil {
		return err
	}
	if err := tr.Traceln("Extremes: {:d} {:d} {} {}",
		trace.Uint8(math.MaxUint8), trace.Int8(math.MinInt8), trace.Uint32(math.MaxUint32), trace.Int32(math.MinInt32)); err != nil {
		return err
	}
	if err := tr.Print("No format"); err != nil {
		return err
	}
	return tr.Println("")
}

func stringsScenario(tr *trace.Tracer) error {
	if err := tr.Traceln("Name: {}, empty: <{}>", trace.String("emtrace"), trace.String("")); err != nil {
		return err
	}
	if err := tr.Print("stdin says: "); err != nil {
		return err
	}
	if err := tr.PrintFrom(strings.NewReader("streamed text")); err != nil {
		return err
	}
	if err := tr.Println(""); err != nil {
		return err
	}
	if err := tr.Traceln("payload 0x{} ({} bytes)", trace.Bytes([]byte{0x00, 0xff, 0x10}), trace.Uint16(3)); err != nil {
		return err
	}
	return tr.Traceln("|{:<10}|{:>10}|{:^10}|",
		trace.String("left"), trace.String("right"), trace.String("center"))
}

// threads emits from several goroutines at once; records never
// interleave but their order is not fixed.
func threads(tr *trace.Tracer) error {
	const workers, iterations = 8, 16
	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id uint8) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				elapsed := float32(time.Since(start).Milliseconds()) / 1000
				if err := tr.Traceln("t = {}: Thread {:d} step {}", trace.Float32(elapsed), trace.Uint8(id), trace.Int32(int32(j))); err != nil {
					errs <- err
					return
				}
			}
		}(uint8(i))
	}
	wg.Wait()
	close(errs)
	return <-errs
}
