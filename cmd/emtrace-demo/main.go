package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/danmuck/emtrace/internal/capture"
	"github.com/danmuck/emtrace/internal/logging"
	"github.com/danmuck/emtrace/internal/protocol"
	"github.com/danmuck/emtrace/internal/trace"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

type demoOptions struct {
	out       string
	serve     string
	snapshot  string
	expectOut string
	compress  capture.Compression
	scenarios []scenario
}

func main() {
	logging.ConfigureRuntime()
	app := &cli.Command{
		Name:  "emtrace-demo",
		Usage: "Produce a sample trace stream and the snapshot needed to decode it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "capture file, or - for stdout", Value: "demo.trace"},
			&cli.StringFlag{Name: "serve", Usage: "stream to one client on tcp://host:port or unix://path instead of writing a file"},
			&cli.StringFlag{Name: "snapshot", Aliases: []string{"s"}, Usage: "snapshot output file", Value: "demo.snap"},
			&cli.StringFlag{Name: "expect-out", Usage: "write the expected decoded text to this file"},
			&cli.StringFlag{Name: "compress", Usage: "capture file compression (none, zstd, lz4)", Value: "none"},
			&cli.StringSliceFlag{Name: "scenario", Usage: "scenarios to run (basic, integers, mixed, edge, strings, threads, all)"},
			&cli.StringFlag{Name: "log-level", Usage: "log level (overrides EMTRACE_LOG_LEVEL)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if lvl := cmd.String("log-level"); lvl != "" {
				if err := logging.SetLevel(lvl); err != nil {
					return err
				}
			}
			c, err := capture.ParseCompression(cmd.String("compress"))
			if err != nil {
				return err
			}
			selected, err := selectScenarios(cmd.StringSlice("scenario"))
			if err != nil {
				return err
			}
			return run(ctx, demoOptions{
				out:       cmd.String("out"),
				serve:     cmd.String("serve"),
				snapshot:  cmd.String("snapshot"),
				expectOut: cmd.String("expect-out"),
				compress:  c,
				scenarios: selected,
			}, logging.Component("demo"))
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "emtrace-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts demoOptions, log zerolog.Logger) error {
	reg, err := trace.NewRegistry(protocol.NativeCalibration())
	if err != nil {
		return err
	}

	// A dry run registers every site so the snapshot exists before a
	// socket client connects.
	if opts.serve != "" {
		dry, err := trace.New(io.Discard, reg, trace.WithLogger(log))
		if err != nil {
			return err
		}
		if err := emitAll(dry, opts.scenarios); err != nil {
			return err
		}
		if err := saveSnapshot(opts.snapshot, reg, log); err != nil {
			return err
		}
	}

	sink, closeSink, err := openSink(ctx, opts, log)
	if err != nil {
		return err
	}
	tr, err := trace.New(sink, reg, trace.WithLogger(log))
	if err != nil {
		_ = closeSink()
		return err
	}
	if err := tr.Init(); err != nil {
		_ = closeSink()
		return err
	}
	emitErr := emitAll(tr, opts.scenarios)
	if err := errors.Join(emitErr, tr.Err(), closeSink()); err != nil {
		return err
	}

	if opts.serve == "" {
		if err := saveSnapshot(opts.snapshot, reg, log); err != nil {
			return err
		}
	}
	if opts.expectOut != "" {
		if err := writeExpected(opts.expectOut, opts.scenarios); err != nil {
			return err
		}
	}
	log.Info().Int("sites", reg.Len()).Int("scenarios", len(opts.scenarios)).Msg("demo finished")
	return nil
}

func emitAll(tr *trace.Tracer, selected []scenario) error {
	for _, s := range selected {
		if err := s.run(tr); err != nil {
			return fmt.Errorf("scenario %s: %w", s.name, err)
		}
	}
	return nil
}

func saveSnapshot(path string, reg *trace.Registry, log zerolog.Logger) error {
	if err := capture.SaveSnapshot(path, capture.FromRegistry(reg, "emtrace-demo")); err != nil {
		return err
	}
	log.Info().Str("snapshot", path).Int("sites", reg.Len()).Msg("snapshot written")
	return nil
}

// openSink returns the record sink and a func that flushes and closes it.
func openSink(ctx context.Context, opts demoOptions, log zerolog.Logger) (io.Writer, func() error, error) {
	switch {
	case opts.serve != "":
		conn, err := acceptOne(ctx, opts.serve, log)
		if err != nil {
			return nil, nil, err
		}
		bw := bufio.NewWriter(conn)
		return bw, func() error { return errors.Join(bw.Flush(), conn.Close()) }, nil
	case opts.out == "-":
		bw := bufio.NewWriter(os.Stdout)
		return bw, bw.Flush, nil
	default:
		sink, err := capture.CreateFileSink(opts.out, opts.compress)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("out", opts.out).Str("compression", opts.compress.String()).Msg("writing capture")
		return sink, sink.Close, nil
	}
}

func acceptOne(ctx context.Context, addr string, log zerolog.Logger) (net.Conn, error) {
	src, err := capture.ParseSource(addr)
	if err != nil {
		return nil, err
	}
	var network string
	switch src.Kind {
	case capture.SourceTCP:
		network = "tcp"
	case capture.SourceUnix:
		network = "unix"
	default:
		return nil, fmt.Errorf("serve needs a tcp:// or unix:// address, got %q", addr)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, src.Address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", src, err)
	}
	defer ln.Close()
	log.Info().Str("listen", ln.Addr().String()).Msg("waiting for decoder")

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	log.Info().Stringer("remote", conn.RemoteAddr()).Msg("decoder connected")
	return conn, nil
}

func writeExpected(path string, selected []scenario) error {
	var b strings.Builder
	for _, s := range selected {
		if s.want == "" {
			return fmt.Errorf("scenario %s has no fixed output to expect", s.name)
		}
		b.WriteString(s.want)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
