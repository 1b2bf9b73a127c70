package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/emtrace/internal/capture"
	"github.com/danmuck/emtrace/internal/config"
	"github.com/danmuck/emtrace/internal/decode"
	"github.com/danmuck/emtrace/internal/logging"
	"github.com/danmuck/emtrace/internal/observability"
	"github.com/danmuck/emtrace/internal/render"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

func decodeCmd() *cli.Command {
	return &cli.Command{
		Name:  "decode",
		Usage: "Decode a trace stream into text using a snapshot of the producer's format-info section",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "decoder config file (.toml or .yaml)"},
			&cli.StringFlag{Name: "snapshot", Aliases: []string{"s"}, Usage: "producer snapshot file"},
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "input: -, path, file://, tcp://host:port or unix://path"},
			&cli.StringFlag{Name: "dump-input", Usage: "copy raw input bytes to this file"},
			&cli.StringFlag{Name: "with-src-loc", Usage: "prefix lines with source locations (none, absolute, relative)"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "output format (text, json)"},
			&cli.StringFlag{Name: "expect", Usage: "compare decoded text with this file"},
			&cli.BoolFlag{Name: "keep-going", Aliases: []string{"k"}, Usage: "log record errors and continue when the stream is still aligned"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on host:port while decoding"},
			&cli.StringFlag{Name: "log-level", Usage: "log level (trace, debug, info, warn, error, off)"},
			&cli.BoolFlag{Name: "debug", Usage: "shorthand for --log-level debug"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := decodeConfigFromCommand(cmd)
			if err != nil {
				return err
			}
			if cfg.LogLevel != "" {
				if err := logging.SetLevel(cfg.LogLevel); err != nil {
					return err
				}
			}
			log, _ := logging.Session(logging.Component("decode"))

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			// A second signal gets the default behavior.
			context.AfterFunc(ctx, stop)
			if cfg.MetricsAddr != "" {
				go func() {
					if err := observability.Serve(ctx, cfg.MetricsAddr, log); err != nil {
						log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics endpoint failed")
					}
				}()
			}

			start := time.Now()
			err = runDecode(ctx, cfg, os.Stdout, log)
			observability.RecordSession(cfg.Input, time.Since(start), err)
			return err
		},
	}
}

// decodeConfigFromCommand loads --config when given and lets explicitly
// set flags win over file values.
func decodeConfigFromCommand(cmd *cli.Command) (config.DecodeConfig, error) {
	cfg := config.DefaultDecodeConfig()
	if path := cmd.String("config"); path != "" {
		loaded, err := config.LoadDecodeConfig(path)
		if err != nil {
			return config.DecodeConfig{}, err
		}
		cfg = loaded
	}

	if cmd.IsSet("snapshot") {
		cfg.Snapshot = cmd.String("snapshot")
	}
	if cmd.IsSet("input") {
		cfg.Input = cmd.String("input")
	}
	if cmd.IsSet("dump-input") {
		cfg.DumpInput = cmd.String("dump-input")
	}
	if cmd.IsSet("with-src-loc") {
		mode, err := render.ParseLocationMode(cmd.String("with-src-loc"))
		if err != nil {
			return config.DecodeConfig{}, err
		}
		cfg.SourceLoc = mode
	}
	if cmd.IsSet("format") {
		cfg.Output = cmd.String("format")
	}
	if cmd.IsSet("expect") {
		cfg.Expect = cmd.String("expect")
	}
	if cmd.IsSet("keep-going") {
		cfg.KeepGoing = cmd.Bool("keep-going")
	}
	if cmd.IsSet("metrics-addr") {
		cfg.MetricsAddr = cmd.String("metrics-addr")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.DecodeConfig{}, err
	}
	return cfg, nil
}

func runDecode(ctx context.Context, cfg config.DecodeConfig, stdout io.Writer, log zerolog.Logger) error {
	snap, err := capture.LoadSnapshot(cfg.Snapshot)
	if err != nil {
		return err
	}
	resolver, err := snap.Resolver()
	if err != nil {
		return err
	}
	log.Debug().
		Str("snapshot", cfg.Snapshot).
		Str("producer", snap.Producer).
		Int("sites", len(snap.Sites)).
		Msg("snapshot loaded")

	src, err := capture.ParseSource(cfg.Input)
	if err != nil {
		return err
	}
	in, err := capture.Open(ctx, src, cfg.Dial, log)
	if err != nil {
		return err
	}
	defer in.Close()

	var r io.Reader = in
	if cfg.DumpInput != "" {
		dump, err := os.Create(cfg.DumpInput)
		if err != nil {
			return fmt.Errorf("create input dump: %w", err)
		}
		defer dump.Close()
		r = io.TeeReader(in, dump)
	}

	out := stdout
	var got bytes.Buffer
	if cfg.Expect != "" {
		out = io.MultiWriter(stdout, &got)
	}
	var w render.Writer
	var jw *render.JSONWriter
	if cfg.Output == config.OutputJSON {
		jw = render.NewJSONWriter(out)
		w = jw
	} else {
		w = render.NewTextWriter(out, cfg.SourceLoc)
	}

	dec := decode.NewDecoder(r, resolver, decode.WithLogger(log))
	if _, err := dec.ReadHeader(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream header: %w", err)
	}

	var records, failed int
	consumed := dec.Offset()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := dec.Next()
		observability.RecordStreamBytes(cfg.Input, dec.Offset()-consumed)
		consumed = dec.Offset()
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var rerr *decode.RecordError
			if !cfg.KeepGoing || !errors.As(err, &rerr) || !rerr.Synchronized() {
				observability.RecordRecord(cfg.Input, observability.ResultFailed)
				return err
			}
			failed++
			observability.RecordRecord(cfg.Input, observability.ResultSkipped)
			log.Warn().
				Err(rerr.Err).
				Int64("offset", rerr.Offset).
				Uint64("ref", rerr.Ref).
				Str("file", rerr.File).
				Uint64("line", rerr.Line).
				Msg("record skipped")
			if jw != nil {
				if err := jw.WriteError(line, rerr); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			}
			continue
		}
		records++
		observability.RecordRecord(cfg.Input, observability.ResultDecoded)
		if err := w.WriteLine(line); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	log.Info().
		Int("records", records).
		Int("errors", failed).
		Int64("bytes", dec.Offset()).
		Msg("decode finished")

	if cfg.Expect != "" {
		want, err := os.ReadFile(cfg.Expect)
		if err != nil {
			return fmt.Errorf("read expected output: %w", err)
		}
		if err := render.CompareOutput(want, got.Bytes()); err != nil {
			return fmt.Errorf("expect %s: %w", cfg.Expect, err)
		}
		log.Info().Str("expect", cfg.Expect).Msg("output matches")
	}
	if failed > 0 {
		return fmt.Errorf("%d record(s) could not be decoded", failed)
	}
	return nil
}
