package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/emtrace/internal/capture"
	"github.com/danmuck/emtrace/internal/logging"
	"github.com/danmuck/emtrace/internal/render"
	"gopkg.in/yaml.v3"
)

const (
	OutputText = "text"
	OutputJSON = "json"
)

// DecodeConfig holds the settings of one decode run.
type DecodeConfig struct {
	Input       string
	Snapshot    string
	SourceLoc   render.LocationMode
	Output      string
	DumpInput   string
	Expect      string
	KeepGoing   bool
	LogLevel    string
	MetricsAddr string
	Dial        capture.DialConfig
}

func DefaultDecodeConfig() DecodeConfig {
	return DecodeConfig{
		Input:     "-",
		SourceLoc: render.LocationNone,
		Output:    OutputText,
		Dial:      capture.DefaultDialConfig(),
	}
}

type fileConfig struct {
	Input      string   `toml:"input" yaml:"input"`
	Snapshot   string   `toml:"snapshot" yaml:"snapshot"`
	WithSrcLoc string   `toml:"with_src_loc" yaml:"with_src_loc"`
	Output     string   `toml:"output" yaml:"output"`
	DumpInput  string   `toml:"dump_input" yaml:"dump_input"`
	Expect     string   `toml:"expect" yaml:"expect"`
	KeepGoing  bool     `toml:"keep_going" yaml:"keep_going"`
	Metrics    string   `toml:"metrics_addr" yaml:"metrics_addr"`
	Log        fileLog  `toml:"log" yaml:"log"`
	Dial       fileDial `toml:"dial" yaml:"dial"`
}

type fileLog struct {
	Level string `toml:"level" yaml:"level"`
}

type fileDial struct {
	Timeout      string  `toml:"timeout" yaml:"timeout"`
	MaxAttempts  int     `toml:"max_attempts" yaml:"max_attempts"`
	InitialDelay string  `toml:"initial_delay" yaml:"initial_delay"`
	MaxDelay     string  `toml:"max_delay" yaml:"max_delay"`
	Multiplier   float64 `toml:"multiplier" yaml:"multiplier"`
	Jitter       bool    `toml:"jitter" yaml:"jitter"`
}

// definedFunc reports whether a (possibly nested) key was present in
// the file.
type definedFunc func(key ...string) bool

// LoadDecodeConfig reads a TOML or YAML file (chosen by extension) and
// overlays the keys it defines onto DefaultDecodeConfig. The result is
// not validated; callers merge flags first and then call Validate.
func LoadDecodeConfig(path string) (DecodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DecodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	var raw fileConfig
	var defined definedFunc
	if isYAML(path) {
		defined, err = decodeYAML(data, &raw)
	} else {
		defined, err = decodeTOML(data, &raw)
	}
	if err != nil {
		return DecodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	cfg, err := overlay(DefaultDecodeConfig(), raw, defined)
	if err != nil {
		return DecodeConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decodeTOML(data []byte, raw *fileConfig) (definedFunc, error) {
	meta, err := toml.Decode(string(data), raw)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	return meta.IsDefined, nil
}

func decodeYAML(data []byte, raw *fileConfig) (definedFunc, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return func(key ...string) bool {
		node := any(tree)
		for _, k := range key {
			m, ok := node.(map[string]any)
			if !ok {
				return false
			}
			if node, ok = m[k]; !ok {
				return false
			}
		}
		return true
	}, nil
}

func overlay(cfg DecodeConfig, raw fileConfig, defined definedFunc) (DecodeConfig, error) {
	if defined("input") {
		cfg.Input = strings.TrimSpace(raw.Input)
	}
	if defined("snapshot") {
		cfg.Snapshot = strings.TrimSpace(raw.Snapshot)
	}
	if defined("with_src_loc") {
		mode, err := render.ParseLocationMode(strings.TrimSpace(raw.WithSrcLoc))
		if err != nil {
			return DecodeConfig{}, err
		}
		cfg.SourceLoc = mode
	}
	if defined("output") {
		cfg.Output = strings.ToLower(strings.TrimSpace(raw.Output))
	}
	if defined("dump_input") {
		cfg.DumpInput = strings.TrimSpace(raw.DumpInput)
	}
	if defined("expect") {
		cfg.Expect = strings.TrimSpace(raw.Expect)
	}
	if defined("keep_going") {
		cfg.KeepGoing = raw.KeepGoing
	}
	if defined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.Metrics)
	}
	if defined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"timeout", raw.Dial.Timeout, &cfg.Dial.Timeout},
		{"initial_delay", raw.Dial.InitialDelay, &cfg.Dial.Backoff.InitialDelay},
		{"max_delay", raw.Dial.MaxDelay, &cfg.Dial.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !defined("dial", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return DecodeConfig{}, fmt.Errorf("parse dial.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if defined("dial", "max_attempts") {
		cfg.Dial.MaxAttempts = raw.Dial.MaxAttempts
	}
	if defined("dial", "multiplier") {
		cfg.Dial.Backoff.Multiplier = raw.Dial.Multiplier
	}
	if defined("dial", "jitter") {
		cfg.Dial.Backoff.Jitter = raw.Dial.Jitter
	}
	return cfg, nil
}

func (c DecodeConfig) Validate() error {
	if strings.TrimSpace(c.Input) == "" {
		return fmt.Errorf("decode config missing input")
	}
	if _, err := capture.ParseSource(c.Input); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(c.Snapshot) == "" {
		return fmt.Errorf("decode config missing snapshot")
	}
	if _, err := render.ParseLocationMode(string(c.SourceLoc)); err != nil {
		return err
	}
	switch c.Output {
	case OutputText, OutputJSON:
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", c.Output)
	}
	if c.Expect != "" && c.Output != OutputText {
		return fmt.Errorf("expect requires text output")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("invalid metrics_addr: %w", err)
		}
	}
	if c.Dial.Timeout <= 0 {
		return fmt.Errorf("dial.timeout must be positive")
	}
	if c.Dial.MaxAttempts < 1 {
		return fmt.Errorf("dial.max_attempts must be at least 1")
	}
	if c.Dial.Backoff.InitialDelay < 0 || c.Dial.Backoff.MaxDelay < 0 {
		return fmt.Errorf("dial delays must not be negative")
	}
	if c.Dial.Backoff.Multiplier < 1 {
		return fmt.Errorf("dial.multiplier must be at least 1")
	}
	return nil
}
