package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/emtrace/internal/render"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadTOMLOverlaysDefinedKeys(t *testing.T) {
	path := writeFile(t, "decode.toml", `
input = "tcp://127.0.0.1:7070"
snapshot = "/tmp/app.snap"
with_src_loc = "relative"
keep_going = true

[dial]
max_attempts = 9
initial_delay = "10ms"
`)
	cfg, err := LoadDecodeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Input != "tcp://127.0.0.1:7070" || cfg.Snapshot != "/tmp/app.snap" {
		t.Fatalf("unexpected input/snapshot: %q %q", cfg.Input, cfg.Snapshot)
	}
	if cfg.SourceLoc != render.LocationRelative {
		t.Fatalf("expected relative locations, got %q", cfg.SourceLoc)
	}
	if !cfg.KeepGoing {
		t.Fatalf("expected keep_going")
	}
	if cfg.Dial.MaxAttempts != 9 || cfg.Dial.Backoff.InitialDelay != 10*time.Millisecond {
		t.Fatalf("unexpected dial config: %+v", cfg.Dial)
	}
	def := DefaultDecodeConfig()
	if cfg.Output != def.Output || cfg.Dial.Timeout != def.Dial.Timeout || cfg.LogLevel != def.LogLevel {
		t.Fatalf("undefined keys should keep defaults, got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "decode.yaml", `
input: capture.bin
snapshot: app.snap
output: json
log:
  level: debug
dial:
  multiplier: 3
`)
	cfg, err := LoadDecodeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Input != "capture.bin" || cfg.Output != OutputJSON || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Dial.Backoff.Multiplier != 3 {
		t.Fatalf("expected multiplier 3, got %v", cfg.Dial.Backoff.Multiplier)
	}
	if cfg.Dial.MaxAttempts != DefaultDecodeConfig().Dial.MaxAttempts {
		t.Fatalf("expected default max attempts, got %d", cfg.Dial.MaxAttempts)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	for name, body := range map[string]string{
		"bad.toml": "inptu = \"x\"\n",
		"bad.yaml": "inptu: x\n",
	} {
		if _, err := LoadDecodeConfig(writeFile(t, name, body)); err == nil {
			t.Fatalf("%s: expected unknown key error", name)
		}
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	if _, err := LoadDecodeConfig(writeFile(t, "a.toml", "with_src_loc = \"full\"\n")); err == nil {
		t.Fatalf("expected bad location mode error")
	}
	_, err := LoadDecodeConfig(writeFile(t, "b.toml", "[dial]\ntimeout = \"soon\"\n"))
	if err == nil || !strings.Contains(err.Error(), "dial.timeout") {
		t.Fatalf("expected dial.timeout parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := DefaultDecodeConfig()
	base.Snapshot = "app.snap"
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(*DecodeConfig){
		"snapshot":     func(c *DecodeConfig) { c.Snapshot = "" },
		"output":       func(c *DecodeConfig) { c.Output = "xml" },
		"expect":       func(c *DecodeConfig) { c.Output = OutputJSON; c.Expect = "want.txt" },
		"level":        func(c *DecodeConfig) { c.LogLevel = "loud" },
		"timeout":      func(c *DecodeConfig) { c.Dial.Timeout = 0 },
		"max_attempts": func(c *DecodeConfig) { c.Dial.MaxAttempts = 0 },
		"multiplier":   func(c *DecodeConfig) { c.Dial.Backoff.Multiplier = 0.5 },
		"input":        func(c *DecodeConfig) { c.Input = "tcp://" },
		"metrics_addr": func(c *DecodeConfig) { c.MetricsAddr = "nocolon" },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestTemplatesLoad(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"decode.toml", "decode.yaml"} {
		path := filepath.Join(dir, name)
		if err := WriteTemplate(path, false); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		cfg, err := LoadDecodeConfig(path)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("validate %s: %v", name, err)
		}
		if cfg.Snapshot != "trace.snap" || cfg.Dial.Backoff.InitialDelay != 250*time.Millisecond {
			t.Fatalf("%s: unexpected config %+v", name, cfg)
		}
		if err := WriteTemplate(path, false); err == nil {
			t.Fatalf("%s: expected existing file to be kept", name)
		}
	}
	if _, err := Template("ini"); err == nil {
		t.Fatalf("expected unknown format error")
	}
}
