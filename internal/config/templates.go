package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starter config in the given format
// ("toml" or "yaml").
func Template(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "toml":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config format: %s", format)
	}
}

// WriteTemplate writes the template matching path's extension.
func WriteTemplate(path string, overwrite bool) error {
	format := "toml"
	if isYAML(path) {
		format = "yaml"
	}
	template, err := Template(format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const tomlTemplate = `# stdin ("-"), a file path, file://path, tcp://host:port or unix://path
input = "-"
snapshot = "trace.snap"
# none, absolute or relative
with_src_loc = "none"
# text or json
output = "text"
dump_input = ""
expect = ""
keep_going = false
# host:port for a Prometheus /metrics endpoint, empty to disable
metrics_addr = ""

[log]
level = "info"

[dial]
timeout = "5s"
max_attempts = 5
initial_delay = "250ms"
max_delay = "5s"
multiplier = 2.0
jitter = true
`

const yamlTemplate = `# stdin ("-"), a file path, file://path, tcp://host:port or unix://path
input: "-"
snapshot: trace.snap
# none, absolute or relative
with_src_loc: none
# text or json
output: text
dump_input: ""
expect: ""
keep_going: false
# host:port for a Prometheus /metrics endpoint, empty to disable
metrics_addr: ""

log:
  level: info

dial:
  timeout: 5s
  max_attempts: 5
  initial_delay: 250ms
  max_delay: 5s
  multiplier: 2.0
  jitter: true
`
