package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/parfs/pkg/adapter/parfs"
	"gopkg.in/yaml.v3"
)

const configHeader = `# parfs Configuration File
#
# Values can be overridden with PARFS_* environment variables,
# e.g. PARFS_SERVER_HOME=/srv/parfs or PARFS_LOGGING_LEVEL=DEBUG.

`

// InitConfig writes a commented default configuration to the default
// location and returns its path.
//
// Returns an error if the file already exists and force is false.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a commented default configuration to path,
// creating parent directories as needed.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// field is one commented key of the sample file.
type field struct {
	key     string
	value   any
	comment string
}

// generateYAMLWithComments renders cfg as YAML with a comment above each key.
func generateYAMLWithComments(cfg *Config) (string, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	addSection(root, "logging", "Logging output",
		field{"level", cfg.Logging.Level, "DEBUG, INFO, WARN or ERROR"},
		field{"format", cfg.Logging.Format, "text or json"},
		field{"output", cfg.Logging.Output, "stdout, stderr or a file path"},
	)

	s := cfg.Server
	addSection(root, "server", "parfs server",
		field{"listen_address", s.ListenAddress, "Address clients connect to first"},
		field{"home", s.Home, "Directory tree exposed to clients; clients cannot leave it"},
		field{"ports", s.Ports, "Session ports, one worker per port (\"first-last\")"},
		field{"reject_when_busy", s.RejectWhenBusy, "Close new connections at once when every worker is busy instead of queueing them"},
		field{"accept_rate", s.AcceptRate, "New connections per second, 0 for unlimited"},
		field{"accept_burst", s.AcceptBurst, "Connections admitted at once before accept_rate applies"},
		field{"migrate_timeout", s.MigrateTimeout, "How long a worker waits for the client on its session port"},
		field{"idle_timeout", s.IdleTimeout, "Disconnect sessions idle for this long, 0s to never"},
		field{"shutdown_timeout", s.ShutdownTimeout, "Wait for active sessions on shutdown before closing them"},
		field{"metrics_log_interval", s.MetricsLogInterval, "Interval of the periodic status log line, 0s to disable"},
		field{"buffer_size", s.BufferSize, "Transfer chunk size in bytes"},
	)

	addSection(root, "metrics", "Prometheus metrics endpoint (/metrics)",
		field{"enabled", cfg.Metrics.Enabled, ""},
		field{"host", cfg.Metrics.Host, ""},
		field{"port", cfg.Metrics.Port, ""},
	)

	addSection(root, "client", "Defaults for parfs-client",
		field{"address", cfg.Client.Address, "Server to connect to at startup; empty starts disconnected"},
		field{"connect_timeout", cfg.Client.ConnectTimeout, ""},
		field{"connect_retries", cfg.Client.ConnectRetries, "Attempts to reach the session port"},
		field{"retry_interval", cfg.Client.RetryInterval, ""},
	)

	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	return buf.String(), nil
}

func addSection(root *yaml.Node, name, comment string, fields ...field) {
	section := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range fields {
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: f.key}
		if f.comment != "" {
			key.HeadComment = "# " + f.comment
		}
		section.Content = append(section.Content, key, scalarNode(f.value))
	}

	key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name, HeadComment: "# " + comment}
	root.Content = append(root.Content, key, section)
}

func scalarNode(v any) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode}
	switch val := v.(type) {
	case string:
		n.Tag, n.Value = "!!str", val
	case bool:
		n.Tag, n.Value = "!!bool", strconv.FormatBool(val)
	case int:
		n.Tag, n.Value = "!!int", strconv.Itoa(val)
	case float64:
		n.Tag, n.Value = "!!float", strconv.FormatFloat(val, 'f', -1, 64)
		if !strings.ContainsAny(n.Value, ".eE") {
			n.Value += ".0"
		}
	case time.Duration:
		n.Tag, n.Value = "!!str", val.String()
	case parfs.PortRange:
		n.Tag, n.Value = "!!str", val.String()
	default:
		n.Tag, n.Value = "!!str", fmt.Sprint(val)
	}
	return n
}
