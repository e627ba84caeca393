package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/bluenviron/gomavlib/v2/pkg/dialect"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/all"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/ardupilotmega"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/development"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/minimal"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/paparazzi"
	"github.com/bluenviron/gomavlib/v2/pkg/dialects/standard"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	MAVLink   MAVLinkConfig   `yaml:"mavlink"`
	Network   NetworkConfig   `yaml:"network"`
	Rules     []RuleConfig    `yaml:"rules"`
	Scripts   ScriptsConfig   `yaml:"scripts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RelayConfig contains relay-specific configuration.
type RelayConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// NetworkConfig describes the proxy's two TCP endpoints: the listener GCS
// clients dial into, and the single persistent connection to the router.
type NetworkConfig struct {
	GCSListenAddress string `yaml:"gcs_listen_address"`
	GCSListenPort    int    `yaml:"gcs_listen_port"`
	RouterAddress    string `yaml:"router_address"`
	RouterPort       int    `yaml:"router_port"`
}

// GCSListenAddr returns the host:port the GCS listener binds to.
func (n NetworkConfig) GCSListenAddr() string {
	return fmt.Sprintf("%s:%d", n.GCSListenAddress, n.GCSListenPort)
}

// RouterAddr returns the host:port the router connection dials.
func (n NetworkConfig) RouterAddr() string {
	return fmt.Sprintf("%s:%d", n.RouterAddress, n.RouterPort)
}

// MAVLinkConfig contains MAVLink dialect settings.
type MAVLinkConfig struct {
	DialectName string           `yaml:"dialect"` // common, ardupilot, px4, etc.
	Dialect     *dialect.Dialect `yaml:"-"`        // resolved at load time
}

// RuleConfig is the YAML shape of one rule pipeline entry (C3). buildRule
// (rules.go) resolves it into a *rules.Rule; kept here rather than unmarshaling
// directly into rules.Rule so the rules package never depends on yaml
// tags it has no other use for.
type RuleConfig struct {
	Name             string         `yaml:"name"`
	Priority         int            `yaml:"priority"`
	EnabledByDefault *bool          `yaml:"enabled_by_default,omitempty"`
	Direction        string         `yaml:"direction"` // gcs_to_router, router_to_gcs, both
	MessageType      string         `yaml:"message_type"`

	Conditions RuleConditionsConfig `yaml:"conditions,omitempty"`

	Actions             []string `yaml:"actions"`
	DelaySeconds        uint64   `yaml:"delay_seconds,omitempty"`
	BatchCount          int      `yaml:"batch_count,omitempty"`
	BatchTimeoutSeconds uint64   `yaml:"batch_timeout_seconds,omitempty"`
	BatchTimeoutForward bool     `yaml:"batch_timeout_forward,omitempty"`
	BatchKey            string   `yaml:"batch_key,omitempty"`
	BatchSystemIDField  string   `yaml:"batch_system_id_field,omitempty"`

	Modifier string   `yaml:"modifier,omitempty"`
	Plugins  []string `yaml:"plugins,omitempty"`

	AutoAck bool           `yaml:"auto_ack,omitempty"`
	Ack     *RuleAckConfig `yaml:"ack,omitempty"`

	Triggers *RuleTriggersConfig `yaml:"triggers,omitempty"`
}

// RuleConditionsConfig narrows a match beyond message type and direction.
type RuleConditionsConfig struct {
	SourceSystem    *uint8         `yaml:"source_system,omitempty"`
	SourceComponent *uint8         `yaml:"source_component,omitempty"`
	Fields          map[string]any `yaml:"fields,omitempty"`
}

// RuleAckConfig describes how to synthesize an ACK on match.
type RuleAckConfig struct {
	MessageType          string            `yaml:"message_type"`
	SourceSystemField    string            `yaml:"source_system_field,omitempty"`
	SourceComponentField string            `yaml:"source_component_field,omitempty"`
	Fields               map[string]any    `yaml:"fields,omitempty"`
	CopyFields           map[string]string `yaml:"copy_fields,omitempty"`
}

// RuleTriggersConfig describes sibling-rule activation/deactivation fired
// on match.
type RuleTriggersConfig struct {
	OnMatch         bool     `yaml:"on_match"`
	ActivateRules   []string `yaml:"activate_rules,omitempty"`
	DeactivateRules []string `yaml:"deactivate_rules,omitempty"`
	DurationSeconds uint64   `yaml:"duration_seconds,omitempty"`
}

// ScriptsConfig is the symmetric plugins/modifiers directory+load tree
// (spec.md [EXPANDED] §6): each names a directory and a name->filename map
// of scripts to preload at startup.
type ScriptsConfig struct {
	Plugins   ScriptSetConfig `yaml:"plugins"`
	Modifiers ScriptSetConfig `yaml:"modifiers"`
}

// ScriptSetConfig is one of Plugins/Modifiers.
type ScriptSetConfig struct {
	Directory string            `yaml:"directory"`
	Load      map[string]string `yaml:"load"`
}

// TelemetryConfig is the optional C10 observability layer: Prometheus
// metrics plus an admin HTTP server, and a best-effort match-event tap
// over NATS and/or a flat file.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// MetricsConfig controls the /metrics + /healthz admin server.
type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// EventsConfig holds the two event-tap sinks a deployment may enable.
type EventsConfig struct {
	NATS *NATSEventConfig `yaml:"nats,omitempty"`
	File *FileEventConfig `yaml:"file,omitempty"`
}

// NATSEventConfig mirrors the shape of the teacher's NATSConfig sink,
// trimmed to what a lightweight match-event mirror needs (no JetStream
// stream/KV management — see DESIGN.md).
type NATSEventConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Subject   string `yaml:"subject"`
	CredsFile string `yaml:"creds_file,omitempty"`
}

// FileEventConfig mirrors the teacher's FileConfig sink, trimmed to a flat
// JSON-lines append target.
type FileEventConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, file
	File   string `yaml:"file,omitempty"`
}

// Load loads configuration from a YAML file, applying env-var expansion,
// defaults, and validation exactly as the teacher's Load does.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToReadConfigFile, err)
	}

	dataStr := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(dataStr), &config); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToParseConfigFile, err)
	}

	if len(config.Rules) == 0 {
		return nil, ErrNoRules
	}
	for i := range config.Rules {
		if err := validateRule(&config.Rules[i]); err != nil {
			return nil, fmt.Errorf("%w: rule %q: %w", ErrInvalidRule, config.Rules[i].Name, err)
		}
	}

	if config.Network.GCSListenAddress == "" || config.Network.RouterAddress == "" {
		return nil, ErrNetworkAddressRequired
	}

	if config.Relay.BufferSize == 0 {
		config.Relay.BufferSize = 1000
	}
	if config.MAVLink.DialectName == "" {
		config.MAVLink.DialectName = "common"
	}
	if config.Telemetry.Metrics.ListenAddress == "" {
		config.Telemetry.Metrics.ListenAddress = ":9110"
	}

	if err := validateMavLinkDialect(&config.MAVLink); err != nil {
		return nil, fmt.Errorf("invalid MAVLink dialect %q: %w", config.MAVLink.DialectName, err)
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}

	return &config, nil
}

// validateMavLinkDialect resolves the configured dialect name to a
// concrete gomavlib dialect.
func validateMavLinkDialect(mavLink *MAVLinkConfig) error {
	switch strings.ToLower(mavLink.DialectName) {
	case "common":
		mavLink.Dialect = common.Dialect
		return nil
	case "minimal":
		mavLink.Dialect = minimal.Dialect
		return nil
	case "ardupilot", "ardupilotmega", "apm":
		mavLink.Dialect = ardupilotmega.Dialect
		return nil
	case "paparazzi":
		mavLink.Dialect = paparazzi.Dialect
		return nil
	case "standard":
		mavLink.Dialect = standard.Dialect
		return nil
	case "all":
		mavLink.Dialect = all.Dialect
		return nil
	case "px4", "development":
		mavLink.Dialect = development.Dialect
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidDialect, mavLink.DialectName)
	}
}

var validDirections = map[string]bool{"gcs_to_router": true, "router_to_gcs": true, "both": true}
var validActions = map[string]bool{"forward": true, "block": true, "delay": true, "modify": true, "batch": true}

func validateRule(r *RuleConfig) error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !validDirections[r.Direction] {
		return fmt.Errorf("invalid direction %q", r.Direction)
	}
	if r.MessageType == "" {
		return fmt.Errorf("message_type is required")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("at least one action is required")
	}
	for _, a := range r.Actions {
		if !validActions[a] {
			return fmt.Errorf("invalid action %q", a)
		}
	}
	if r.AutoAck && r.Ack == nil {
		slog.Warn("rule has auto_ack enabled but no ack block, disabling auto_ack", "rule", r.Name)
		r.AutoAck = false
	}
	return nil
}
