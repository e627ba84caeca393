package config

import (
	"os"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "test-config-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })
	return tmpFile.Name()
}

const baseRule = `
rules:
  - name: "block_arm"
    priority: 10
    direction: "gcs_to_router"
    message_type: "COMMAND_LONG"
    actions: ["block"]

network:
  gcs_listen_address: "0.0.0.0"
  gcs_listen_port: 14550
  router_address: "127.0.0.1"
  router_port: 5760
`

// TestConfigLoad tests loading configuration from YAML
func TestConfigLoad(t *testing.T) {
	configContent := `
relay:
  buffer_size: 2000

mavlink:
  dialect: "common"
` + baseRule + `

scripts:
  plugins:
    directory: "./plugins"
    load:
      notify: "notify.lua"
  modifiers:
    directory: "./modifiers"
    load:
      clamp: "clamp.lua"

telemetry:
  metrics:
    enabled: true
    listen_address: ":9110"
  events:
    nats:
      enabled: true
      url: "nats://localhost:4222"
      subject: "arc-relay.events"
    file:
      enabled: true
      path: "/var/log/arc-relay/events.jsonl"

logging:
  level: "debug"
  format: "json"
  output: "file"
  file: "/var/log/arc-relay/app.log"
`

	path := writeTempConfig(t, configContent)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Relay.BufferSize != 2000 {
		t.Errorf("Expected buffer size 2000, got %d", cfg.Relay.BufferSize)
	}
	if cfg.MAVLink.Dialect == nil {
		t.Error("MAVLink dialect should be set")
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Name != "block_arm" {
		t.Fatalf("expected 1 rule named block_arm, got %+v", cfg.Rules)
	}
	if cfg.Network.GCSListenAddr() != "0.0.0.0:14550" {
		t.Errorf("unexpected gcs listen addr: %s", cfg.Network.GCSListenAddr())
	}
	if cfg.Network.RouterAddr() != "127.0.0.1:5760" {
		t.Errorf("unexpected router addr: %s", cfg.Network.RouterAddr())
	}

	if cfg.Scripts.Plugins.Load["notify"] != "notify.lua" {
		t.Errorf("expected plugin load entry, got %+v", cfg.Scripts.Plugins.Load)
	}
	if cfg.Scripts.Modifiers.Load["clamp"] != "clamp.lua" {
		t.Errorf("expected modifier load entry, got %+v", cfg.Scripts.Modifiers.Load)
	}

	if cfg.Telemetry.Events.NATS == nil || !cfg.Telemetry.Events.NATS.Enabled {
		t.Error("expected nats event sink enabled")
	}
	if cfg.Telemetry.Events.File == nil || cfg.Telemetry.Events.File.Path != "/var/log/arc-relay/events.jsonl" {
		t.Error("expected file event sink configured")
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected log format 'json', got '%s'", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "file" {
		t.Errorf("Expected log output 'file', got '%s'", cfg.Logging.Output)
	}
}

// TestConfigDefaults tests that default values are applied correctly
func TestConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, baseRule)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Relay.BufferSize != 1000 {
		t.Errorf("Expected default buffer size 1000, got %d", cfg.Relay.BufferSize)
	}
	if cfg.MAVLink.DialectName != "common" {
		t.Errorf("Expected default dialect 'common', got '%s'", cfg.MAVLink.DialectName)
	}
	if cfg.Telemetry.Metrics.ListenAddress != ":9110" {
		t.Errorf("Expected default metrics listen address ':9110', got '%s'", cfg.Telemetry.Metrics.ListenAddress)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level 'info', got '%s'", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default log format 'text', got '%s'", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default log output 'stdout', got '%s'", cfg.Logging.Output)
	}
}

// TestConfigValidation tests configuration validation
func TestConfigValidation(t *testing.T) {
	configContent := `
rules: []

network:
  gcs_listen_address: "0.0.0.0"
  gcs_listen_port: 14550
  router_address: "127.0.0.1"
  router_port: 5760
`
	path := writeTempConfig(t, configContent)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("Expected error for empty rule list")
	}
	if err != ErrNoRules {
		t.Fatalf("Expected ErrNoRules, got %v", err)
	}
}

func TestConfigMissingNetworkAddresses(t *testing.T) {
	configContent := `
rules:
  - name: "r1"
    priority: 1
    direction: "both"
    message_type: "HEARTBEAT"
    actions: ["forward"]
`
	path := writeTempConfig(t, configContent)

	_, err := Load(path)
	if err != ErrNetworkAddressRequired {
		t.Fatalf("Expected ErrNetworkAddressRequired, got %v", err)
	}
}

func TestConfigInvalidRuleDirection(t *testing.T) {
	configContent := `
rules:
  - name: "r1"
    priority: 1
    direction: "sideways"
    message_type: "HEARTBEAT"
    actions: ["forward"]

network:
  gcs_listen_address: "0.0.0.0"
  gcs_listen_port: 14550
  router_address: "127.0.0.1"
  router_port: 5760
`
	path := writeTempConfig(t, configContent)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected error for invalid rule direction")
	}
}

// TestConfigFileNotFound tests handling of missing config file
func TestConfigFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error for missing config file")
	}
}

// TestConfigInvalidYAML tests handling of invalid YAML
func TestConfigInvalidYAML(t *testing.T) {
	invalidYAML := `
relay:
  buffer_size: 1000
rules: [unclosed
`
	path := writeTempConfig(t, invalidYAML)

	_, err := Load(path)
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

// TestConfigBuildRules tests that rule config converts into typed rules.
func TestConfigBuildRules(t *testing.T) {
	configContent := `
rules:
  - name: "ack_heartbeat"
    priority: 5
    direction: "both"
    message_type: "HEARTBEAT"
    actions: ["forward"]
    auto_ack: true
    ack:
      message_type: "COMMAND_ACK"
      fields:
        Command: 400

network:
  gcs_listen_address: "0.0.0.0"
  gcs_listen_port: 14550
  router_address: "127.0.0.1"
  router_port: 5760
`
	path := writeTempConfig(t, configContent)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	built, err := cfg.BuildRules()
	if err != nil {
		t.Fatalf("BuildRules: %v", err)
	}
	if len(built) != 1 || built[0].Name != "ack_heartbeat" {
		t.Fatalf("unexpected built rules: %+v", built)
	}
	if !built[0].AutoAck || built[0].AckSpec == nil || built[0].AckSpec.MessageType != "COMMAND_ACK" {
		t.Fatalf("expected ack spec to carry through, got %+v", built[0].AckSpec)
	}
}

// TestConfigDialects tests all supported MAVLink dialects
func TestConfigDialects(t *testing.T) {
	dialects := []string{
		"common",
		"minimal",
		"ardupilot",
		"ardupilotmega",
		"apm",
		"paparazzi",
		"standard",
		"all",
		"px4",
		"development",
	}

	for _, dialectName := range dialects {
		t.Run(dialectName, func(t *testing.T) {
			configContent := `
mavlink:
  dialect: "` + dialectName + `"
` + baseRule

			path := writeTempConfig(t, configContent)
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Failed to load config with dialect '%s': %v", dialectName, err)
			}
			if cfg.MAVLink.Dialect == nil {
				t.Errorf("Dialect '%s' should resolve to a non-nil Dialect", dialectName)
			}
			if cfg.MAVLink.DialectName != dialectName {
				t.Errorf("Expected dialect name '%s', got '%s'", dialectName, cfg.MAVLink.DialectName)
			}
		})
	}
}

// TestConfigInvalidDialect tests that invalid dialects are rejected
func TestConfigInvalidDialect(t *testing.T) {
	configContent := `
mavlink:
  dialect: "invalid-dialect"
` + baseRule

	path := writeTempConfig(t, configContent)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected error for invalid dialect")
	}
}
