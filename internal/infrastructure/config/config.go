package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the hotkey companion.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Moonraker MoonrakerConfig         `yaml:"moonraker"`
	MCUs      map[string]MCUConfig    `yaml:"mcus"`
	Buttons   map[string]ButtonConfig `yaml:"buttons"`
	MQTT      MQTTConfig              `yaml:"mqtt"`
	Logging   LoggingConfig           `yaml:"logging"`
}

// MoonrakerConfig contains connection settings for the Moonraker daemon.
type MoonrakerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`

	// Scheme is "ws" or "wss". Path is the websocket endpoint path.
	Scheme string `yaml:"scheme"`
	Path   string `yaml:"path"`

	// Client identification sent via server.connection.identify.
	ClientName string `yaml:"client_name"`
	ClientType string `yaml:"client_type"`
}

// MCUConfig describes one keypad microcontroller and its serial endpoint.
type MCUConfig struct {
	// Serial is the device path, e.g. "/dev/ttyACM0".
	Serial string `yaml:"serial"`

	// Baud is the serial baud rate. USB CDC devices ignore it.
	Baud int `yaml:"baud"`

	// ColorAll is the base color painted across the keypad at startup
	// and used when a button has no rule of its own.
	ColorAll string `yaml:"color_all"`

	// ColorBusy is the default busy color for buttons on this mcu.
	ColorBusy string `yaml:"color_busy"`
}

// ButtonConfig describes one button rule: which LED behaviour it has and
// which remote actions a press triggers.
type ButtonConfig struct {
	MCU      string `yaml:"mcu"`
	ButtonID int    `yaml:"button_id"`

	// LEDState selects the rule kind: static, homed, fan, output, heater,
	// z_tilt, quad_gantry_level (alias qgl) or bed_mesh.
	LEDState string `yaml:"led_state"`

	Color         string `yaml:"color"`
	ActiveColor   string `yaml:"active_color"`
	InactiveColor string `yaml:"inactive_color"`
	BusyColor     string `yaml:"busy_color"`

	// Axis applies to the homed kind: x, y, z or all.
	Axis string `yaml:"axis"`

	// Fan, Output and Heater name the Klipper object the rule watches.
	Fan    string `yaml:"fan"`
	Output string `yaml:"output"`
	Heater string `yaml:"heater"`

	// Threshold is the activation threshold for fan/output/heater rules.
	Threshold *float64 `yaml:"threshold"`

	// HoldSeconds overrides the busy hold duration for this button.
	HoldSeconds *float64 `yaml:"hold_seconds"`

	// Gcode is an optional script executed on press via printer.gcode.script.
	Gcode string `yaml:"gcode"`

	// RPCMethod/RPCParams describe an optional arbitrary JSON-RPC call
	// executed on press.
	RPCMethod string         `yaml:"rpc_method"`
	RPCParams map[string]any `yaml:"rpc_params"`
}

// UnmarshalYAML resolves legacy alias keys before decoding.
//
// Historic configs used "header" for "heater" and "threshould" for
// "threshold". The aliases are folded into the canonical fields here so the
// rest of the application only ever sees canonical names.
func (b *ButtonConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ButtonConfig
	aux := struct {
		plain      `yaml:",inline"`
		Header     string   `yaml:"header"`
		Threshould *float64 `yaml:"threshould"`
	}{}

	if err := value.Decode(&aux); err != nil {
		return err
	}

	*b = ButtonConfig(aux.plain)
	if b.Heater == "" && aux.Header != "" {
		b.Heater = aux.Header
	}
	if b.Threshold == nil && aux.Threshould != nil {
		b.Threshold = aux.Threshould
	}
	return nil
}

// MQTTConfig contains optional MQTT status publishing settings.
type MQTTConfig struct {
	Enabled bool             `yaml:"enabled"`
	Broker  MQTTBrokerConfig `yaml:"broker"`
	Auth    MQTTAuthConfig   `yaml:"auth"`
	QoS     int              `yaml:"qos"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// knownLEDStates lists the accepted led_state kinds after alias folding.
var knownLEDStates = map[string]bool{
	"static":            true,
	"homed":             true,
	"fan":               true,
	"output":            true,
	"heater":            true,
	"z_tilt":            true,
	"quad_gantry_level": true,
	"bed_mesh":          true,
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HOTKEY_SECTION_KEY
// For example: HOTKEY_MOONRAKER_HOST, HOTKEY_LOGGING_LEVEL
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Moonraker: MoonrakerConfig{
			Host:       "127.0.0.1",
			Port:       7125,
			Scheme:     "ws",
			Path:       "/websocket",
			ClientName: "hotkey-companion",
			ClientType: "agent",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "hotkey-companion",
			},
			QoS: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HOTKEY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Moonraker
	if v := os.Getenv("HOTKEY_MOONRAKER_HOST"); v != "" {
		cfg.Moonraker.Host = v
	}
	if v := os.Getenv("HOTKEY_MOONRAKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Moonraker.Port = port
		}
	}
	if v := os.Getenv("HOTKEY_MOONRAKER_API_KEY"); v != "" {
		cfg.Moonraker.APIKey = v
	}

	// MQTT
	if v := os.Getenv("HOTKEY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HOTKEY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HOTKEY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Logging
	if v := os.Getenv("HOTKEY_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HOTKEY_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks the configuration for consistency.
//
// It normalises color fields to canonical uppercase hex, folds the "qgl"
// led_state alias, applies per-mcu color defaults, and verifies that every
// button references a configured mcu and a known rule kind.
//
// Returns:
//   - error: The first validation failure, or nil
func (c *Config) Validate() error {
	if c.Moonraker.Port < 1 || c.Moonraker.Port > 65535 {
		return fmt.Errorf("moonraker: port must be 1-65535, got %d", c.Moonraker.Port)
	}
	if c.Moonraker.Scheme != "ws" && c.Moonraker.Scheme != "wss" {
		return fmt.Errorf("moonraker: scheme must be ws or wss, got %q", c.Moonraker.Scheme)
	}

	for name, mcu := range c.MCUs {
		if mcu.Serial == "" {
			return fmt.Errorf("mcu %q: serial must not be empty", name)
		}
		if mcu.Baud == 0 {
			mcu.Baud = 250000
		}
		if mcu.ColorAll == "" {
			mcu.ColorAll = "FF8800"
		}
		if mcu.ColorBusy == "" {
			mcu.ColorBusy = "FFE600"
		}
		var err error
		if mcu.ColorAll, err = normalizeColor(mcu.ColorAll); err != nil {
			return fmt.Errorf("mcu %q: color_all: %w", name, err)
		}
		if mcu.ColorBusy, err = normalizeColor(mcu.ColorBusy); err != nil {
			return fmt.Errorf("mcu %q: color_busy: %w", name, err)
		}
		c.MCUs[name] = mcu
	}

	for name, btn := range c.Buttons {
		if _, ok := c.MCUs[btn.MCU]; !ok {
			return fmt.Errorf("button %q: references unknown mcu %q", name, btn.MCU)
		}
		if btn.ButtonID < 0 || btn.ButtonID > 255 {
			return fmt.Errorf("button %q: button_id must be 0-255, got %d", name, btn.ButtonID)
		}

		btn.LEDState = strings.ToLower(strings.TrimSpace(btn.LEDState))
		if btn.LEDState == "qgl" {
			btn.LEDState = "quad_gantry_level"
		}
		if !knownLEDStates[btn.LEDState] {
			return fmt.Errorf("button %q: unknown led_state %q", name, btn.LEDState)
		}

		if err := normalizeButtonColors(&btn); err != nil {
			return fmt.Errorf("button %q: %w", name, err)
		}
		c.Buttons[name] = btn
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt: qos must be 0-2, got %d", c.MQTT.QoS)
		}
		if c.MQTT.Broker.Host == "" {
			return fmt.Errorf("mqtt: broker host must not be empty")
		}
	}

	return nil
}

// normalizeButtonColors canonicalises every color field on a button.
// Empty fields are left empty; rule evaluation falls back to mcu colors.
func normalizeButtonColors(btn *ButtonConfig) error {
	fields := []struct {
		name  string
		value *string
	}{
		{"color", &btn.Color},
		{"active_color", &btn.ActiveColor},
		{"inactive_color", &btn.InactiveColor},
		{"busy_color", &btn.BusyColor},
	}
	for _, f := range fields {
		if *f.value == "" {
			continue
		}
		norm, err := normalizeColor(*f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.value = norm
	}
	return nil
}

// normalizeColor validates and canonicalises a 6-digit hex color.
// It mirrors serial.NormalizeColor but reports plain errors suitable for
// config validation messages.
func normalizeColor(s string) (string, error) {
	v := strings.TrimSpace(s)
	if len(v) >= 2 && (v[0] == '\'' || v[0] == '"') && v[len(v)-1] == v[0] {
		v = v[1 : len(v)-1]
	}
	v = strings.TrimSpace(v)
	if strings.HasPrefix(strings.ToLower(v), "0x") {
		v = v[2:]
	}
	if len(v) != 6 {
		return "", fmt.Errorf("invalid hex color %q, expected RRGGBB", s)
	}
	for _, r := range v {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return "", fmt.Errorf("invalid hex color %q, expected RRGGBB", s)
		}
	}
	return strings.ToUpper(v), nil
}
