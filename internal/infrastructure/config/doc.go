// Package config handles loading and validating hotkey companion configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//   - Legacy key aliasing (header → heater, threshould → threshold)
//
// Colors are normalised to canonical uppercase RRGGBB at load time so the
// rest of the application never re-validates them.
//
// Security Considerations:
//   - Sensitive values (API keys, MQTT passwords) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/hotkey.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Moonraker.Host)
package config
