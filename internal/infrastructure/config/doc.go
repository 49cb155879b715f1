// Package config handles loading and validating the device sync configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with DEVICESYNC_* environment variables
//   - Validation of required fields and credentials
//   - Default value handling
//
// Credentials (MQTT password, database DSN, InfluxDB token) should be
// supplied through the environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Sync.BaseTopics)
package config
