// Package config handles loading and validating KPM meter bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields and the meter firmware's allowed
//     upload-interval sets
//   - Default value handling
//
// Security Considerations:
//   - Broker credentials should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - The file's modification time is re-checked periodically by the bridge
//     driver; a change triggers re-configuration of the meter fleet
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Topics.ExternalMainTopic)
package config
