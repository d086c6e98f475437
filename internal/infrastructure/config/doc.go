// Package config handles loading and validating dispatchd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields and cross-field limits
//   - Default value handling
//
// Security Considerations:
//   - Broker, Redis and InfluxDB credentials should be set via environment variables
//   - Directory credentials are never configured here; callers pass them per request
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Dispatch.DefaultTimeout)
package config
