// Package config handles loading and validating the device manager configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with DEVMGR_* environment variables
//   - Validation of required fields and the virtual bus topology
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - The JWT secret guards the admin API, which can unbind and remove devices
//
// Usage:
//
//	cfg, err := config.Load("configs/devmgr.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Manager.ReclaimWorkers)
package config
