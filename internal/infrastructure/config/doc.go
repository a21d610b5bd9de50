// Package config handles loading and validating shellbridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading an optional .env file beside the config file
//   - Overriding with SHELLBRIDGE_* environment variables
//   - Validation of required fields
//
// Device descriptors are not part of this file. They live in the file named
// by platform.devices_file and are owned by the accessory package, which also
// writes them back when devices are edited at runtime.
//
// Security Considerations:
//   - Secrets (JWT secret, admin secret, MQTT password) belong in the environment
//   - Descriptors contain shell commands; protect the devices file like a script
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.Name)
package config
