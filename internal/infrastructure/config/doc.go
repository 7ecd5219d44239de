// Package config handles loading, validating and saving the satellite agent record.
//
// This package manages:
//   - Loading the record from YAML (the installer's JSON record parses too)
//   - Overriding with NETBRO_* environment variables
//   - Validation of field ranges and cross-field rules
//   - Atomic persistence of the resolved record
//
// Security Considerations:
//   - Broker credentials should be set via NETBRO_MQTT_USERNAME/NETBRO_MQTT_PASSWORD
//   - Save writes the record with 0600 permissions
//
// Usage:
//
//	cfg, found, err := config.LoadOrDefaults("/etc/netbro/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !found {
//	    // first boot, the resolver will produce and persist a record
//	}
package config
