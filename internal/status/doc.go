// Package status serves the agent's local HTTP surface: a health probe,
// the supervisor snapshot, Prometheus metrics, and an intake endpoint
// through which on-device detectors submit alerts.
//
// It listens on loopback by default and is disabled unless
// status.enabled is set.
package status
