// Package transport defines the contract between the connectivity
// supervisor and the concrete transports.
//
// The supervisor only sees the Transport interface. The primary client
// (MQTT, package primary) and the secondary client (encrypted BLE, package
// secondary) implement it, and tests substitute fakes that simulate
// failure and recovery deterministically.
//
// Delivery semantics are carried by Message.Kind: telemetry is at most
// once, alerts are at least once and Send returns nil only once the far
// side has acknowledged the message.
package transport
