// Package secondary implements the encrypted short-range fallback transport.
//
// The client talks to a companion receiver over a Link (BLE in production,
// see package ble). After connecting it runs a BCP key exchange, then
// seals every message with AES-128-GCM. Alerts and heartbeats wait for an
// encrypted acknowledgement; frames the receiver cannot authenticate are
// never acknowledged.
package secondary
