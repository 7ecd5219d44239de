// Package ble provides the Bluetooth Low Energy link used by the
// secondary transport, built on tinygo.org/x/bluetooth.
//
// The agent acts as a GATT central. It scans for the receiver advertising
// the configured server name, connects, and maps each logical channel to
// one characteristic of the 6ba1b001 service.
package ble
