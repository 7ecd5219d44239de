// Package supervisor runs the connectivity state machine.
//
// The supervisor decides which transport is active, health-checks it on
// every connectivity check tick, fails over from primary (MQTT) to
// secondary (BLE) and recovers back once primary is confirmed. It owns the
// delivery queue: alerts are delivered in enqueue order, at least once,
// across any number of transport switches. Telemetry is best effort and
// never queued.
//
// Transitions:
//
//	UNCONFIGURED     -> DISCOVERING | PRIMARY_ACTIVE
//	DISCOVERING      -> PRIMARY_ACTIVE | SECONDARY_ACTIVE
//	PRIMARY_ACTIVE   -> SECONDARY_ACTIVE
//	SECONDARY_ACTIVE -> RECOVERING
//	RECOVERING       -> PRIMARY_ACTIVE | SECONDARY_ACTIVE
package supervisor
