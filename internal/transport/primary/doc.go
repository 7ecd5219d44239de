// Package primary implements the MQTT primary transport.
//
// It publishes telemetry (QoS 0), alerts (QoS 1) and command responses on
// tio/agents/{agent_id}/..., subscribes to the agent's command topic, and
// refreshes a retained heartbeat on the status topic as its health check.
package primary
