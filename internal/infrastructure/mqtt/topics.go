package mqtt

import "fmt"

// TopicPrefixAgents is the base for all satellite agent topics.
const TopicPrefixAgents = "tio/agents"

// Topics provides builders for one agent's MQTT topics.
//
//	topics := mqtt.Topics{AgentID: "porch"}
//	topics.Telemetry() // "tio/agents/porch/telemetry"
type Topics struct {
	AgentID string
}

func (t Topics) topic(leaf string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixAgents, t.AgentID, leaf)
}

// Telemetry returns the topic for periodic health samples.
//
// Example: tio/agents/porch/telemetry
func (t Topics) Telemetry() string { return t.topic("telemetry") }

// Alerts returns the topic for security alerts.
//
// Example: tio/agents/porch/alerts
func (t Topics) Alerts() string { return t.topic("alerts") }

// Commands returns the topic the hub publishes commands on.
//
// Example: tio/agents/porch/commands
func (t Topics) Commands() string { return t.topic("commands") }

// Responses returns the topic for command responses.
//
// Example: tio/agents/porch/responses
func (t Topics) Responses() string { return t.topic("responses") }

// Status returns the retained presence and heartbeat topic.
//
// Example: tio/agents/porch/status
func (t Topics) Status() string { return t.topic("status") }

