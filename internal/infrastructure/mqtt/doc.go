// Package mqtt provides the broker session used by the primary transport.
//
// This package manages:
//   - One connection per Client, with no hidden auto-reconnect
//   - QoS-acknowledged publishing bounded by context and timeout
//   - Command topic subscriptions with panic-safe handlers
//   - Retained presence status and Last Will and Testament (LWT)
//
// # Topics
//
//	tio/agents/{agent_id}/telemetry
//	tio/agents/{agent_id}/alerts
//	tio/agents/{agent_id}/commands
//	tio/agents/{agent_id}/responses
//	tio/agents/{agent_id}/status
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, mqtt.Options{
//	    Host:        "192.168.1.20",
//	    Port:        1883,
//	    ClientID:    "berry_agent_porch",
//	    StatusTopic: mqtt.Topics{AgentID: "porch"}.Status(),
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
package mqtt
