package mqtt

import (
	"context"
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
const maxPayloadSize = 1 << 20

// Publish sends a message and waits for the broker acknowledgement.
//
// Parameters:
//   - ctx: Bounds the wait together with the configured publish timeout
//   - topic: The topic to publish to (e.g., "tio/agents/porch/alerts")
//   - payload: The message payload (max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message
//
// Returns:
//   - error: nil once acknowledged (QoS 1/2) or written (QoS 0)
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if err := waitToken(ctx, token, c.opts.publishTimeout()); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
