package mqtt

import (
	"context"
	"fmt"
)

// Subscribe registers a handler for messages on the specified topic.
//
// The handler runs on a paho goroutine with panic recovery. Subscriptions
// live as long as this Client; a replacement Client must subscribe again.
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if err := waitToken(ctx, token, c.opts.publishTimeout()); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}
