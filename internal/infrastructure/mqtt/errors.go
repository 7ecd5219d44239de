package mqtt

import "errors"

// Domain-specific errors for MQTT operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned when an empty topic is provided.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt: operation timed out")
)
