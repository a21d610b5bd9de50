package mqttexpose

import "errors"

// Domain errors for the MQTT exposure package.
var (
	// ErrClientRequired is returned by New without an MQTT client.
	ErrClientRequired = errors.New("mqttexpose: mqtt client is required")

	// ErrHandlerRequired is returned by Start without a request handler.
	ErrHandlerRequired = errors.New("mqttexpose: request handler is required")

	// ErrInvalidOptions is returned for out-of-range options.
	ErrInvalidOptions = errors.New("mqttexpose: invalid options")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("mqttexpose: already started")

	// ErrInvalidName is returned when a name has no usable topic id.
	ErrInvalidName = errors.New("mqttexpose: name has no topic id")

	// ErrTopicCollision is returned when two accessory names share a topic id.
	ErrTopicCollision = errors.New("mqttexpose: topic id collision")

	// ErrUnknownAccessory is returned for an accessory that was never registered.
	ErrUnknownAccessory = errors.New("mqttexpose: unknown accessory")

	// ErrUnexpectedTopic is returned for a message outside the request topics.
	ErrUnexpectedTopic = errors.New("mqttexpose: unexpected topic")
)
