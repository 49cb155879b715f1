package mqtt

import "errors"

// Errors returned by the supervisor. Wrapped causes are preserved, so test
// with errors.Is.
var (
	// ErrNotConnected means the broker session is down. Publish returns it
	// rather than queueing.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnectionFailed wraps the cause of a failed connect attempt.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS rejects levels above 2.
	ErrInvalidQoS = errors.New("mqtt: qos must be 0, 1 or 2")

	// ErrInvalidTopic rejects empty topics.
	ErrInvalidTopic = errors.New("mqtt: empty topic")

	// ErrTimeout is returned when a token or connection wait expires.
	ErrTimeout = errors.New("mqtt: timed out")
)
