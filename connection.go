package numbers

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/numbers/wire"
)

var (
	// ErrConnect is returned when connection to the broker can't be established.
	ErrConnect = errors.New("connecting to broker failed")

	// ErrDisconnected is returned when established connection is lost.
	ErrDisconnected = errors.New("connection to broker lost")

	// ErrMalformedPayload is returned when received payload is not a decimal number.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrBeyondMaxNumber is returned when the stored progress is already past the max number.
	ErrBeyondMaxNumber = errors.New("progress beyond max number")
)

// IsTransportError reports whether err is caused by the broker connection.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrConnect) || errors.Is(err, ErrDisconnected)
}

// EventHandler receives events dispatched by Connection.Poll.
// Handlers run synchronously on the goroutine calling Poll.
type EventHandler interface {
	OnMessageReceived(topic string, payload []byte) error
	OnPublishAcknowledged() error
}

// Dialer opens connections to the broker.
type Dialer interface {
	Connect(ctx context.Context, clientID string, resumeSession bool) (Connection, error)
}

// Connection is the broker connection used by the driver.
type Connection interface {
	// SessionPresent reports whether the broker resumed the previous session.
	SessionPresent() bool

	// Subscribe registers interest in topics matching the pattern.
	Subscribe(ctx context.Context, pattern string, qos wire.QoS) error

	// Publish submits the payload. For QoS above 0 the acknowledgement is delivered later
	// by Poll through OnPublishAcknowledged.
	Publish(ctx context.Context, topic string, payload []byte, qos wire.QoS) error

	// Poll waits up to wait for incoming events and dispatches them to the handler.
	// It returns false once Stop has been called.
	Poll(ctx context.Context, wait time.Duration, handler EventHandler) (bool, error)

	// Interrupt causes the current or next Poll to return early.
	Interrupt()

	// Stop makes subsequent Poll calls return false.
	Stop()

	// IsPublishing reports whether a submitted publish awaits its acknowledgement.
	IsPublishing() bool

	// PendingPublish returns the publish awaiting acknowledgement. After a restart it may be
	// the one submitted by the previous process.
	PendingPublish() (topic string, payload []byte, ok bool)

	// Close releases the connection.
	Close() error
}
