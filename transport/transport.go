package transport

import (
	stderrors "errors"
	"time"
)

// ErrNoMessage is returned by receivers when no frame arrived within the
// poll timeout. It is the normal idle outcome of a receive loop, not a
// failure.
var ErrNoMessage = stderrors.New("no message within timeout")

// TopicEmitter sends topic-framed payloads. Broadcast, Ephemeral, and
// LocalEmitter implement it; the publisher facade routes through it so the
// degraded local transport can substitute transparently.
type TopicEmitter interface {
	// Emit writes a [topic, payload] frame pair to the socket. Not safe
	// for concurrent use; the owning publisher serializes calls.
	Emit(topic string, payload []byte) error
	// Close releases the socket with its configured linger.
	Close() error
}

// TopicReceiver receives topic-framed payloads. BroadcastReceiver and
// LocalReceiver implement it.
type TopicReceiver interface {
	// Receive blocks up to timeout for the next frame. Returns
	// ErrNoMessage when nothing arrived in time.
	Receive(timeout time.Duration) (topic string, payload []byte, err error)
	// Subscribe adds a topic filter on the live socket.
	Subscribe(topic string) error
	// Close tears down the socket.
	Close() error
}

// Ack is the reply structure of the acknowledged channel. The responder
// sets OK, an optional error string when rejecting, and optional
// structured facts on success.
type Ack struct {
	OK    bool           `json:"ok"`
	Error string         `json:"error,omitempty"`
	Facts map[string]any `json:"facts,omitempty"`
}
