// Package tele is the delivery-side API: a Sinker accepts serialized
// payloads for a topic and reports success synchronously. Transport
// details (broker, reconnect, auth) live behind the interface.
package tele

// Sinker contract:
// - Publish blocks at most for the transport's own timeout
// - any false return is treated identically to an error by callers;
//   undelivered payloads go to the persistent retry queue
// - Close blocks until the transport has shut down
type Sinker interface {
	Publish(topic string, payload []byte) bool
	Close()
}

type Noop struct{}

var _ Sinker = Noop{} // compile-time interface test

func (Noop) Publish(topic string, payload []byte) bool { return true }

func (Noop) Close() {}
