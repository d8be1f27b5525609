// ABOUTME: Transport adapter contract between the relay and the radio hardware
// ABOUTME: The radio protocol itself is opaque; adapters only report accept/reject/unavailable

package transport

import "context"

// Result classifies one send attempt.
type Result int

const (
	// Accepted means the transport took the message for transmission. It is
	// not a delivery confirmation; nothing downstream of the radio is visible.
	Accepted Result = iota
	// Rejected means the transport refused this message (malformed, too long,
	// daemon backpressure). The link itself is still up; the attempt is
	// retried like any other send failure.
	Rejected
	// Unavailable means the transport could not take the message right now
	// (disconnected, busy, timed out). The attempt should be retried later.
	Unavailable
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Inbound is one message received from the mesh.
type Inbound struct {
	Channel string
	Sender  string
	Text    string
	TS      int64
}

// Adapter is the relay's view of the radio. Implementations must bound Send's
// latency (honoring ctx), keep Receive running across reconnects, and report
// link state via Connected.
type Adapter interface {
	Send(ctx context.Context, channel, text string) (Result, error)
	Receive(ctx context.Context) <-chan Inbound
	Connected() bool
	Close() error
}
