package chat

import "context"

// Channel is one open, bidirectional session carrying exactly one streaming
// ask/answer exchange. Implementations must deliver events in arrival order
// and close the Events channel after a terminal event (CloseEvent,
// TransportErrorEvent) or after Close.
type Channel interface {
	Send(ask Ask) error
	Events() <-chan Event
	Close() error
}

// Dialer opens a fresh channel session. The controller dials once per
// accepted query.
type Dialer func(ctx context.Context) (Channel, error)
