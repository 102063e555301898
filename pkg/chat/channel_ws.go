package chat

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// WSChannel speaks the JSON frame protocol over a gorilla websocket.
type WSChannel struct {
	conn   *websocket.Conn
	events chan Event

	closeOnce sync.Once
	closed    chan struct{}

	writeMu sync.Mutex
}

var _ Channel = &WSChannel{}

// NewWSDialer returns a Dialer connecting to the given websocket URL
// (ws:// or wss://).
func NewWSDialer(url string) Dialer {
	return func(ctx context.Context) (Channel, error) {
		if ctx == nil {
			ctx = context.Background()
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "chat: dial %s", url)
		}
		ch := &WSChannel{
			conn:   conn,
			events: make(chan Event, 16),
			closed: make(chan struct{}),
		}
		go ch.readLoop()
		return ch, nil
	}
}

func (c *WSChannel) Send(ask Ask) error {
	if c == nil || c.conn == nil {
		return errors.New("chat: ws channel is not connected")
	}
	b, err := EncodeAsk(ask)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Wrap(err, "chat: send ask")
	}
	return nil
}

func (c *WSChannel) Events() <-chan Event {
	if c == nil {
		return nil
	}
	return c.events
}

func (c *WSChannel) Close() error {
	if c == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *WSChannel) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// locally closed; nobody is listening for a terminal event
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.deliver(CloseEvent{})
			} else {
				c.deliver(TransportErrorEvent{Err: err})
			}
			_ = c.Close()
			return
		}
		ev, err := DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "chat").Msg("dropping undecodable frame")
			continue
		}
		if u, ok := ev.(UnknownEvent); ok {
			log.Debug().Str("component", "chat").Str("event", u.Name).Msg("skipping unknown event")
			continue
		}
		c.deliver(ev)
	}
}

func (c *WSChannel) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}
