// Package notify carries cross-component signals: "a thread gained durable
// identity" for the sidebar to reconcile, and user-visible notices. The
// transport is watermill, in-memory by default, Redis Streams when several
// processes need to observe the same signals.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	TopicThreadsUpdated = "threads.updated"
	TopicNotices        = "notices"
)

// ThreadUpdate announces that a thread summary was written to the index.
type ThreadUpdate struct {
	ThreadID  string    `json:"thread_id"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// Notice is a user-visible notification.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Settings selects the Redis Streams transport when Enabled; otherwise the
// bus is process-local.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// Bus pairs a publisher and a subscriber over JSON payloads.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	closer func() error
}

// NewInMemoryBus builds a process-local bus backed by watermill's gochannel.
func NewInMemoryBus() *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, newWatermillLogger(log.Logger))
	return &Bus{pub: ch, sub: ch, closer: ch.Close}
}

// NewRedisBus builds a bus over Redis Streams with a dedicated consumer group.
func NewRedisBus(s Settings) (*Bus, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("notify: redis addr is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := redisstream.DefaultMarshallerUnmarshaller{}
	logger := newWatermillLogger(log.Logger)

	// Create the consumer groups at the stream tail before the subscriber
	// exists, so the first subscribe does not replay stream history.
	for _, topic := range []string{TopicThreadsUpdated, TopicNotices} {
		if err := EnsureGroupAtTail(context.Background(), client, topic, s.Group); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "notify: build redis publisher")
	}
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "notify: build redis subscriber")
	}
	return &Bus{
		pub: pub,
		sub: sub,
		closer: func() error {
			errPub := pub.Close()
			errSub := sub.Close()
			if errPub != nil {
				return errPub
			}
			return errSub
		},
	}, nil
}

// NewBus picks the transport from settings.
func NewBus(s Settings) (*Bus, error) {
	if !s.Enabled {
		return NewInMemoryBus(), nil
	}
	return NewRedisBus(s)
}

// GroupCreator is the slice of the redis client needed to create consumer
// groups.
type GroupCreator interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
}

// EnsureGroupAtTail creates the consumer group at the stream tail so first
// subscribes do not replay history. An already-existing group is fine.
func EnsureGroupAtTail(ctx context.Context, client GroupCreator, stream, group string) error {
	if client == nil {
		return errors.New("notify: redis client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "notify: create consumer group %s on %s", group, stream)
	}
	return nil
}

func (b *Bus) Close() error {
	if b == nil || b.closer == nil {
		return nil
	}
	return b.closer()
}

func (b *Bus) PublishThreadUpdate(ctx context.Context, u ThreadUpdate) error {
	return b.publishJSON(ctx, TopicThreadsUpdated, u)
}

func (b *Bus) PublishNotice(ctx context.Context, n Notice) error {
	return b.publishJSON(ctx, TopicNotices, n)
}

func (b *Bus) publishJSON(_ context.Context, topic string, v any) error {
	if b == nil || b.pub == nil {
		return errors.New("notify: bus is not initialized")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "notify: encode payload")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "notify: publish %s", topic)
	}
	return nil
}

// SubscribeThreadUpdates decodes the threads.updated topic into a typed
// channel. Undecodable messages are acked and dropped.
func (b *Bus) SubscribeThreadUpdates(ctx context.Context) (<-chan ThreadUpdate, error) {
	raw, err := b.subscribe(ctx, TopicThreadsUpdated)
	if err != nil {
		return nil, err
	}
	out := make(chan ThreadUpdate)
	go func() {
		defer close(out)
		for msg := range raw {
			var u ThreadUpdate
			if err := json.Unmarshal(msg.Payload, &u); err != nil {
				log.Warn().Err(err).Str("component", "notify").Msg("dropping undecodable thread update")
				msg.Ack()
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				msg.Ack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// SubscribeNotices decodes the notices topic into a typed channel.
func (b *Bus) SubscribeNotices(ctx context.Context) (<-chan Notice, error) {
	raw, err := b.subscribe(ctx, TopicNotices)
	if err != nil {
		return nil, err
	}
	out := make(chan Notice)
	go func() {
		defer close(out)
		for msg := range raw {
			var n Notice
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				log.Warn().Err(err).Str("component", "notify").Msg("dropping undecodable notice")
				msg.Ack()
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				msg.Ack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

func (b *Bus) subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if b == nil || b.sub == nil {
		return nil, errors.New("notify: bus is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "notify: subscribe %s", topic)
	}
	return ch, nil
}
