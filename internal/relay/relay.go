// Package relay forwards canonical order events to Redis pub/sub so other
// processes at the outlet (kitchen displays, printers) can follow the feed
// without their own server session.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/nkkko/orderfeed/internal/logging"
	"github.com/nkkko/orderfeed/internal/metrics"
	"github.com/nkkko/orderfeed/internal/realtime"
	"github.com/nkkko/orderfeed/pkg/proto"
)

// Publisher is the subset of the Redis client the relay uses
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Subscriber is an event source the relay can attach to
type Subscriber interface {
	On(kind proto.Kind, callback realtime.Callback) realtime.Unsubscribe
}

// Config contains relay configuration
type Config struct {
	Enabled        bool
	Address        string
	Password       string
	DB             int
	ChannelPrefix  string
	BufferSize     int
	PublishTimeout time.Duration
}

// DefaultConfig returns the default relay configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Address:        "localhost:6379",
		ChannelPrefix:  "orderfeed",
		BufferSize:     256,
		PublishTimeout: 2 * time.Second,
	}
}

// NewRedisClient creates a Redis client from config
func NewRedisClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Envelope is the message published for each event
type Envelope struct {
	Kind       proto.Kind  `json:"kind"`
	Data       proto.Event `json:"data"`
	ReceivedAt time.Time   `json:"received_at"`
}

// Relay queues events from subscriber callbacks and publishes them from its
// own goroutine, so dispatch never waits on Redis.
type Relay struct {
	pub     Publisher
	cfg     Config
	channel string
	queue   chan Envelope
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a relay publishing to <prefix>:<sellerID>
func New(pub Publisher, cfg Config, sellerID string) *Relay {
	d := DefaultConfig()
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = d.ChannelPrefix
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = d.PublishTimeout
	}

	return &Relay{
		pub:     pub,
		cfg:     cfg,
		channel: Channel(cfg.ChannelPrefix, sellerID),
		queue:   make(chan Envelope, cfg.BufferSize),
		logger:  logging.Component("relay"),
		metrics: metrics.GetMetrics(),
		now:     time.Now,
	}
}

// Channel returns the pub/sub channel for a seller
func Channel(prefix, sellerID string) string {
	return fmt.Sprintf("%s:%s", prefix, sellerID)
}

// Attach subscribes the relay to kinds on sub, or to every order kind when
// none are given. The returned function detaches it.
func (r *Relay) Attach(sub Subscriber, kinds ...proto.Kind) func() {
	if len(kinds) == 0 {
		kinds = OrderKinds()
	}

	unsubs := make([]realtime.Unsubscribe, 0, len(kinds))
	for _, kind := range kinds {
		unsubs = append(unsubs, sub.On(kind, r.Enqueue))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Enqueue queues ev for publication. It never blocks; when the queue is full
// the event is dropped.
func (r *Relay) Enqueue(ev proto.Event) {
	env := Envelope{Kind: ev.Kind(), Data: ev, ReceivedAt: r.now().UTC()}
	select {
	case r.queue <- env:
	default:
		r.metrics.RelayPublished.WithLabelValues("dropped").Inc()
		r.logger.Warn().Str("kind", string(env.Kind)).Msg("Relay queue full, dropping event")
	}
}

// Start publishes queued events until ctx is cancelled
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info().Str("channel", r.channel).Msg("Relay started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Int("pending", len(r.queue)).Msg("Relay stopped")
			return nil
		case env := <-r.queue:
			r.publish(ctx, env)
		}
	}
}

func (r *Relay) publish(ctx context.Context, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.metrics.RelayPublished.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Str("kind", string(env.Kind)).Msg("Failed to encode event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	if err := r.pub.Publish(ctx, r.channel, data).Err(); err != nil {
		r.metrics.RelayPublished.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Str("kind", string(env.Kind)).Msg("Failed to publish event")
		return
	}
	r.metrics.RelayPublished.WithLabelValues("published").Inc()
}

// OrderKinds lists the kinds forwarded by default
func OrderKinds() []proto.Kind {
	var kinds []proto.Kind
	for _, k := range proto.AllKinds() {
		switch k {
		case proto.KindConnect, proto.KindDisconnect, proto.KindError:
			continue
		}
		kinds = append(kinds, k)
	}
	return kinds
}
