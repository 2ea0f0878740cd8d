// Package engine wires a watch session together: persisted session, realtime
// client, optional Redis relay and the local control server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nkkko/orderfeed/internal/api"
	"github.com/nkkko/orderfeed/internal/auth"
	"github.com/nkkko/orderfeed/internal/config"
	"github.com/nkkko/orderfeed/internal/logging"
	"github.com/nkkko/orderfeed/internal/realtime"
	"github.com/nkkko/orderfeed/internal/relay"
	"github.com/nkkko/orderfeed/internal/storage"
	"github.com/nkkko/orderfeed/pkg/proto"
)

var (
	// ErrNotLoggedIn is returned by Start when no session is stored
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrGaveUp is returned by Start once the client stopped reconnecting
	ErrGaveUp = errors.New("realtime connection gave up")
)

// Engine owns every component of a watch session
type Engine struct {
	config  *config.Config
	kv      storage.KV
	session *auth.Store
	feed    *realtime.Client
	redis   *redis.Client
	relay   *relay.Relay
	server  *api.Server
	logger  zerolog.Logger

	mu     sync.Mutex
	orders []string
}

// CreateEngine opens storage, restores the session and builds the components
// enabled in cfg. Options are passed to the realtime client.
func CreateEngine(cfg *config.Config, opts ...realtime.Option) (*Engine, error) {
	storageCfg := cfg.ToStorageConfig()
	if storageCfg.Type == storage.TypeBadger {
		if err := os.MkdirAll(storageCfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	kv, err := storage.Open(storageCfg)
	if err != nil {
		return nil, err
	}

	session := auth.NewStore(kv)
	if err := session.Load(); err != nil {
		kv.Close()
		return nil, err
	}

	feed, err := realtime.New(cfg.ToRealtimeConfig(), session, opts...)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("failed to create realtime client: %w", err)
	}

	return NewEngine(cfg, kv, session, feed), nil
}

// NewEngine assembles an engine from already built parts
func NewEngine(cfg *config.Config, kv storage.KV, session *auth.Store, feed *realtime.Client) *Engine {
	e := &Engine{
		config:  cfg,
		kv:      kv,
		session: session,
		feed:    feed,
		logger:  logging.Component("engine"),
	}

	if cfg.Server.Enabled {
		e.server = api.NewServer(cfg.ToServerConfig(), feed)
	}
	return e
}

// Feed returns the realtime client
func (e *Engine) Feed() *realtime.Client {
	return e.feed
}

// Session returns the session store
func (e *Engine) Session() *auth.Store {
	return e.session
}

// Watch adds order rooms joined on every connect
func (e *Engine) Watch(orderIDs ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders = append(e.orders, orderIDs...)
}

func (e *Engine) watched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.orders...)
}

// joinWatched runs on the delivery goroutine after each successful connect.
// The server forgets order rooms when the socket drops.
func (e *Engine) joinWatched() {
	for _, id := range e.watched() {
		if err := e.feed.JoinOrderRoom(id); err != nil {
			e.logger.Warn().Err(err).Str("order_id", id).Msg("Failed to join watched order room")
		}
	}
}

// Start connects as sellerID and runs until ctx is cancelled or the client
// gives up reconnecting.
func (e *Engine) Start(ctx context.Context, sellerID string) error {
	if !e.session.HasToken() {
		return ErrNotLoggedIn
	}
	if sellerID == "" {
		if u := e.session.User(); u != nil {
			sellerID = u.ID
		}
	}
	if sellerID == "" {
		return realtime.ErrNoSellerID
	}

	e.logger.Info().Str("seller_id", sellerID).Int("orders", len(e.watched())).Msg("Starting engine")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	// abort stops whatever was already started before an early return
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		e.stopRelay()
		return err
	}

	if e.config.Relay.Enabled {
		if err := e.startRelay(ctx, g, sellerID); err != nil {
			return abort(err)
		}
	}

	unsubConn := e.feed.OnConnection(e.joinWatched, nil)
	defer unsubConn()

	fatal := make(chan *proto.ConnectionStateEvent, 1)
	unsubErr := e.feed.On(proto.KindError, func(ev proto.Event) {
		if cs, ok := ev.(*proto.ConnectionStateEvent); ok && cs.Fatal {
			select {
			case fatal <- cs:
			default:
			}
		}
	})
	defer unsubErr()

	if err := e.feed.Connect(sellerID); err != nil {
		return abort(err)
	}
	defer e.feed.Disconnect()

	if e.server != nil {
		g.Go(func() error {
			return e.server.Start(ctx)
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-fatal:
			return fmt.Errorf("%w: %s", ErrGaveUp, ev.Message)
		}
	})

	err := g.Wait()
	e.stopRelay()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	e.logger.Info().Msg("Engine stopped")
	return nil
}

func (e *Engine) startRelay(ctx context.Context, g *errgroup.Group, sellerID string) error {
	cfg := e.config.ToRelayConfig()
	e.redis = relay.NewRedisClient(cfg)
	if err := e.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach relay redis at %s: %w", cfg.Address, err)
	}

	r := relay.New(e.redis, cfg, sellerID)
	e.relay = r
	detach := r.Attach(e.feed)
	g.Go(func() error {
		defer detach()
		return r.Start(ctx)
	})
	return nil
}

// stopRelay closes the Redis client once the relay goroutine has returned
func (e *Engine) stopRelay() {
	if e.redis == nil {
		return
	}
	if err := e.redis.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close relay redis client")
	}
	e.redis = nil
	e.relay = nil
}

// Shutdown releases storage and the relay connection
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down engine")

	e.feed.Disconnect()

	if e.server != nil {
		if err := e.server.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down control server")
		}
	}

	e.stopRelay()

	if err := e.kv.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close storage")
		return err
	}
	return nil
}
