// Package api is the local HTTP control surface of a running feed: health,
// metrics, order-room membership and a server-sent event stream of canonical
// order events.
package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nkkko/orderfeed/internal/api/errors"
	"github.com/nkkko/orderfeed/internal/api/response"
	"github.com/nkkko/orderfeed/internal/logging"
	"github.com/nkkko/orderfeed/internal/metrics"
	"github.com/nkkko/orderfeed/internal/realtime"
	"github.com/nkkko/orderfeed/pkg/proto"
)

// Feed is the realtime client as seen by the control surface
type Feed interface {
	On(kind proto.Kind, callback realtime.Callback) realtime.Unsubscribe
	JoinOrderRoom(orderID string) error
	LeaveOrderRoom(orderID string) error
	IsConnected() bool
	State() proto.ConnectionState
	SellerID() string
}

// Config contains API configuration
type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout bounds every route except the event stream
	RequestTimeout time.Duration

	HeartbeatInterval time.Duration
	StreamBuffer      int

	// Prometheus endpoint, not mounted when empty
	MetricsPath string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:8090",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		RequestTimeout:    30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		StreamBuffer:      64,
		MetricsPath:       "/metrics",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = d.StreamBuffer
	}
	return c
}

// Server serves the control surface for one feed
type Server struct {
	config  Config
	feed    Feed
	router  *chi.Mux
	server  *http.Server
	closing chan struct{}
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewServer creates a server for feed. Nothing listens until Start.
func NewServer(config Config, feed Feed) *Server {
	config = config.withDefaults()

	s := &Server{
		config:  config,
		feed:    feed,
		closing: make(chan struct{}),
		logger:  logging.Component("api"),
		metrics: metrics.GetMetrics(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))
	s.registerRoutes(r)
	s.router = r

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) registerRoutes(r chi.Router) {
	// The stream is long-lived and stays outside the request timeout
	r.Get("/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.config.RequestTimeout))

		r.Get("/healthz", s.handleHealth)
		r.Get("/readyz", s.handleReady)
		if s.config.MetricsPath != "" {
			r.Handle(s.config.MetricsPath, promhttp.Handler())
		}

		r.Route("/rooms", func(r chi.Router) {
			r.Post("/{orderID}", s.handleJoinRoom)
			r.Delete("/{orderID}", s.handleLeaveRoom)
		})
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Str("addr", s.config.Addr).Msg("Starting control server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown ends open event streams and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down control server")
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	return s.server.Shutdown(ctx)
}

type healthStatus struct {
	State     proto.ConnectionState `json:"state"`
	SellerID  string                `json:"seller_id,omitempty"`
	Connected bool                  `json:"connected"`
}

func (s *Server) status() healthStatus {
	return healthStatus{
		State:     s.feed.State(),
		SellerID:  s.feed.SellerID(),
		Connected: s.feed.IsConnected(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, s.status())
}

// handleReady reports 503 until the feed is connected
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	if !st.Connected {
		response.Error(w, r, errors.UnavailableError("not_connected", "Realtime connection is "+string(st.State)).WithDetails(st))
		return
	}
	response.JSON(w, r, http.StatusOK, st)
}

type roomResult struct {
	OrderID string `json:"order_id"`
	Joined  bool   `json:"joined"`
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := s.feed.JoinOrderRoom(orderID); err != nil {
		s.logger.Debug().Err(err).Str("order_id", orderID).Msg("Join order room failed")
		response.Error(w, r, roomError(err))
		return
	}
	response.JSON(w, r, http.StatusOK, roomResult{OrderID: orderID, Joined: true})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := s.feed.LeaveOrderRoom(orderID); err != nil {
		s.logger.Debug().Err(err).Str("order_id", orderID).Msg("Leave order room failed")
		response.Error(w, r, roomError(err))
		return
	}
	response.JSON(w, r, http.StatusOK, roomResult{OrderID: orderID})
}

func roomError(err error) *errors.APIError {
	switch {
	case stderrors.Is(err, realtime.ErrNoOrderID):
		return errors.ValidationError("missing_order_id", "Order ID is required")
	case stderrors.Is(err, realtime.ErrNotConnected):
		return errors.ConflictError("not_connected", "Realtime connection is not established")
	default:
		return errors.InternalError("room_operation_failed", err.Error())
	}
}

// requestLogger logs each request through zerolog
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
		}()
		next.ServeHTTP(ww, r)
	})
}
