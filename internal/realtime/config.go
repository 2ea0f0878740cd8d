package realtime

import (
	"fmt"
	"net/url"
	"time"
)

// Config contains configuration for the realtime client
type Config struct {
	// Origin of the event server, e.g. http://10.0.2.2:5000
	Origin string
	// Socket.IO endpoint path
	Path string
	// Role sent in the handshake query
	Role string

	// Consecutive connection errors tolerated before giving up
	MaxReconnectAttempts int
	// Fixed delay between automatic reconnection attempts
	ReconnectDelay time.Duration
	// Limit for the websocket and Socket.IO handshakes
	HandshakeTimeout time.Duration

	// Two events with the same identity inside this window are one occurrence
	DedupeWindow time.Duration
	// Ledger size above which aged entries are pruned
	LedgerPruneThreshold int
	// Hard bound on ledger entries
	LedgerCapacity int
	// Entries older than PruneAgeFactor*DedupeWindow are pruned
	PruneAgeFactor int

	// Prefix of the seller-wide room name
	SellerRoomPrefix string
}

// DefaultConfig returns the default realtime configuration
func DefaultConfig() Config {
	return Config{
		Origin:               "http://localhost:5000",
		Path:                 "/socket.io/",
		Role:                 "seller",
		MaxReconnectAttempts: 5,
		ReconnectDelay:       3 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		DedupeWindow:         1500 * time.Millisecond,
		LedgerPruneThreshold: 100,
		LedgerCapacity:       1024,
		PruneAgeFactor:       5,
		SellerRoomPrefix:     "seller_",
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Origin == "" {
		c.Origin = d.Origin
	}
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.Role == "" {
		c.Role = d.Role
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = d.DedupeWindow
	}
	if c.LedgerPruneThreshold <= 0 {
		c.LedgerPruneThreshold = d.LedgerPruneThreshold
	}
	if c.LedgerCapacity <= 0 {
		c.LedgerCapacity = d.LedgerCapacity
	}
	if c.PruneAgeFactor <= 0 {
		c.PruneAgeFactor = d.PruneAgeFactor
	}
	if c.SellerRoomPrefix == "" {
		c.SellerRoomPrefix = d.SellerRoomPrefix
	}
	return c
}

// Validate checks the origin is a usable URL
func (c Config) Validate() error {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", c.Origin, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid origin %q: unsupported scheme", c.Origin)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid origin %q: missing host", c.Origin)
	}
	return nil
}
