package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key has no value
var ErrNotFound = errors.New("key not found")

// KV is the local key-value store backing the persisted session
type KV interface {
	// Get returns the value stored under key or ErrNotFound
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(key string, value []byte) error

	// SetAll stores every entry in one write. Either all of them land or none.
	SetAll(values map[string][]byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Close releases the store
	Close() error
}

// Type selects a KV implementation
type Type string

const (
	// TypeBadger persists to disk with BadgerDB
	TypeBadger Type = "badger"

	// TypeMemory keeps values for the lifetime of the process
	TypeMemory Type = "memory"
)

// Config contains storage configuration
type Config struct {
	Type Type

	// Base directory for data files
	DataDir string
}

// DefaultConfig returns the default storage configuration
func DefaultConfig() Config {
	return Config{
		Type:    TypeBadger,
		DataDir: "./data",
	}
}

// Open creates the store selected by config
func Open(config Config) (KV, error) {
	switch config.Type {
	case TypeBadger, "":
		if config.DataDir == "" {
			config.DataDir = DefaultConfig().DataDir
		}
		return NewBadgerKV(config.DataDir)
	case TypeMemory:
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", config.Type)
	}
}
