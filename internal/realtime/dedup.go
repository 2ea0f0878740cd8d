package realtime

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Ledger remembers recently accepted event keys to suppress near-duplicate
// deliveries. It is bounded by an LRU capacity and, past a size threshold,
// drops entries that have aged beyond a multiple of the window.
type Ledger struct {
	mu             sync.Mutex
	entries        *lru.Cache
	window         time.Duration
	pruneThreshold int
	maxAge         time.Duration
	now            func() time.Time
}

// NewLedger creates a ledger from the realtime configuration
func NewLedger(cfg Config) (*Ledger, error) {
	cfg = cfg.withDefaults()

	entries, err := lru.New(cfg.LedgerCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup ledger: %w", err)
	}

	return &Ledger{
		entries:        entries,
		window:         cfg.DedupeWindow,
		pruneThreshold: cfg.LedgerPruneThreshold,
		maxAge:         time.Duration(cfg.PruneAgeFactor) * cfg.DedupeWindow,
		now:            time.Now,
	}, nil
}

// Seen reports whether key was accepted less than one window ago. When it
// was not, the key is recorded as accepted now.
func (l *Ledger) Seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if v, ok := l.entries.Peek(key); ok {
		if now.Sub(v.(time.Time)) < l.window {
			return true
		}
	}

	l.entries.Add(key, now)
	if l.entries.Len() > l.pruneThreshold {
		l.prune(now)
	}
	return false
}

// prune removes entries older than maxAge. Caller holds l.mu.
func (l *Ledger) prune(now time.Time) {
	for _, k := range l.entries.Keys() {
		v, ok := l.entries.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.(time.Time)) > l.maxAge {
			l.entries.Remove(k)
		}
	}
}

// Len returns the number of remembered keys
func (l *Ledger) Len() int {
	return l.entries.Len()
}

// Reset forgets every key
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Purge()
}
