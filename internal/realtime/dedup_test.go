package realtime

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *testClock) {
	t.Helper()
	l, err := NewLedger(cfg)
	require.NoError(t, err)
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.now = clock.now
	return l, clock
}

func TestLedgerWindow(t *testing.T) {
	l, clock := newTestLedger(t, DefaultConfig())

	assert.False(t, l.Seen("newOrder:O1"))
	clock.advance(500 * time.Millisecond)
	assert.True(t, l.Seen("newOrder:O1"))
	assert.False(t, l.Seen("newOrder:O2"))

	clock.advance(1499 * time.Millisecond)
	// 1999ms since the first acceptance; suppression does not refresh the entry
	assert.False(t, l.Seen("newOrder:O1"))
	clock.advance(1 * time.Millisecond)
	assert.True(t, l.Seen("newOrder:O1"))
}

func TestLedgerExactWindowIsNotDuplicate(t *testing.T) {
	l, clock := newTestLedger(t, DefaultConfig())

	assert.False(t, l.Seen("k"))
	clock.advance(1500 * time.Millisecond)
	assert.False(t, l.Seen("k"))
}

func TestLedgerPrunesAgedEntries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LedgerPruneThreshold = 10
	l, clock := newTestLedger(t, cfg)

	for i := 0; i < 10; i++ {
		l.Seen(fmt.Sprintf("old:%d", i))
	}
	assert.Equal(t, 10, l.Len())

	// Past 5 windows the old entries are eligible once the threshold is crossed
	clock.advance(8 * time.Second)
	l.Seen("fresh:0")
	assert.Equal(t, 1, l.Len())
}

func TestLedgerKeepsRecentEntriesWhenPruning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LedgerPruneThreshold = 5
	l, clock := newTestLedger(t, cfg)

	for i := 0; i < 5; i++ {
		l.Seen(fmt.Sprintf("k:%d", i))
	}
	clock.advance(2 * time.Second)
	l.Seen("k:5")
	assert.Equal(t, 6, l.Len())
}

func TestLedgerCapacityBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LedgerCapacity = 50
	cfg.LedgerPruneThreshold = 1000
	l, _ := newTestLedger(t, cfg)

	for i := 0; i < 200; i++ {
		l.Seen(fmt.Sprintf("k:%d", i))
	}
	assert.Equal(t, 50, l.Len())

	l.Reset()
	assert.Zero(t, l.Len())
}
