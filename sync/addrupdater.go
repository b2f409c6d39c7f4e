package sync

import (
	"context"
	"sync"
	"time"

	"github.com/txwatch/txwatch/addr"
	"github.com/txwatch/txwatch/indexer"
	"github.com/txwatch/txwatch/internal/log"
)

// MinPollInterval is the smallest admissible address poll interval;
// Watch clamps anything below it.
const MinPollInterval = 500 * time.Millisecond

// DefaultPollInterval is the poll interval used for addresses watched
// without an explicit interval.
const DefaultPollInterval = 10 * time.Second

// PriorityPollInterval is the poll interval for the single distinguished
// priority address.
const PriorityPollInterval = 1 * time.Second

type addressRow struct {
	pollInterval time.Duration
	lastCheck    time.Time
}

// AddrUpdater polls watched addresses for history changes and feeds
// discovered transaction hashes to a TxUpdater.
type AddrUpdater struct {
	codec     *indexer.Client
	txUpdater *TxUpdater
	cb        *Callbacks

	mu   sync.Mutex
	rows map[addr.PaymentAddress]*addressRow
}

// NewAddrUpdater constructs an AddrUpdater. cb may be nil.
func NewAddrUpdater(codec *indexer.Client, txUpdater *TxUpdater, cb *Callbacks) *AddrUpdater {
	return &AddrUpdater{
		codec:     codec,
		txUpdater: txUpdater,
		cb:        cb,
		rows:      make(map[addr.PaymentAddress]*addressRow),
	}
}

// Watch upserts address with pollInterval (clamped to MinPollInterval)
// and issues an immediate history fetch.
func (u *AddrUpdater) Watch(ctx context.Context, address addr.PaymentAddress, pollInterval time.Duration) {
	if pollInterval < MinPollInterval {
		pollInterval = MinPollInterval
	}

	u.mu.Lock()
	row, ok := u.rows[address]
	if !ok {
		row = new(addressRow)
		u.rows[address] = row
	}
	row.pollInterval = pollInterval
	u.mu.Unlock()

	u.fetch(ctx, address)
}

// Unwatch removes address from the poll set. It is a no-op if the
// address is not currently watched.
func (u *AddrUpdater) Unwatch(address addr.PaymentAddress) {
	u.mu.Lock()
	delete(u.rows, address)
	u.mu.Unlock()
}

// Watching reports whether address currently has a poll row.
func (u *AddrUpdater) Watching(address addr.PaymentAddress) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.rows[address]
	return ok
}

func (u *AddrUpdater) fetch(ctx context.Context, address addr.PaymentAddress) {
	u.mu.Lock()
	if row, ok := u.rows[address]; ok {
		row.lastCheck = time.Now()
	}
	u.mu.Unlock()

	// from_height is always 0: the indexer is expected to return a full
	// snapshot regardless, avoiding a second cache of last-synced height
	// per address.
	u.codec.FetchHistory(ctx, address, 0, func(rows []indexer.HistoryRow) {
		for _, row := range rows {
			u.txUpdater.Watch(ctx, row.Output.Hash)
			if row.Spend != nil {
				u.txUpdater.Watch(ctx, row.Spend.Hash)
			}
		}
	}, func(err error) {
		log.Sync.Warnf("fetch_history(%v): %v", address, err)
		if u.cb != nil && u.cb.OnFail != nil {
			u.cb.OnFail(err)
		}
	})
}

// Tick issues a fresh history fetch for every address whose poll
// interval has elapsed.
func (u *AddrUpdater) Tick(ctx context.Context) {
	u.mu.Lock()
	now := time.Now()
	var due []addr.PaymentAddress
	for a, row := range u.rows {
		if now.Sub(row.lastCheck) >= row.pollInterval {
			due = append(due, a)
		}
	}
	u.mu.Unlock()

	for _, a := range due {
		u.fetch(ctx, a)
	}
}

// Wakeup returns the minimum duration until any watched address is next
// due for a poll, or a large duration if nothing is watched.
func (u *AddrUpdater) Wakeup() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.rows) == 0 {
		return time.Hour
	}

	now := time.Now()
	min := time.Duration(-1)
	for _, row := range u.rows {
		remaining := row.pollInterval - now.Sub(row.lastCheck)
		if remaining < 0 {
			remaining = 0
		}
		if min < 0 || remaining < min {
			min = remaining
		}
	}
	return min
}
