package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/txwatch/txwatch/indexer"
	"github.com/txwatch/txwatch/internal/log"
	"github.com/txwatch/txwatch/txdb"
)

// heightPollInterval is the tick period of the block-height poll; a
// height change re-queues get_index for every Unconfirmed row.
const heightPollInterval = 30 * time.Second

// TxUpdater resolves individual transactions and fork suspicion against
// the indexer. It holds only borrowed references to the cache and codec;
// its lifetime is bounded by the enclosing connection.
type TxUpdater struct {
	db    *txdb.DB
	codec *indexer.Client
	cb    *Callbacks

	mu              sync.Mutex
	lastHeightCheck time.Time

	// queuedGetIndices back-pressures fork-resolution sweeps: a new sweep
	// of ForEachForked is only issued once every previously queued
	// get_index request has resolved.
	queuedGetIndices int32
}

// NewTxUpdater constructs a TxUpdater over db and codec. cb may be nil.
func NewTxUpdater(db *txdb.DB, codec *indexer.Client, cb *Callbacks) *TxUpdater {
	return &TxUpdater{db: db, codec: codec, cb: cb}
}

// Start performs the initial synchronization steps of a new connection:
// fetch the chain tip, resolve any rows left needing recheck from a prior
// connection or loaded snapshot, and (re)broadcast every Unsent row.
func (u *TxUpdater) Start(ctx context.Context) {
	u.mu.Lock()
	u.lastHeightCheck = time.Now()
	u.mu.Unlock()

	u.codec.FetchLastHeight(ctx, func(height uint32) {
		u.db.AtHeight(height)
	}, u.reportFail)

	var forked, unsent []chainhash.Hash
	u.db.ForEachForked(func(h chainhash.Hash) { forked = append(forked, h) })
	u.db.ForEachUnsent(func(h chainhash.Hash) { unsent = append(unsent, h) })

	var g errgroup.Group
	for _, h := range forked {
		h := h
		g.Go(func() error {
			u.getIndex(ctx, h)
			return nil
		})
	}
	for _, h := range unsent {
		tx := u.db.GetTx(h)
		if tx == nil {
			continue
		}
		g.Go(func() error {
			u.broadcast(ctx, tx)
			return nil
		})
	}
	// Errors are impossible: getIndex and broadcast report failures
	// through the codec's own continuations, never by returning an
	// error from the goroutine.
	_ = g.Wait()
}

// Watch ensures hash is present in the cache. If it is already known
// this is a no-op. Otherwise it is fetched as a confirmed transaction,
// falling back to the mempool on failure.
func (u *TxUpdater) Watch(ctx context.Context, hash chainhash.Hash) {
	if u.db.HasTx(hash) {
		return
	}
	u.codec.FetchTransaction(ctx, hash, func(tx *wire.MsgTx) {
		u.db.Insert(tx, txdb.StateUnconfirmed)
		u.getIndex(ctx, hash)
	}, func(err error) {
		log.Sync.Debugf("fetch_transaction(%v) failed, falling back to mempool: %v", hash, err)
		u.codec.FetchUnconfirmedTransaction(ctx, hash, func(tx *wire.MsgTx) {
			u.db.Insert(tx, txdb.StateUnconfirmed)
			u.getIndex(ctx, hash)
		}, func(err error) {
			u.reportFail(err)
		})
	})
}

// Send inserts tx as Unsent and broadcasts it. Exactly one terminal
// Callbacks.OnSend fires: on acceptance the row transitions to
// Unconfirmed; on rejection the row is removed.
func (u *TxUpdater) Send(ctx context.Context, tx *wire.MsgTx) {
	u.db.Send(tx)
	u.broadcast(ctx, tx)
}

func (u *TxUpdater) broadcast(ctx context.Context, tx *wire.MsgTx) {
	hash := tx.TxHash()
	u.codec.BroadcastTransaction(ctx, tx, func() {
		u.db.Unconfirmed(hash)
		if u.cb != nil && u.cb.OnSend != nil {
			u.cb.OnSend(nil, tx)
		}
	}, func(err error) {
		u.db.Forget(hash)
		if u.cb != nil && u.cb.OnSend != nil {
			u.cb.OnSend(err, tx)
		}
	})
}

// getIndex resolves hash's confirmation status: success confirms it at
// the returned height, failure reclassifies it as Unconfirmed. Either
// way, a fork-resolution sweep is re-queued once every in-flight
// get_index request (including this one) has resolved.
func (u *TxUpdater) getIndex(ctx context.Context, hash chainhash.Hash) {
	atomic.AddInt32(&u.queuedGetIndices, 1)
	u.codec.FetchTransactionIndex(ctx, hash, func(blockHeight, _ uint32) {
		if err := u.db.Confirmed(hash, blockHeight); err != nil {
			u.reportFail(err)
		}
		atomic.AddInt32(&u.queuedGetIndices, -1)
		u.sweepForked(ctx)
	}, func(error) {
		u.db.Unconfirmed(hash)
		atomic.AddInt32(&u.queuedGetIndices, -1)
		u.sweepForked(ctx)
	})
}

func (u *TxUpdater) sweepForked(ctx context.Context) {
	if atomic.LoadInt32(&u.queuedGetIndices) != 0 {
		return
	}
	// Collect hashes before issuing any request: getIndex's continuation
	// may run synchronously (as internal/indexertest's fake bus does)
	// and calls back into db, which must not be entered while db's
	// ForEachForked still holds its own lock.
	var forked []chainhash.Hash
	u.db.ForEachForked(func(h chainhash.Hash) { forked = append(forked, h) })
	for _, h := range forked {
		u.getIndex(ctx, h)
	}
}

// Tick runs the 30-second block-height poll if it is due. A height
// change triggers Callbacks.OnHeight (via txdb.DB's own onHeight hook)
// and re-queues get_index for every Unconfirmed row.
func (u *TxUpdater) Tick(ctx context.Context) {
	u.mu.Lock()
	if time.Since(u.lastHeightCheck) < heightPollInterval {
		u.mu.Unlock()
		return
	}
	u.lastHeightCheck = time.Now()
	u.mu.Unlock()

	u.codec.FetchLastHeight(ctx, func(height uint32) {
		if height == u.db.LastHeight() {
			return
		}
		u.db.AtHeight(height)
		var unconfirmed []chainhash.Hash
		u.db.ForEachUnconfirmed(func(h chainhash.Hash) { unconfirmed = append(unconfirmed, h) })
		for _, h := range unconfirmed {
			u.getIndex(ctx, h)
		}
	}, u.reportFail)
}

// Wakeup returns the duration until Tick next has meaningful work to do.
func (u *TxUpdater) Wakeup() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()
	elapsed := time.Since(u.lastHeightCheck)
	if elapsed >= heightPollInterval {
		return 0
	}
	return heightPollInterval - elapsed
}

func (u *TxUpdater) reportFail(err error) {
	log.Sync.Warnf("tx updater: %v", err)
	if u.cb != nil && u.cb.OnFail != nil {
		u.cb.OnFail(err)
	}
}
