// Package indexertest provides an in-memory fake of indexer.Bus for
// deterministic tests of the sync updaters and the Controller against
// scripted indexer behavior, without a network round trip.
package indexertest

import (
	"context"
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"

	"github.com/txwatch/txwatch/addr"
	"github.com/txwatch/txwatch/errors"
	"github.com/txwatch/txwatch/indexer"
)

// TxIndex records a transaction's confirmed position, as reported by
// fetch_transaction_index.
type TxIndex struct {
	BlockHeight uint32
	Index       uint32
}

// Bus is a scriptable, goroutine-safe fake of indexer.Bus. Callers
// mutate its exported maps directly to set up fixtures before driving
// requests; every method invokes its continuation synchronously, on the
// caller's goroutine, matching how a same-process fake naturally
// behaves. Unlike the websocket bus, no continuation passes through a
// connection's result channel.
type Bus struct {
	mu sync.Mutex

	LastHeight uint32
	History    map[addr.PaymentAddress][]indexer.HistoryRow
	Txs        map[chainhash.Hash]*wire.MsgTx
	Unconf     map[chainhash.Hash]*wire.MsgTx
	Index      map[chainhash.Hash]TxIndex
	Broadcasts []*wire.MsgTx

	// FailBroadcast, when non-nil, is returned as the error for the next
	// BroadcastTransaction call and then cleared.
	FailBroadcast error
}

// New returns an empty fake bus.
func New() *Bus {
	return &Bus{
		History: make(map[addr.PaymentAddress][]indexer.HistoryRow),
		Txs:     make(map[chainhash.Hash]*wire.MsgTx),
		Unconf:  make(map[chainhash.Hash]*wire.MsgTx),
		Index:   make(map[chainhash.Hash]TxIndex),
	}
}

// SetHeight sets the height fetch_last_height reports.
func (b *Bus) SetHeight(h uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LastHeight = h
}

// AddHistory appends a history row for address.
func (b *Bus) AddHistory(a addr.PaymentAddress, row indexer.HistoryRow) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.History[a] = append(b.History[a], row)
}

// AddConfirmed registers tx as fetchable by fetch_transaction and
// confirmed at (blockHeight, index) by fetch_transaction_index.
func (b *Bus) AddConfirmed(tx *wire.MsgTx, blockHeight, index uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hash := tx.TxHash()
	b.Txs[hash] = tx
	b.Index[hash] = TxIndex{BlockHeight: blockHeight, Index: index}
}

// AddUnconfirmed registers tx as fetchable only by
// fetch_unconfirmed_transaction, with no index entry.
func (b *Bus) AddUnconfirmed(tx *wire.MsgTx) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Unconf[tx.TxHash()] = tx
}

// Forget removes hash's confirmed transaction and index entry, simulating
// a reorg that drops a transaction back out of the chain. An entry added
// by AddUnconfirmed is kept.
func (b *Bus) Forget(hash chainhash.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.Txs, hash)
	delete(b.Index, hash)
}

func (b *Bus) FetchLastHeight(ctx context.Context, onDone func(uint32), onError func(error)) {
	b.mu.Lock()
	h := b.LastHeight
	b.mu.Unlock()
	onDone(h)
}

func (b *Bus) FetchHistory(ctx context.Context, address addr.PaymentAddress, fromHeight uint32, onDone func([]indexer.HistoryRow), onError func(error)) {
	b.mu.Lock()
	rows := append([]indexer.HistoryRow(nil), b.History[address]...)
	b.mu.Unlock()
	filtered := rows[:0]
	for _, r := range rows {
		if r.OutputHeight >= fromHeight {
			filtered = append(filtered, r)
		}
	}
	onDone(filtered)
}

func (b *Bus) FetchTransaction(ctx context.Context, hash chainhash.Hash, onDone func(*wire.MsgTx), onError func(error)) {
	const op errors.Op = "indexertest.FetchTransaction"
	b.mu.Lock()
	tx, ok := b.Txs[hash]
	b.mu.Unlock()
	if !ok {
		onError(errors.E(op, errors.NotFound, errors.New("unknown transaction")))
		return
	}
	onDone(tx)
}

func (b *Bus) FetchUnconfirmedTransaction(ctx context.Context, hash chainhash.Hash, onDone func(*wire.MsgTx), onError func(error)) {
	const op errors.Op = "indexertest.FetchUnconfirmedTransaction"
	b.mu.Lock()
	tx, ok := b.Unconf[hash]
	if !ok {
		tx, ok = b.Txs[hash]
	}
	b.mu.Unlock()
	if !ok {
		onError(errors.E(op, errors.NotFound, errors.New("unknown transaction")))
		return
	}
	onDone(tx)
}

func (b *Bus) FetchTransactionIndex(ctx context.Context, hash chainhash.Hash, onDone func(uint32, uint32), onError func(error)) {
	const op errors.Op = "indexertest.FetchTransactionIndex"
	b.mu.Lock()
	idx, ok := b.Index[hash]
	b.mu.Unlock()
	if !ok {
		onError(errors.E(op, errors.NotFound, errors.New("transaction not confirmed")))
		return
	}
	onDone(idx.BlockHeight, idx.Index)
}

func (b *Bus) BroadcastTransaction(ctx context.Context, tx *wire.MsgTx, onDone func(), onError func(error)) {
	const op errors.Op = "indexertest.BroadcastTransaction"
	b.mu.Lock()
	failErr := b.FailBroadcast
	b.FailBroadcast = nil
	b.mu.Unlock()
	if failErr != nil {
		onError(errors.E(op, errors.BroadcastRejected, failErr))
		return
	}
	b.mu.Lock()
	b.Broadcasts = append(b.Broadcasts, tx)
	b.mu.Unlock()
	onDone()
}
