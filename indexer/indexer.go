// Package indexer implements the typed adapter over the asynchronous
// correlated request/response message bus that supplies chain data: block
// heights, address histories, transactions by hash, confirmation indexes,
// and transaction broadcast.  It does not cache; every call is forwarded to
// a Bus and the matching continuation is invoked exactly once.
package indexer

import (
	"context"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v2"
	"github.com/decred/dcrd/wire"

	"github.com/txwatch/txwatch/addr"
	"github.com/txwatch/txwatch/internal/log"
)

// HistoryRow is a single entry of an address's output history, as returned
// by fetch_history.
type HistoryRow struct {
	Output       wire.OutPoint
	OutputHeight uint32
	Value        dcrutil.Amount

	// Spend and SpendHeight are the zero value when the output is
	// currently unspent as observed by the indexer.
	Spend       *wire.OutPoint
	SpendHeight uint32
}

// Bus is the transport-agnostic seam between Client and a concrete
// message-bus implementation.  WebsocketBus is the default implementation;
// tests substitute internal/indexertest's in-memory fake.
//
// Every method dispatches exactly one of onDone or onError, either
// synchronously or after the underlying transport resolves. Bus
// implementations are responsible for surfacing transport failures and
// timeouts as errors carrying the appropriate errors.Kind
// (ConnectFailed, Timeout, Decode).
type Bus interface {
	FetchLastHeight(ctx context.Context, onDone func(height uint32), onError func(error))
	FetchHistory(ctx context.Context, address addr.PaymentAddress, fromHeight uint32, onDone func([]HistoryRow), onError func(error))
	FetchTransaction(ctx context.Context, hash chainhash.Hash, onDone func(*wire.MsgTx), onError func(error))
	FetchUnconfirmedTransaction(ctx context.Context, hash chainhash.Hash, onDone func(*wire.MsgTx), onError func(error))
	FetchTransactionIndex(ctx context.Context, hash chainhash.Hash, onDone func(blockHeight, index uint32), onError func(error))
	BroadcastTransaction(ctx context.Context, tx *wire.MsgTx, onDone func(), onError func(error))
}

// Client is a thin typed wrapper over a Bus.  It adds nothing to the wire
// contract beyond request-level logging; the bus itself owns correlation,
// timeouts, and transport errors.
type Client struct {
	bus Bus
}

// New returns a Client dispatching every request through bus.
func New(bus Bus) *Client {
	return &Client{bus: bus}
}

// FetchLastHeight requests the indexer's current chain tip height.
func (c *Client) FetchLastHeight(ctx context.Context, onDone func(height uint32), onError func(error)) {
	log.Indexer.Debug("fetch_last_height")
	c.bus.FetchLastHeight(ctx, onDone, func(err error) {
		log.Indexer.Errorf("fetch_last_height: %v", err)
		onError(err)
	})
}

// FetchHistory requests every history row for address at or after
// fromHeight.
func (c *Client) FetchHistory(ctx context.Context, address addr.PaymentAddress, fromHeight uint32, onDone func([]HistoryRow), onError func(error)) {
	log.Indexer.Debugf("fetch_history(%v, %d)", address, fromHeight)
	c.bus.FetchHistory(ctx, address, fromHeight, onDone, func(err error) {
		log.Indexer.Errorf("fetch_history(%v): %v", address, err)
		onError(err)
	})
}

// FetchTransaction requests a confirmed transaction by hash.
func (c *Client) FetchTransaction(ctx context.Context, hash chainhash.Hash, onDone func(*wire.MsgTx), onError func(error)) {
	log.Indexer.Debugf("fetch_transaction(%v)", hash)
	c.bus.FetchTransaction(ctx, hash, onDone, func(err error) {
		log.Indexer.Debugf("fetch_transaction(%v): %v", hash, err)
		onError(err)
	})
}

// FetchUnconfirmedTransaction requests a mempool transaction by hash.
func (c *Client) FetchUnconfirmedTransaction(ctx context.Context, hash chainhash.Hash, onDone func(*wire.MsgTx), onError func(error)) {
	log.Indexer.Debugf("fetch_unconfirmed_transaction(%v)", hash)
	c.bus.FetchUnconfirmedTransaction(ctx, hash, onDone, func(err error) {
		log.Indexer.Debugf("fetch_unconfirmed_transaction(%v): %v", hash, err)
		onError(err)
	})
}

// FetchTransactionIndex requests the confirmation location of hash.
// Failure means the transaction is unconfirmed (or unknown).
func (c *Client) FetchTransactionIndex(ctx context.Context, hash chainhash.Hash, onDone func(blockHeight, index uint32), onError func(error)) {
	log.Indexer.Debugf("fetch_transaction_index(%v)", hash)
	c.bus.FetchTransactionIndex(ctx, hash, onDone, func(err error) {
		log.Indexer.Debugf("fetch_transaction_index(%v): %v", hash, err)
		onError(err)
	})
}

// BroadcastTransaction submits tx to the indexer for relay.
func (c *Client) BroadcastTransaction(ctx context.Context, tx *wire.MsgTx, onDone func(), onError func(error)) {
	hash := tx.TxHash()
	log.Indexer.Debugf("broadcast_transaction(%v)", hash)
	c.bus.BroadcastTransaction(ctx, tx, onDone, func(err error) {
		log.Indexer.Warnf("broadcast_transaction(%v) rejected: %v", hash, err)
		onError(err)
	})
}
