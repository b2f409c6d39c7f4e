// Package sync implements the two updaters that drive the transaction
// cache toward convergence with the indexer: the tx updater resolves
// individual transactions and fork suspicion, and the address updater
// polls watched addresses for new history.
package sync

import "github.com/decred/dcrd/wire"

// Callbacks is the capability set the updaters invoke to notify a host
// application of cache events. All callbacks run on the caller's event
// loop goroutine (see the root package's Controller). Any field may be
// left nil.
type Callbacks struct {
	// OnAdd fires the first time a transaction hash is inserted into the
	// cache, in any state.
	OnAdd func(tx *wire.MsgTx)

	// OnHeight fires whenever the recorded chain tip height changes.
	OnHeight func(height uint32)

	// OnSend fires exactly once per call to Send, with a nil err on
	// acceptance or the rejection error otherwise.
	OnSend func(err error, tx *wire.MsgTx)

	// OnFail reports a transport failure that does not otherwise have a
	// more specific continuation (e.g. a watch() that exhausts both the
	// confirmed and mempool fetch paths).
	OnFail func(err error)
}
