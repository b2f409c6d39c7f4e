package txwatch

import (
	"context"

	"github.com/txwatch/txwatch/indexer"
	"github.com/txwatch/txwatch/internal/log"
	sync2 "github.com/txwatch/txwatch/sync"
	"github.com/txwatch/txwatch/txdb"
)

// connection bundles the transport, codec, and the two updaters that
// depend on it. Its lifetime is owned by the Controller: it is created
// on a successful Connect and torn down on Disconnect, on Quit, or at the
// start of any later Connect, whether or not that new dial succeeds.
type connection struct {
	closeFn     func() error
	codec       *indexer.Client
	txUpdater   *sync2.TxUpdater
	addrUpdater *sync2.AddrUpdater

	// resultCh carries codec continuations posted by the bus's read loop
	// (a different goroutine) back onto the controller's loop goroutine,
	// which drains it and invokes them synchronously.
	resultCh chan func()
}

func newConnection(ctx context.Context, serverURL string, db *txdb.DB, cb *sync2.Callbacks) (*connection, error) {
	resultCh := make(chan func(), 256)

	bus, err := indexer.Dial(ctx, serverURL, func(fn func()) {
		select {
		case resultCh <- fn:
		default:
			log.Ctrl.Warnf("dropping codec callback: result channel full")
		}
	})
	if err != nil {
		return nil, err
	}

	return buildConnection(bus, bus.Close, resultCh, db, cb), nil
}

// newTestConnection wires a connection around an arbitrary indexer.Bus,
// bypassing the websocket dial. Used by tests that drive the updaters
// against internal/indexertest's fake bus.
func newTestConnection(bus indexer.Bus, closeFn func() error, db *txdb.DB, cb *sync2.Callbacks) *connection {
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return buildConnection(bus, closeFn, make(chan func(), 256), db, cb)
}

func buildConnection(bus indexer.Bus, closeFn func() error, resultCh chan func(), db *txdb.DB, cb *sync2.Callbacks) *connection {
	codec := indexer.New(bus)
	txUpdater := sync2.NewTxUpdater(db, codec, cb)
	addrUpdater := sync2.NewAddrUpdater(codec, txUpdater, cb)

	return &connection{
		closeFn:     closeFn,
		codec:       codec,
		txUpdater:   txUpdater,
		addrUpdater: addrUpdater,
		resultCh:    resultCh,
	}
}

func (c *connection) close() {
	if err := c.closeFn(); err != nil {
		log.Ctrl.Debugf("closing indexer connection: %v", err)
	}
}
