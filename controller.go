package txwatch

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v2"
	"github.com/decred/dcrd/wire"

	"github.com/txwatch/txwatch/addr"
	"github.com/txwatch/txwatch/errors"
	"github.com/txwatch/txwatch/internal/log"
	sync2 "github.com/txwatch/txwatch/sync"
	"github.com/txwatch/txwatch/txdb"
)

// Callbacks is the capability set a host application registers with
// SetCallbacks to observe cache events. See sync.Callbacks for field
// documentation.
type Callbacks = sync2.Callbacks

// Controller is the sole entry point of the package: it owns the
// transaction cache, an inbound command queue fed by its public API,
// and at most one active indexer connection. Construct with New and
// dedicate a goroutine to Loop.
type Controller struct {
	params *chaincfg.Params

	cmdCh chan []byte
	done  chan struct{}

	cbMu stdsync.Mutex
	cb   *Callbacks

	db *txdb.DB

	// dial establishes a connection; overridden by tests to substitute
	// internal/indexertest's fake bus for the real websocket dial.
	dial func(ctx context.Context, serverURL string, db *txdb.DB, cb *sync2.Callbacks) (*connection, error)

	// State below is only ever touched from the loop goroutine.
	conn             *connection
	watchedAddrs     map[addr.PaymentAddress]time.Duration
	priorityAddr     addr.PaymentAddress
	pendingTxWatches []chainhash.Hash
}

// New constructs a Controller. Call Loop from a dedicated goroutine to
// start processing commands.
func New(cfg *Config) *Controller {
	c := &Controller{
		cmdCh:        make(chan []byte, 256),
		done:         make(chan struct{}),
		watchedAddrs: make(map[addr.PaymentAddress]time.Duration),
		dial:         newConnection,
	}
	c.params = cfg.Params
	c.db = txdb.New(cfg.Params, c.fireOnAdd, c.fireOnHeight)
	return c
}

func (c *Controller) fireOnAdd(tx *wire.MsgTx) {
	c.cbMu.Lock()
	cb := c.cb
	c.cbMu.Unlock()
	if cb != nil && cb.OnAdd != nil {
		cb.OnAdd(tx)
	}
}

func (c *Controller) fireOnHeight(height uint32) {
	c.cbMu.Lock()
	cb := c.cb
	c.cbMu.Unlock()
	if cb != nil && cb.OnHeight != nil {
		cb.OnHeight(height)
	}
}

// SetCallbacks registers the callback set invoked from the loop
// goroutine. It is intended to be called once, before Loop, but is safe
// to call at any time.
func (c *Controller) SetCallbacks(cb *Callbacks) {
	c.cbMu.Lock()
	c.cb = cb
	c.cbMu.Unlock()
}

func (c *Controller) callbacks() *Callbacks {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	return c.cb
}

// Connect queues a request to tear down any existing connection and
// establish a new one to serverURL. Connect failures are reported
// through Callbacks.OnFail; the controller remains disconnected and a
// later Connect call may retry.
func (c *Controller) Connect(serverURL string) {
	c.cmdCh <- encodeConnect(serverURL)
}

// Disconnect queues a request to tear down the active connection, if
// any.
func (c *Controller) Disconnect() {
	c.cmdCh <- encodeDisconnect()
}

// WatchTx queues hash to be resolved into the cache, once connected.
func (c *Controller) WatchTx(hash chainhash.Hash) {
	c.cmdCh <- encodeWatchTx(hash)
}

// WatchAddress queues address to be watched at pollInterval (clamped to
// sync.MinPollInterval; zero or negative selects sync.DefaultPollInterval).
// Returns an error synchronously, without touching the loop, if address
// is invalid.
func (c *Controller) WatchAddress(a addr.PaymentAddress, pollInterval time.Duration) error {
	const op errors.Op = "txwatch.WatchAddress"
	if !a.Valid() {
		return errors.E(op, errors.InvalidInput, errors.New("invalid address"))
	}
	if pollInterval <= 0 {
		pollInterval = sync2.DefaultPollInterval
	}
	ms := uint32(pollInterval / time.Millisecond)
	c.cmdCh <- encodeWatchAddr(a, ms)
	return nil
}

// PrioritizeAddress queues address to become the single distinguished
// priority address, polled at sync.PriorityPollInterval. Passing the
// zero value clears the priority slot.
func (c *Controller) PrioritizeAddress(a addr.PaymentAddress) {
	c.cmdCh <- encodePrioritizeAddr(a)
}

// Send queues tx for broadcast. It is rejected synchronously, without
// touching the loop, if tx is nil or has no outputs. Otherwise exactly
// one terminal Callbacks.OnSend fires once the loop processes it.
func (c *Controller) Send(tx *wire.MsgTx) error {
	const op errors.Op = "txwatch.Send"
	if tx == nil || len(tx.TxOut) == 0 {
		return errors.E(op, errors.InvalidInput, errors.New("transaction has no outputs"))
	}
	cmd, err := encodeSend(tx)
	if err != nil {
		return errors.E(op, errors.InvalidInput, err)
	}
	c.cmdCh <- cmd
	return nil
}

// Stop queues a request to end Loop. Stop is safe to call once from any
// goroutine; the loop tears down its connection before returning.
func (c *Controller) Stop() {
	c.cmdCh <- encodeQuit()
}

// Done returns a channel that is closed once Loop has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// FindTx returns the cached transaction for hash, or nil if unknown.
func (c *Controller) FindTx(hash chainhash.Hash) *wire.MsgTx {
	return c.db.GetTx(hash)
}

// GetTxHeight reports whether hash is Confirmed and, if so, its block
// height.
func (c *Controller) GetTxHeight(hash chainhash.Hash) (present bool, height uint32) {
	height = c.db.GetTxHeight(hash)
	return height > 0, height
}

// GetUTXOs returns unspent Confirmed outputs, optionally filtered to
// addresses.
func (c *Controller) GetUTXOs(addresses []addr.PaymentAddress) []txdb.UTXO {
	return c.db.GetUTXOs(addresses)
}

// GetLastBlockHeight returns the most recently observed chain tip.
func (c *Controller) GetLastBlockHeight() uint32 {
	return c.db.LastHeight()
}

// CountUnconfirmed returns the number of Unconfirmed rows in the cache.
func (c *Controller) CountUnconfirmed() int {
	return c.db.CountUnconfirmed()
}

// Serialize snapshots the cache to a self-delimited byte slice.
func (c *Controller) Serialize() []byte {
	return c.db.Serialize()
}

// Load replaces the cache's contents from a snapshot produced by
// Serialize. On error the cache is left untouched.
func (c *Controller) Load(data []byte) error {
	return c.db.Load(data)
}

// Loop runs the event loop until Stop is called or the command channel
// is closed. It must be run from a dedicated goroutine and must not be
// called more than once.
func (c *Controller) Loop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(c.done)

	for {
		wakeup := c.nextWakeup()
		timer := time.NewTimer(wakeup)

		var resultCh chan func()
		if c.conn != nil {
			resultCh = c.conn.resultCh
		}

		select {
		case cmd, ok := <-c.cmdCh:
			timer.Stop()
			if !ok {
				c.teardownConnection()
				return
			}
			if quit := c.handleCommand(ctx, cmd); quit {
				c.teardownConnection()
				return
			}
		case fn, ok := <-resultCh:
			timer.Stop()
			if ok {
				fn()
			}
		case <-timer.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) nextWakeup() time.Duration {
	if c.conn == nil {
		return time.Hour
	}
	txWakeup := c.conn.txUpdater.Wakeup()
	addrWakeup := c.conn.addrUpdater.Wakeup()
	if txWakeup < addrWakeup {
		return txWakeup
	}
	return addrWakeup
}

func (c *Controller) tick(ctx context.Context) {
	if c.conn == nil {
		return
	}
	c.conn.txUpdater.Tick(ctx)
	c.conn.addrUpdater.Tick(ctx)
}

// handleCommand decodes and applies a single command. It returns true
// if the loop must exit.
func (c *Controller) handleCommand(ctx context.Context, cmd []byte) bool {
	if len(cmd) == 0 {
		return false
	}
	payload := cmd[1:]
	switch opcode(cmd[0]) {
	case opQuit:
		return true
	case opDisconnect:
		c.teardownConnection()
	case opConnect:
		c.doConnect(ctx, string(payload))
	case opWatchTx:
		hash, ok := decodeWatchTx(payload)
		if !ok {
			log.Ctrl.Warnf("malformed WatchTx command dropped")
			return false
		}
		c.watchTx(ctx, hash)
	case opWatchAddr:
		a, pollMS, ok := decodeWatchAddr(payload)
		if !ok {
			log.Ctrl.Warnf("malformed WatchAddress command dropped")
			return false
		}
		c.watchAddress(ctx, a, time.Duration(pollMS)*time.Millisecond)
	case opPrioritizeAddr:
		a, present, ok := decodePrioritizeAddr(payload)
		if !ok {
			log.Ctrl.Warnf("malformed PrioritizeAddress command dropped")
			return false
		}
		c.prioritizeAddress(ctx, a, present)
	case opSend:
		tx, err := decodeSend(payload)
		if err != nil {
			log.Ctrl.Warnf("malformed Send command dropped: %v", err)
			return false
		}
		if c.conn != nil {
			c.conn.txUpdater.Send(ctx, tx)
		} else {
			cb := c.callbacks()
			if cb != nil && cb.OnSend != nil {
				cb.OnSend(errors.E(errors.Op("txwatch.Send"), errors.ConnectFailed), tx)
			}
		}
	}
	return false
}

func (c *Controller) doConnect(ctx context.Context, serverURL string) {
	c.teardownConnection()

	conn, err := c.dial(ctx, serverURL, c.db, c.callbacks())
	if err != nil {
		log.Ctrl.Errorf("connect(%v) failed: %v", serverURL, err)
		cb := c.callbacks()
		if cb != nil && cb.OnFail != nil {
			cb.OnFail(err)
		}
		return
	}
	c.conn = conn
	conn.txUpdater.Start(ctx)

	for a, interval := range c.watchedAddrs {
		conn.addrUpdater.Watch(ctx, a, interval)
	}
	if c.priorityAddr.Valid() {
		conn.addrUpdater.Watch(ctx, c.priorityAddr, sync2.PriorityPollInterval)
	}
	for _, hash := range c.pendingTxWatches {
		conn.txUpdater.Watch(ctx, hash)
	}
	c.pendingTxWatches = nil
}

func (c *Controller) teardownConnection() {
	if c.conn == nil {
		return
	}
	c.conn.close()
	c.conn = nil
}

func (c *Controller) watchTx(ctx context.Context, hash chainhash.Hash) {
	if c.conn == nil {
		c.pendingTxWatches = append(c.pendingTxWatches, hash)
		return
	}
	c.conn.txUpdater.Watch(ctx, hash)
}

func (c *Controller) watchAddress(ctx context.Context, a addr.PaymentAddress, pollInterval time.Duration) {
	c.watchedAddrs[a] = pollInterval
	if c.conn != nil {
		c.conn.addrUpdater.Watch(ctx, a, pollInterval)
	}
}

func (c *Controller) prioritizeAddress(ctx context.Context, a addr.PaymentAddress, present bool) {
	old := c.priorityAddr
	if old.Valid() {
		// Only stop polling the outgoing priority address if it isn't
		// also separately watched via WatchAddress.
		if _, alsoWatched := c.watchedAddrs[old]; !alsoWatched && c.conn != nil {
			c.conn.addrUpdater.Unwatch(old)
		}
	}

	if !present {
		c.priorityAddr = addr.PaymentAddress{}
		return
	}

	c.priorityAddr = a
	if c.conn != nil {
		c.conn.addrUpdater.Watch(ctx, a, sync2.PriorityPollInterval)
	}
}
