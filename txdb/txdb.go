// Package txdb implements the authoritative local transaction cache: it
// stores transactions, tracks their three-state lifecycle, derives the
// unspent-output set, serializes/loads a self-delimited snapshot, and
// suspects (without proving) blockchain forks.
package txdb

import (
	"sync"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v2"
	"github.com/decred/dcrd/dcrutil/v2"
	"github.com/decred/dcrd/wire"

	"github.com/txwatch/txwatch/addr"
	"github.com/txwatch/txwatch/errors"
	"github.com/txwatch/txwatch/internal/log"
)

// State is a transaction's position in the three-state lifecycle.
type State byte

// Transaction lifecycle states.
const (
	// StateUnsent is a transaction authored locally and not yet
	// broadcast, or broadcast but not yet acknowledged.
	StateUnsent State = iota
	// StateUnconfirmed is a transaction known to the indexer's mempool
	// or fetched by hash but not (or no longer) part of a block.
	StateUnconfirmed
	// StateConfirmed is a transaction included in a block at a known
	// height.
	StateConfirmed
)

func (s State) String() string {
	switch s {
	case StateUnsent:
		return "unsent"
	case StateUnconfirmed:
		return "unconfirmed"
	case StateConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// row is a single cached transaction and its lifecycle metadata.  Rows are
// always stored and ranged over as pointers so that in-place mutation
// (fork marking in particular) is visible through every reference to the
// map, including ranges taken while the mutex is held.
type row struct {
	tx           *wire.MsgTx
	state        State
	blockHeight  uint32
	needsRecheck bool
}

// UTXO is a single unspent output: its location and satoshi (or atom)
// value.
type UTXO struct {
	Outpoint wire.OutPoint
	Value    dcrutil.Amount
}

// DB is the transaction cache described by the package doc.  The zero
// value is not usable; construct with New.  DB is safe for concurrent use:
// every exported method takes an internal mutex for its duration.
type DB struct {
	mu     sync.Mutex
	rows   map[chainhash.Hash]*row
	spent  map[wire.OutPoint]chainhash.Hash // outpoint -> spending tx hash
	height uint32
	params *chaincfg.Params

	onAdd    func(*wire.MsgTx)
	onHeight func(uint32)
}

// New creates an empty transaction cache.  onAdd fires at most once per
// hash, when a transaction is inserted for the first time.  onHeight fires
// whenever AtHeight observes a change to the recorded chain tip.  Either
// callback may be nil.  params is used only to extract addresses from
// locking scripts for GetUTXOs's address filter.
func New(params *chaincfg.Params, onAdd func(*wire.MsgTx), onHeight func(uint32)) *DB {
	return &DB{
		rows:     make(map[chainhash.Hash]*row),
		spent:    make(map[wire.OutPoint]chainhash.Hash),
		params:   params,
		onAdd:    onAdd,
		onHeight: onHeight,
	}
}

// LastHeight returns the most recently recorded chain tip height.
func (db *DB) LastHeight() uint32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.height
}

// HasTx reports whether hash is present in the cache, in any state.
func (db *DB) HasTx(hash chainhash.Hash) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.rows[hash]
	return ok
}

// GetTx returns the cached transaction for hash, or nil if absent.
func (db *DB) GetTx(hash chainhash.Hash) *wire.MsgTx {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rows[hash]
	if !ok {
		return nil
	}
	return r.tx
}

// State returns hash's current lifecycle state and whether it is
// present at all.
func (db *DB) State(hash chainhash.Hash) (State, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rows[hash]
	if !ok {
		return 0, false
	}
	return r.state, true
}

// GetTxHeight returns the confirmed block height of hash, or 0 if the
// transaction is absent or not Confirmed.
func (db *DB) GetTxHeight(hash chainhash.Hash) uint32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rows[hash]
	if !ok || r.state != StateConfirmed {
		return 0
	}
	return r.blockHeight
}

// CountUnconfirmed returns the number of rows currently in the
// Unconfirmed state.
func (db *DB) CountUnconfirmed() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, r := range db.rows {
		if r.state == StateUnconfirmed {
			n++
		}
	}
	return n
}

// GetUTXOs returns every unspent output of a Confirmed transaction in the
// cache.  When addresses is non-empty, only outputs paying one of the
// given addresses are returned.  An output is unspent iff no transaction
// in the cache, in any state, has an input referencing it.
func (db *DB) GetUTXOs(addresses []addr.PaymentAddress) []UTXO {
	db.mu.Lock()
	defer db.mu.Unlock()

	var filter map[addr.PaymentAddress]bool
	if len(addresses) > 0 {
		filter = make(map[addr.PaymentAddress]bool, len(addresses))
		for _, a := range addresses {
			filter[a] = true
		}
	}

	var out []UTXO
	for hash, r := range db.rows {
		if r.state != StateConfirmed {
			continue
		}
		for i, txOut := range r.tx.TxOut {
			op := wire.OutPoint{Hash: hash, Index: uint32(i), Tree: wire.TxTreeRegular}
			if _, spent := db.spent[op]; spent {
				continue
			}
			if filter != nil {
				to, ok := addr.ExtractFromScript(txOut.Version, txOut.PkScript, db.params)
				if !ok || !filter[to] {
					continue
				}
			}
			out = append(out, UTXO{Outpoint: op, Value: dcrutil.Amount(txOut.Value)})
		}
	}
	return out
}

// Send inserts tx at the Unsent state.  It is a convenience wrapper around
// Insert used by the public API's outbound-transaction path.
func (db *DB) Send(tx *wire.MsgTx) chainhash.Hash {
	return db.Insert(tx, StateUnsent)
}

// Insert adds tx to the cache at state if its hash is not already known.
// Insert is idempotent by hash and never lowers an existing row's state;
// on_add fires exactly once, only when the hash is new.
func (db *DB) Insert(tx *wire.MsgTx, state State) chainhash.Hash {
	hash := tx.TxHash()

	db.mu.Lock()
	_, exists := db.rows[hash]
	if !exists {
		db.rows[hash] = &row{tx: tx, state: state}
		db.indexSpends(hash, tx)
	}
	db.mu.Unlock()

	if !exists {
		log.TXDB.Debugf("inserted %v as %v", hash, state)
		if db.onAdd != nil {
			db.onAdd(tx)
		}
	}
	return hash
}

// indexSpends records tx's inputs in the reverse spend index.  Caller must
// hold db.mu.
func (db *DB) indexSpends(hash chainhash.Hash, tx *wire.MsgTx) {
	for _, in := range tx.TxIn {
		db.spent[in.PreviousOutPoint] = hash
	}
}

// unindexSpends removes tx's inputs from the reverse spend index, but only
// entries that still point at hash (a defensive guard against double
// entries, which should not occur since the DB rejects re-inserts).
// Caller must hold db.mu.
func (db *DB) unindexSpends(hash chainhash.Hash, tx *wire.MsgTx) {
	for _, in := range tx.TxIn {
		if spender, ok := db.spent[in.PreviousOutPoint]; ok && spender == hash {
			delete(db.spent, in.PreviousOutPoint)
		}
	}
}

// Confirmed marks hash Confirmed at blockHeight.  hash must already be
// present in the cache; calling Confirmed on an absent hash is a
// programmer error in the caller (the tx updater always inserts before
// confirming) and is reported as a Bug-kind error rather than a panic, so
// a single inconsistency cannot bring down the host application.
//
// If the row was already Confirmed at a different height, a fork is
// suspected and nearby Confirmed rows are marked for recheck.
func (db *DB) Confirmed(hash chainhash.Hash, blockHeight uint32) error {
	const op errors.Op = "txdb.Confirmed"

	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.rows[hash]
	if !ok {
		return errors.E(op, errors.Bug, errors.Errorf("confirmed called on unknown tx %v", hash))
	}

	if r.state == StateConfirmed && r.blockHeight != blockHeight {
		log.TXDB.Warnf("tx %v recorded height changed %d -> %d, suspecting a fork",
			hash, r.blockHeight, blockHeight)
		db.checkFork(r.blockHeight)
	}
	r.state = StateConfirmed
	r.blockHeight = blockHeight
	r.needsRecheck = false
	return nil
}

// Unconfirmed reclassifies hash as Unconfirmed.  If it is absent, this is
// a no-op.  If it was Confirmed, a fork is suspected at its previous
// height and nearby Confirmed rows are marked for recheck.
func (db *DB) Unconfirmed(hash chainhash.Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.rows[hash]
	if !ok {
		return
	}

	if r.state == StateConfirmed {
		log.TXDB.Warnf("tx %v no longer confirmed at height %d, suspecting a fork", hash, r.blockHeight)
		db.checkFork(r.blockHeight)
	}
	r.state = StateUnconfirmed
	r.blockHeight = 0
}

// Forget removes hash from the cache unconditionally.  Used after a
// broadcast is rejected by the indexer.
func (db *DB) Forget(hash chainhash.Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rows[hash]
	if !ok {
		return
	}
	db.unindexSpends(hash, r.tx)
	delete(db.rows, hash)
}

// AtHeight records the indexer's current chain tip.  If it differs from
// the previously recorded height, a fork check runs at the new height and
// on_height fires.
func (db *DB) AtHeight(height uint32) {
	db.mu.Lock()
	changed := height != db.height
	if changed {
		db.height = height
		db.checkFork(height)
	}
	newHeight := db.height
	db.mu.Unlock()

	if changed && db.onHeight != nil {
		db.onHeight(newHeight)
	}
}

// ForEachUnsent calls fn once for every row in the Unsent state.
func (db *DB) ForEachUnsent(fn func(chainhash.Hash)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for hash, r := range db.rows {
		if r.state == StateUnsent {
			fn(hash)
		}
	}
}

// ForEachUnconfirmed calls fn once for every row in the Unconfirmed state.
func (db *DB) ForEachUnconfirmed(fn func(chainhash.Hash)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for hash, r := range db.rows {
		if r.state == StateUnconfirmed {
			fn(hash)
		}
	}
}

// ForEachForked calls fn once for every Confirmed row flagged for
// recheck.
func (db *DB) ForEachForked(fn func(chainhash.Hash)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for hash, r := range db.rows {
		if r.state == StateConfirmed && r.needsRecheck {
			fn(hash)
		}
	}
}

// checkFork marks Confirmed rows at the next-lower populated block height
// relative to height as needing recheck.  The indexer exposes only
// (height, index) per confirmed transaction, not block hashes, so this
// can only suspect a reorg, never prove one.  Caller must hold db.mu.
func (db *DB) checkFork(height uint32) {
	var prevHeight uint32
	for _, r := range db.rows {
		if r.state == StateConfirmed && r.blockHeight < height && r.blockHeight > prevHeight {
			prevHeight = r.blockHeight
		}
	}
	for _, r := range db.rows {
		if r.state == StateConfirmed && r.blockHeight == prevHeight {
			r.needsRecheck = true
		}
	}
}
