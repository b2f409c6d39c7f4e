package sync

import (
	"context"
	"testing"

	"github.com/decred/dcrd/chaincfg/v2"
	"github.com/decred/dcrd/txscript/v2"
	"github.com/decred/dcrd/wire"
	"github.com/stretchr/testify/require"

	"github.com/txwatch/txwatch/addr"
	"github.com/txwatch/txwatch/indexer"
	"github.com/txwatch/txwatch/internal/indexertest"
	"github.com/txwatch/txwatch/txdb"
)

func testAddress(t *testing.T, tweak byte) addr.PaymentAddress {
	t.Helper()
	hash := make([]byte, addr.HashSize)
	hash[0] = tweak
	a, err := addr.New(chaincfg.SimNetParams().PubKeyHashAddrID, hash)
	require.NoError(t, err)
	return a
}

func p2pkhScript(hash [addr.HashSize]byte) []byte {
	script := make([]byte, 0, 25)
	script = append(script, txscript.OP_DUP, txscript.OP_HASH160, txscript.OP_DATA_20)
	script = append(script, hash[:]...)
	script = append(script, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
	return script
}

func txPayingTo(a addr.PaymentAddress, value int64, nonce uint32) *wire.MsgTx {
	tx := wire.NewMsgTx()
	tx.Version = wire.TxVersion
	tx.AddTxOut(wire.NewTxOut(value, p2pkhScript(a.Hash)))
	tx.LockTime = nonce
	return tx
}

func TestTxUpdaterWatchResolvesConfirmedTransaction(t *testing.T) {
	ctx := context.Background()
	db := txdb.New(chaincfg.SimNetParams(), nil, nil)
	bus := indexertest.New()
	codec := indexer.New(bus)
	u := NewTxUpdater(db, codec, nil)

	a := testAddress(t, 1)
	tx := txPayingTo(a, 1000, 1)
	hash := tx.TxHash()
	bus.AddConfirmed(tx, 500, 0)

	u.Watch(ctx, hash)

	require.Equal(t, uint32(500), db.GetTxHeight(hash))
}

func TestTxUpdaterWatchFallsBackToMempool(t *testing.T) {
	ctx := context.Background()
	db := txdb.New(chaincfg.SimNetParams(), nil, nil)
	bus := indexertest.New()
	codec := indexer.New(bus)
	u := NewTxUpdater(db, codec, nil)

	a := testAddress(t, 2)
	tx := txPayingTo(a, 1000, 2)
	hash := tx.TxHash()
	bus.AddUnconfirmed(tx)

	u.Watch(ctx, hash)

	require.True(t, db.HasTx(hash))
	require.Equal(t, uint32(0), db.GetTxHeight(hash))
}

func TestTxUpdaterWatchIsNoopWhenAlreadyKnown(t *testing.T) {
	ctx := context.Background()
	db := txdb.New(chaincfg.SimNetParams(), nil, nil)
	bus := indexertest.New()
	codec := indexer.New(bus)
	u := NewTxUpdater(db, codec, nil)

	a := testAddress(t, 3)
	tx := txPayingTo(a, 1000, 3)
	hash := db.Insert(tx, txdb.StateUnsent)

	// Nothing is registered on the bus; a real fetch would fail.
	u.Watch(ctx, hash)

	state, ok := db.State(hash)
	require.True(t, ok)
	require.Equal(t, txdb.StateUnsent, state)
}

func TestTxUpdaterSendBroadcastsAndTransitionsToUnconfirmed(t *testing.T) {
	ctx := context.Background()
	db := txdb.New(chaincfg.SimNetParams(), nil, nil)
	bus := indexertest.New()
	codec := indexer.New(bus)

	var sendErr error
	var sent bool
	u := NewTxUpdater(db, codec, &Callbacks{
		OnSend: func(err error, _ *wire.MsgTx) { sendErr = err; sent = true },
	})

	a := testAddress(t, 4)
	tx := txPayingTo(a, 1000, 4)

	u.Send(ctx, tx)

	require.True(t, sent)
	require.NoError(t, sendErr)
	require.Len(t, bus.Broadcasts, 1)
	require.Equal(t, uint32(0), db.GetTxHeight(tx.TxHash()))
	require.True(t, db.HasTx(tx.TxHash()))
}

func TestTxUpdaterSendRejectionForgetsRow(t *testing.T) {
	ctx := context.Background()
	db := txdb.New(chaincfg.SimNetParams(), nil, nil)
	bus := indexertest.New()
	bus.FailBroadcast = errFake

	codec := indexer.New(bus)
	var sendErr error
	u := NewTxUpdater(db, codec, &Callbacks{
		OnSend: func(err error, _ *wire.MsgTx) { sendErr = err },
	})

	a := testAddress(t, 5)
	tx := txPayingTo(a, 1000, 5)

	u.Send(ctx, tx)

	require.Error(t, sendErr)
	require.False(t, db.HasTx(tx.TxHash()))
}

func TestTxUpdaterStartFetchesHeightAndBroadcastsUnsent(t *testing.T) {
	ctx := context.Background()
	db := txdb.New(chaincfg.SimNetParams(), nil, nil)
	bus := indexertest.New()
	bus.SetHeight(300)
	codec := indexer.New(bus)
	u := NewTxUpdater(db, codec, nil)

	a := testAddress(t, 6)
	unsent := txPayingTo(a, 1000, 6)
	db.Insert(unsent, txdb.StateUnsent)

	u.Start(ctx)

	require.Equal(t, uint32(300), db.LastHeight())
	require.Len(t, bus.Broadcasts, 1)
	require.Equal(t, unsent.TxHash(), bus.Broadcasts[0].TxHash())
}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

var errFake = &fakeErr{msg: "broadcast rejected by fake indexer"}
