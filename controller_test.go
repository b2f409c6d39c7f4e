package txwatch

import (
	"context"
	"testing"
	"time"

	"github.com/decred/dcrd/chaincfg/v2"
	"github.com/decred/dcrd/txscript/v2"
	"github.com/decred/dcrd/wire"
	"github.com/stretchr/testify/require"

	"github.com/txwatch/txwatch/addr"
	"github.com/txwatch/txwatch/indexer"
	"github.com/txwatch/txwatch/internal/indexertest"
	sync2 "github.com/txwatch/txwatch/sync"
	"github.com/txwatch/txwatch/txdb"
)

func p2pkhScript(hash [addr.HashSize]byte) []byte {
	script := make([]byte, 0, 25)
	script = append(script, txscript.OP_DUP, txscript.OP_HASH160, txscript.OP_DATA_20)
	script = append(script, hash[:]...)
	script = append(script, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
	return script
}

func testAddress(t *testing.T, tweak byte) addr.PaymentAddress {
	t.Helper()
	hash := make([]byte, addr.HashSize)
	hash[0] = tweak
	a, err := addr.New(chaincfg.SimNetParams().PubKeyHashAddrID, hash)
	require.NoError(t, err)
	return a
}

func txPayingTo(a addr.PaymentAddress, value int64, nonce uint32) *wire.MsgTx {
	tx := wire.NewMsgTx()
	tx.Version = wire.TxVersion
	tx.AddTxOut(wire.NewTxOut(value, p2pkhScript(a.Hash)))
	tx.LockTime = nonce
	return tx
}

// newFakeController wires a Controller whose dial function bypasses the
// websocket transport in favor of an internal/indexertest fake bus,
// returning both so tests can script indexer behavior before Connect.
func newFakeController(t *testing.T) (*Controller, *indexertest.Bus) {
	t.Helper()
	c := New(&Config{Params: chaincfg.SimNetParams()})
	bus := indexertest.New()
	c.dial = func(ctx context.Context, serverURL string, db *txdb.DB, cb *sync2.Callbacks) (*connection, error) {
		return newTestConnection(bus, nil, db, cb), nil
	}
	return c, bus
}

func TestControllerConnectReplaysWatches(t *testing.T) {
	c, bus := newFakeController(t)

	a := testAddress(t, 1)
	tx := txPayingTo(a, 5000, 1)
	hash := tx.TxHash()
	bus.AddConfirmed(tx, 100, 0)
	bus.AddHistory(a, indexer.HistoryRow{
		Output:       wire.OutPoint{Hash: hash, Index: 0},
		OutputHeight: 100,
	})
	bus.SetHeight(100)

	var added []string
	c.SetCallbacks(&Callbacks{
		OnAdd: func(tx *wire.MsgTx) { added = append(added, tx.TxHash().String()) },
	})

	require.NoError(t, c.WatchAddress(a, 0))

	go c.Loop()
	defer c.Stop()

	c.Connect("fake://indexer")

	require.Eventually(t, func() bool {
		present, height := c.GetTxHeight(hash)
		return present && height == 100
	}, 2*time.Second, 5*time.Millisecond)

	utxos := c.GetUTXOs(nil)
	require.Len(t, utxos, 1)
	require.Contains(t, added, hash.String())
}

func TestControllerWatchTxBeforeConnectIsReplayed(t *testing.T) {
	c, bus := newFakeController(t)

	a := testAddress(t, 2)
	tx := txPayingTo(a, 1000, 7)
	hash := tx.TxHash()
	bus.AddConfirmed(tx, 50, 0)

	c.WatchTx(hash)

	go c.Loop()
	defer c.Stop()

	c.Connect("fake://indexer")

	require.Eventually(t, func() bool {
		return c.FindTx(hash) != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestControllerSendBroadcastsSuccessfully(t *testing.T) {
	c, bus := newFakeController(t)

	a := testAddress(t, 3)
	tx := txPayingTo(a, 2000, 9)

	resultCh := make(chan error, 1)
	c.SetCallbacks(&Callbacks{
		OnSend: func(err error, _ *wire.MsgTx) { resultCh <- err },
	})

	go c.Loop()
	defer c.Stop()

	c.Connect("fake://indexer")
	require.NoError(t, c.Send(tx))

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnSend")
	}
	require.Len(t, bus.Broadcasts, 1)
}

func TestControllerSendWithoutConnectionFailsFast(t *testing.T) {
	c, _ := newFakeController(t)

	a := testAddress(t, 4)
	tx := txPayingTo(a, 3000, 11)

	resultCh := make(chan error, 1)
	c.SetCallbacks(&Callbacks{
		OnSend: func(err error, _ *wire.MsgTx) { resultCh <- err },
	})

	go c.Loop()
	defer c.Stop()

	require.NoError(t, c.Send(tx))

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnSend")
	}
}

func TestControllerRejectsNilAndEmptyTransactions(t *testing.T) {
	c, _ := newFakeController(t)
	require.Error(t, c.Send(nil))
	require.Error(t, c.Send(wire.NewMsgTx()))
}

func TestControllerWatchAddressRejectsInvalidAddress(t *testing.T) {
	c, _ := newFakeController(t)
	var invalid addr.PaymentAddress
	require.Error(t, c.WatchAddress(invalid, 0))
}

func TestControllerDisconnectTearsDownConnection(t *testing.T) {
	c, bus := newFakeController(t)
	bus.SetHeight(42)

	go c.Loop()
	defer c.Stop()

	c.Connect("fake://indexer")
	require.Eventually(t, func() bool {
		return c.GetLastBlockHeight() == 42
	}, 2*time.Second, 5*time.Millisecond)

	c.Disconnect()

	a := testAddress(t, 6)
	tx := txPayingTo(a, 1, 1)
	resultCh := make(chan error, 1)
	c.SetCallbacks(&Callbacks{
		OnSend: func(err error, _ *wire.MsgTx) { resultCh <- err },
	})
	require.NoError(t, c.Send(tx))

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnSend after disconnect")
	}
}
