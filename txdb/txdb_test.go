package txdb

import (
	"testing"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v2"
	"github.com/decred/dcrd/txscript/v2"
	"github.com/decred/dcrd/wire"
	"github.com/stretchr/testify/require"

	"github.com/txwatch/txwatch/addr"
)

// p2pkhScript hand-assembles a standard pay-to-pubkey-hash locking script
// for hash, avoiding any dependency on a concrete address type.
func p2pkhScript(hash [addr.HashSize]byte) []byte {
	script := make([]byte, 0, 25)
	script = append(script, txscript.OP_DUP, txscript.OP_HASH160, txscript.OP_DATA_20)
	script = append(script, hash[:]...)
	script = append(script, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
	return script
}

// txPayingTo builds a one-output transaction paying value to a.  Each call
// with a distinct nonce produces a distinct tx hash.
func txPayingTo(t *testing.T, a addr.PaymentAddress, value int64, nonce uint32) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx()
	tx.Version = wire.TxVersion
	tx.AddTxOut(wire.NewTxOut(value, p2pkhScript(a.Hash)))
	// Vary LockTime so distinct calls hash differently without needing a
	// real signer.
	tx.LockTime = nonce
	return tx
}

func testAddress(t *testing.T) addr.PaymentAddress {
	t.Helper()
	hash := make([]byte, addr.HashSize)
	hash[0] = 7
	a, err := addr.New(chaincfg.SimNetParams().PubKeyHashAddrID, hash)
	require.NoError(t, err)
	return a
}

func TestInsertIsIdempotentAndFiresOnAddOnce(t *testing.T) {
	a := testAddress(t)
	tx := txPayingTo(t, a, 1000, 1)

	var fired int
	db := New(chaincfg.SimNetParams(), func(*wire.MsgTx) { fired++ }, nil)

	h1 := db.Insert(tx, StateUnsent)
	h2 := db.Insert(tx, StateConfirmed)

	require.Equal(t, h1, h2)
	require.Equal(t, 1, fired)
	require.True(t, db.HasTx(h1))
	// Second insert must not have promoted the state.
	require.Equal(t, uint32(0), db.GetTxHeight(h1))
	state, ok := db.State(h1)
	require.True(t, ok)
	require.Equal(t, StateUnsent, state)
}

func TestGetTxHeightOnlyForConfirmed(t *testing.T) {
	a := testAddress(t)
	tx := txPayingTo(t, a, 1000, 2)
	db := New(chaincfg.SimNetParams(), nil, nil)

	hash := db.Insert(tx, StateUnconfirmed)
	require.Equal(t, uint32(0), db.GetTxHeight(hash))

	err := db.Confirmed(hash, 500)
	require.NoError(t, err)
	require.Equal(t, uint32(500), db.GetTxHeight(hash))

	db.Unconfirmed(hash)
	require.Equal(t, uint32(0), db.GetTxHeight(hash))
}

func TestConfirmedOnUnknownHashReturnsBugError(t *testing.T) {
	db := New(chaincfg.SimNetParams(), nil, nil)
	var unknown chainhash.Hash
	unknown[0] = 1
	err := db.Confirmed(unknown, 10)
	require.Error(t, err)
}

func TestCountUnconfirmed(t *testing.T) {
	a := testAddress(t)
	db := New(chaincfg.SimNetParams(), nil, nil)

	h1 := db.Insert(txPayingTo(t, a, 1, 1), StateUnconfirmed)
	db.Insert(txPayingTo(t, a, 2, 2), StateUnconfirmed)
	db.Insert(txPayingTo(t, a, 3, 3), StateUnsent)
	require.Equal(t, 2, db.CountUnconfirmed())

	require.NoError(t, db.Confirmed(h1, 10))
	require.Equal(t, 1, db.CountUnconfirmed())
}

func TestGetUTXOsExcludesSpentAndUnconfirmed(t *testing.T) {
	a := testAddress(t)
	db := New(chaincfg.SimNetParams(), nil, nil)

	funding := txPayingTo(t, a, 5000, 1)
	fundingHash := db.Insert(funding, StateUnconfirmed)
	require.Empty(t, db.GetUTXOs(nil))

	require.NoError(t, db.Confirmed(fundingHash, 100))
	utxos := db.GetUTXOs(nil)
	require.Len(t, utxos, 1)
	require.Equal(t, fundingHash, utxos[0].Outpoint.Hash)

	spend := wire.NewMsgTx()
	spend.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: fundingHash, Index: 0, Tree: wire.TxTreeRegular}, 5000, nil))
	db.Insert(spend, StateUnsent)

	require.Empty(t, db.GetUTXOs(nil))
}

func TestGetUTXOsAddressFilter(t *testing.T) {
	a := testAddress(t)
	other := testAddress(t)
	other.Hash[19] = 0xff

	db := New(chaincfg.SimNetParams(), nil, nil)
	hash := db.Insert(txPayingTo(t, a, 5000, 1), StateUnconfirmed)
	require.NoError(t, db.Confirmed(hash, 100))

	require.Empty(t, db.GetUTXOs([]addr.PaymentAddress{other}))
	require.Len(t, db.GetUTXOs([]addr.PaymentAddress{a}), 1)
}

func TestForgetRemovesRowAndSpendIndex(t *testing.T) {
	a := testAddress(t)
	db := New(chaincfg.SimNetParams(), nil, nil)
	hash := db.Insert(txPayingTo(t, a, 1000, 1), StateUnsent)

	db.Forget(hash)
	require.False(t, db.HasTx(hash))

	funding := db.Insert(txPayingTo(t, a, 5000, 2), StateUnconfirmed)
	require.NoError(t, db.Confirmed(funding, 100))
	spend := wire.NewMsgTx()
	spend.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: funding, Index: 0, Tree: wire.TxTreeRegular}, 5000, nil))
	spendHash := db.Insert(spend, StateUnsent)
	require.Empty(t, db.GetUTXOs(nil))

	// Forgetting the spender must release the output it referenced.
	db.Forget(spendHash)
	require.Len(t, db.GetUTXOs(nil), 1)
}

// TestCheckForkMarksNextLowerConfirmedHeight exercises the S5 fork
// scenario: a transaction that was reported Confirmed at one height is
// later reported Unconfirmed, and an older Confirmed transaction at the
// next-lower height is flagged for recheck.
func TestCheckForkMarksNextLowerConfirmedHeight(t *testing.T) {
	a := testAddress(t)
	db := New(chaincfg.SimNetParams(), nil, nil)

	older := db.Insert(txPayingTo(t, a, 1, 1), StateUnconfirmed)
	require.NoError(t, db.Confirmed(older, 100))

	newer := db.Insert(txPayingTo(t, a, 2, 2), StateUnconfirmed)
	require.NoError(t, db.Confirmed(newer, 200))

	db.Unconfirmed(newer)

	var forked int
	db.ForEachForked(func(h chainhash.Hash) {
		forked++
		require.Equal(t, older, h)
	})
	require.Equal(t, 1, forked)
}

func TestAtHeightFiresOnHeightOnChange(t *testing.T) {
	var got []uint32
	db := New(chaincfg.SimNetParams(), nil, func(h uint32) { got = append(got, h) })

	db.AtHeight(100)
	db.AtHeight(100)
	db.AtHeight(101)

	require.Equal(t, []uint32{100, 101}, got)
}
