package txdb

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"

	"github.com/txwatch/txwatch/errors"
)

// Snapshot magic values.  CurrentMagic identifies this package's binary
// format; LegacyMagic identifies a previous, no-longer-trusted on-disk
// format that this package recognizes only well enough to discard.
const (
	CurrentMagic uint32 = 0xfecdb760
	LegacyMagic  uint32 = 0x3eab61c3

	recordTypeTx byte = 0x42
)

// Serialize encodes the cache as a self-delimited little-endian byte
// stream: a 4-byte magic, an 8-byte last-known height, then one variable
// length TX record per cached transaction (hash, wire-encoded tx, state,
// block height, needs-recheck flag).
func (db *DB) Serialize() []byte {
	db.mu.Lock()
	defer db.mu.Unlock()

	var buf bytes.Buffer

	var word [8]byte
	binary.LittleEndian.PutUint32(word[:4], CurrentMagic)
	buf.Write(word[:4])

	binary.LittleEndian.PutUint64(word[:], uint64(db.height))
	buf.Write(word[:])

	for hash, r := range db.rows {
		buf.WriteByte(recordTypeTx)
		buf.Write(hash[:])
		// MsgTx.Serialize only fails for a broken io.Writer; bytes.Buffer
		// never errors on Write.
		_ = r.tx.Serialize(&buf)
		buf.WriteByte(byte(r.state))
		binary.LittleEndian.PutUint64(word[:], uint64(r.blockHeight))
		buf.Write(word[:])
		if r.needsRecheck {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	return buf.Bytes()
}

// Load replaces the cache's contents with the snapshot encoded in data.
// Loading the legacy magic succeeds and yields an empty cache, per the
// compatibility contract of the on-disk format. Any other recognition
// failure, or a truncated record, returns an error and leaves the cache
// untouched.
func (db *DB) Load(data []byte) error {
	const op errors.Op = "txdb.Load"

	if len(data) < 4 {
		return errors.E(op, errors.BadMagic, errors.New("snapshot too short to contain a magic"))
	}
	magic := binary.LittleEndian.Uint32(data[:4])

	if magic == LegacyMagic {
		db.mu.Lock()
		db.rows = make(map[chainhash.Hash]*row)
		db.spent = make(map[wire.OutPoint]chainhash.Hash)
		db.height = 0
		db.mu.Unlock()
		return nil
	}
	if magic != CurrentMagic {
		return errors.E(op, errors.BadMagic, errors.Errorf("unrecognized snapshot magic %#08x", magic))
	}

	r := bytes.NewReader(data[4:])
	var word [8]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return errors.E(op, errors.Truncated, err)
	}
	height := binary.LittleEndian.Uint64(word[:])

	rows := make(map[chainhash.Hash]*row)
	spent := make(map[wire.OutPoint]chainhash.Hash)

	for r.Len() > 0 {
		recType, err := r.ReadByte()
		if err != nil {
			return errors.E(op, errors.Truncated, err)
		}
		if recType != recordTypeTx {
			return errors.E(op, errors.UnknownRecord, errors.Errorf("unknown record type %#02x", recType))
		}

		var hash chainhash.Hash
		if _, err := io.ReadFull(r, hash[:]); err != nil {
			return errors.E(op, errors.Truncated, err)
		}

		tx := new(wire.MsgTx)
		if err := tx.Deserialize(r); err != nil {
			return errors.E(op, errors.Truncated, err)
		}

		stateByte, err := r.ReadByte()
		if err != nil {
			return errors.E(op, errors.Truncated, err)
		}
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return errors.E(op, errors.Truncated, err)
		}
		blockHeight := binary.LittleEndian.Uint64(word[:])
		needsByte, err := r.ReadByte()
		if err != nil {
			return errors.E(op, errors.Truncated, err)
		}

		hash2 := tx.TxHash()
		if hash2 != hash {
			return errors.E(op, errors.Decode, errors.Errorf("record hash %v does not match tx hash %v", hash, hash2))
		}

		rows[hash] = &row{
			tx:           tx,
			state:        State(stateByte),
			blockHeight:  uint32(blockHeight),
			needsRecheck: needsByte != 0,
		}
		for _, in := range tx.TxIn {
			spent[in.PreviousOutPoint] = hash
		}
	}

	db.mu.Lock()
	db.height = uint32(height)
	db.rows = rows
	db.spent = spent
	db.mu.Unlock()
	return nil
}
