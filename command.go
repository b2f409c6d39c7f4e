package txwatch

import (
	"bytes"
	"encoding/binary"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/wire"

	"github.com/txwatch/txwatch/addr"
)

// opcode identifies the kind of command carried by a serialized command
// queue entry. opPrioritizeAddr is kept distinct from opWatchAddr so
// that PrioritizeAddress's "clear the priority slot" behavior gets its
// own opcode rather than overloading WatchAddress with a sentinel
// interval value.
type opcode byte

const (
	opQuit opcode = iota
	opDisconnect
	opConnect
	opWatchTx
	opWatchAddr
	opSend
	opPrioritizeAddr
)

func encodeQuit() []byte {
	return []byte{byte(opQuit)}
}

func encodeDisconnect() []byte {
	return []byte{byte(opDisconnect)}
}

func encodeConnect(serverURL string) []byte {
	b := make([]byte, 1+len(serverURL))
	b[0] = byte(opConnect)
	copy(b[1:], serverURL)
	return b
}

func encodeWatchTx(hash chainhash.Hash) []byte {
	b := make([]byte, 1+chainhash.HashSize)
	b[0] = byte(opWatchTx)
	copy(b[1:], hash[:])
	return b
}

// encodeWatchAddr lays out version(2) | hash(20) | poll_ms(4).
func encodeWatchAddr(a addr.PaymentAddress, pollMS uint32) []byte {
	b := make([]byte, 1+2+addr.HashSize+4)
	b[0] = byte(opWatchAddr)
	copy(b[1:3], a.Version[:])
	copy(b[3:3+addr.HashSize], a.Hash[:])
	binary.LittleEndian.PutUint32(b[3+addr.HashSize:], pollMS)
	return b
}

// encodePrioritizeAddr carries a one-byte presence flag followed by the
// address, when present. An absent address clears the priority slot.
func encodePrioritizeAddr(a addr.PaymentAddress) []byte {
	if !a.Valid() {
		return []byte{byte(opPrioritizeAddr), 0}
	}
	b := make([]byte, 2+2+addr.HashSize)
	b[0] = byte(opPrioritizeAddr)
	b[1] = 1
	copy(b[2:4], a.Version[:])
	copy(b[4:], a.Hash[:])
	return b
}

func encodeSend(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(opSend))
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeWatchTx(payload []byte) (chainhash.Hash, bool) {
	var hash chainhash.Hash
	if len(payload) != chainhash.HashSize {
		return hash, false
	}
	copy(hash[:], payload)
	return hash, true
}

func decodeWatchAddr(payload []byte) (a addr.PaymentAddress, pollMS uint32, ok bool) {
	if len(payload) != 2+addr.HashSize+4 {
		return a, 0, false
	}
	var version [2]byte
	copy(version[:], payload[:2])
	hash := payload[2 : 2+addr.HashSize]
	pollMS = binary.LittleEndian.Uint32(payload[2+addr.HashSize:])
	a, err := addr.New(version, hash)
	if err != nil {
		return a, 0, false
	}
	return a, pollMS, true
}

func decodePrioritizeAddr(payload []byte) (a addr.PaymentAddress, present bool, ok bool) {
	if len(payload) < 1 {
		return a, false, false
	}
	if payload[0] == 0 {
		return a, false, true
	}
	if len(payload) != 1+2+addr.HashSize {
		return a, false, false
	}
	var version [2]byte
	copy(version[:], payload[1:3])
	a, err := addr.New(version, payload[3:])
	if err != nil {
		return a, false, false
	}
	return a, true, true
}

func decodeSend(payload []byte) (*wire.MsgTx, error) {
	tx := new(wire.MsgTx)
	err := tx.Deserialize(bytes.NewReader(payload))
	return tx, err
}
