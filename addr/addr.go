// Package addr implements the payment addresses watched by the txwatch
// cache: a tagged pair of a two-byte version and a 20-byte hash, with a
// canonical Base58Check string encoding.  Equality is by the (version,
// hash) pair, matching the address model consumed and produced by the
// indexer wire contract.
package addr

import (
	"github.com/decred/base58"
	"github.com/decred/dcrd/chaincfg/v2"
	"github.com/decred/dcrd/txscript/v2"

	"github.com/txwatch/txwatch/errors"
)

// HashSize is the length in bytes of the address's payload hash (a
// RIPEMD160(SHA256(pubkey-or-script)) digest).
const HashSize = 20

// PaymentAddress is a tagged (version, hash) pair identifying a spendable
// destination.  Version matches decred's two-byte Base58Check address
// prefix (github.com/decred/base58's CheckEncode/CheckDecode).  The zero
// value is not a valid address; use New or Decode.
type PaymentAddress struct {
	Version [2]byte
	Hash    [HashSize]byte
}

// New builds a PaymentAddress from a two-byte version and a 20-byte hash.
func New(version [2]byte, hash []byte) (PaymentAddress, error) {
	const op errors.Op = "addr.New"
	var a PaymentAddress
	if len(hash) != HashSize {
		return a, errors.E(op, errors.InvalidInput,
			errors.Errorf("hash must be %d bytes, got %d", HashSize, len(hash)))
	}
	a.Version = version
	copy(a.Hash[:], hash)
	return a, nil
}

// Decode parses a Base58Check-encoded payment address string.
func Decode(encoded string) (PaymentAddress, error) {
	const op errors.Op = "addr.Decode"
	var a PaymentAddress
	decoded, version, err := base58.CheckDecode(encoded)
	if err != nil {
		return a, errors.E(op, errors.InvalidInput, err)
	}
	if len(decoded) != HashSize {
		return a, errors.E(op, errors.InvalidInput,
			errors.Errorf("decoded payload is %d bytes, want %d", len(decoded), HashSize))
	}
	a.Version = version
	copy(a.Hash[:], decoded)
	return a, nil
}

// String returns the canonical Base58Check encoding of the address.
func (a PaymentAddress) String() string {
	return base58.CheckEncode(a.Hash[:], a.Version)
}

// Equal reports whether a and b name the same (version, hash) pair.
func (a PaymentAddress) Equal(b PaymentAddress) bool {
	return a.Version == b.Version && a.Hash == b.Hash
}

// Valid reports whether a differs from the zero value in its version or
// its hash.  The zero value (version 0, all-zero hash) is treated as "no address",
// used by Controller.PrioritizeAddress to clear the priority slot.
func (a PaymentAddress) Valid() bool {
	return a != PaymentAddress{}
}

// ExtractFromScript returns the payment address that a locking script pays
// to, when the script is a standard, single-address form.  It reports
// ok=false for scripts with no single destination address (bare multisig,
// nulldata, nonstandard).
func ExtractFromScript(scriptVersion uint16, script []byte, params *chaincfg.Params) (a PaymentAddress, ok bool) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(scriptVersion, script, params)
	if err != nil || len(addrs) != 1 {
		return a, false
	}
	decoded, err := Decode(addrs[0].String())
	if err != nil {
		return a, false
	}
	return decoded, true
}
