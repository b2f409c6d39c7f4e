package txwatch

import "github.com/decred/dcrd/chaincfg/v2"

// Config configures a new Controller.
type Config struct {
	// Params identifies the network whose address version bytes and
	// script rules the cache should assume when extracting addresses
	// from locking scripts.
	Params *chaincfg.Params
}
