// Copyright (c) 2024 The txwatch developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txwatch is an embeddable chain-watcher core: given a stream of
// watched addresses and transaction hashes, it maintains a local
// transaction cache synchronized against a remote indexer, exposing
// unspent outputs, confirmation heights, and lifecycle notifications to
// a host application.
//
// The Controller type is the sole entry point. A host constructs one
// with New, registers Callbacks, and dedicates a goroutine to Loop,
// which runs until Stop is called. All state-mutating requests
// (Connect, Disconnect, WatchAddress, PrioritizeAddress, WatchTx, Send)
// are queued and applied on the loop goroutine; read-only queries
// (FindTx, GetTxHeight, GetUTXOs, GetLastBlockHeight, CountUnconfirmed,
// Serialize) may be called from any goroutine. Load is not queued: it
// replaces the cache directly, under the cache's own lock.
package txwatch
