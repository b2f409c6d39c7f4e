package indexer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrutil/v2"
	"github.com/decred/dcrd/wire"

	"github.com/txwatch/txwatch/addr"
	"github.com/txwatch/txwatch/errors"
	"github.com/txwatch/txwatch/internal/log"
)

// DefaultTimeout is the implicit per-request timeout: a request that
// receives no response within this window resolves its error
// continuation with a Timeout error.
const DefaultTimeout = 30 * time.Second

// wireRequest is the JSON-RPC 2.0 shaped request frame sent for every
// Bus operation.
type wireRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// wireResponse is the frame read back from the indexer.  Exactly one of
// Result or Error is populated.
type wireResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type pendingRequest struct {
	method   string
	onResult func(json.RawMessage)
	onError  func(error)
	timer    *time.Timer
}

// errKindForMethod classifies a server-side error frame by the RPC method
// it answers: a rejected broadcast surfaces as BroadcastRejected (so the
// caller's OnSend sees the right kind) and a miss on either transaction
// fetch or on the transaction index lookup surfaces as NotFound. Error
// frames answering any other method remain Decode.
func errKindForMethod(method string) errors.Kind {
	switch method {
	case "broadcast_transaction":
		return errors.BroadcastRejected
	case "fetch_transaction", "fetch_unconfirmed_transaction", "fetch_transaction_index":
		return errors.NotFound
	default:
		return errors.Decode
	}
}

// WebsocketBus is the default Bus implementation: a persistent websocket
// connection to an indexer server, with requests correlated by a random
// ID and dispatched back to the caller's chosen goroutine.
//
// A read loop run by Dial parses response frames and resolves the
// matching pending request; a per-request timer independently resolves
// the request with a Timeout error if no response arrives in time. Both
// paths route through dispatch so that every codec callback for a
// connection executes on the same (loop) goroutine.
type WebsocketBus struct {
	conn     *websocket.Conn
	dispatch func(func())

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// Dial opens a websocket connection to url and returns a Bus backed by
// it. dispatch is called, possibly from a different goroutine than the
// caller, with a function that must run on the owning event loop
// goroutine — the connection is expected to forward it onto its result
// channel.
func Dial(ctx context.Context, url string, dispatch func(func())) (*WebsocketBus, error) {
	const op errors.Op = "indexer.Dial"

	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.E(op, errors.ConnectFailed, err)
	}

	b := &WebsocketBus{
		conn:     conn,
		dispatch: dispatch,
		pending:  make(map[string]*pendingRequest),
	}
	go b.readLoop()
	return b, nil
}

// Close tears down the underlying connection and discards every in-flight
// request: their timers are stopped and neither of their continuations
// runs, and responses arriving afterwards are ignored.
func (b *WebsocketBus) Close() error {
	b.mu.Lock()
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
	}

	return b.conn.Close()
}

func (b *WebsocketBus) readLoop() {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			log.Indexer.Debugf("websocket read loop exiting: %v", err)
			return
		}
		var resp wireResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Indexer.Warnf("undecodable frame from indexer: %v", err)
			continue
		}
		b.resolve(resp)
	}
}

func (b *WebsocketBus) resolve(resp wireResponse) {
	b.mu.Lock()
	p, ok := b.pending[resp.ID]
	if ok {
		delete(b.pending, resp.ID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()

	if resp.Error != "" {
		kind := errKindForMethod(p.method)
		op := errors.Op("indexer." + p.method)
		b.dispatch(func() { p.onError(errors.E(op, kind, errors.New(resp.Error))) })
		return
	}
	b.dispatch(func() { p.onResult(resp.Result) })
}

// request sends method(params) and arranges for onResult or onError to
// run on the dispatch goroutine when the response, or the request
// timeout, arrives first.
func (b *WebsocketBus) request(ctx context.Context, method string, params interface{}, onResult func(json.RawMessage), onError func(error)) {
	id := uuid.New().String()

	raw, err := json.Marshal(params)
	if err != nil {
		b.dispatch(func() { onError(errors.E(errors.Op("indexer."+method), errors.InvalidInput, err)) })
		return
	}

	p := &pendingRequest{method: method, onResult: onResult, onError: onError}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.dispatch(func() { onError(errors.E(errors.Op("indexer."+method), errors.ConnectFailed)) })
		return
	}
	p.timer = time.AfterFunc(DefaultTimeout, func() {
		b.mu.Lock()
		_, stillPending := b.pending[id]
		delete(b.pending, id)
		b.mu.Unlock()
		if stillPending {
			b.dispatch(func() { onError(errors.E(errors.Op("indexer."+method), errors.Timeout)) })
		}
	})
	b.pending[id] = p
	b.mu.Unlock()

	req := wireRequest{ID: id, Method: method, Params: raw}
	frame, err := json.Marshal(req)
	if err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		p.timer.Stop()
		b.dispatch(func() { onError(errors.E(errors.Op("indexer."+method), errors.InvalidInput, err)) })
		return
	}

	b.writeMu.Lock()
	err = b.conn.WriteMessage(websocket.TextMessage, frame)
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		p.timer.Stop()
		b.dispatch(func() { onError(errors.E(errors.Op("indexer."+method), errors.ConnectFailed, err)) })
	}
}

func (b *WebsocketBus) FetchLastHeight(ctx context.Context, onDone func(uint32), onError func(error)) {
	b.request(ctx, "fetch_last_height", nil, func(raw json.RawMessage) {
		var height uint32
		if err := json.Unmarshal(raw, &height); err != nil {
			onError(errors.E(errors.Op("indexer.fetch_last_height"), errors.Decode, err))
			return
		}
		onDone(height)
	}, onError)
}

type historyRowWire struct {
	OutputHash   string  `json:"output_hash"`
	OutputIndex  uint32  `json:"output_index"`
	OutputHeight uint32  `json:"output_height"`
	Value        int64   `json:"value"`
	SpendHash    *string `json:"spend_hash,omitempty"`
	SpendIndex   uint32  `json:"spend_index,omitempty"`
	SpendHeight  uint32  `json:"spend_height,omitempty"`
}

func (b *WebsocketBus) FetchHistory(ctx context.Context, address addr.PaymentAddress, fromHeight uint32, onDone func([]HistoryRow), onError func(error)) {
	params := struct {
		Address    string `json:"address"`
		FromHeight uint32 `json:"from_height"`
	}{address.String(), fromHeight}

	b.request(ctx, "fetch_history", params, func(raw json.RawMessage) {
		var rows []historyRowWire
		if err := json.Unmarshal(raw, &rows); err != nil {
			onError(errors.E(errors.Op("indexer.fetch_history"), errors.Decode, err))
			return
		}
		out := make([]HistoryRow, 0, len(rows))
		for _, r := range rows {
			outputHash, err := chainhash.NewHashFromStr(r.OutputHash)
			if err != nil {
				onError(errors.E(errors.Op("indexer.fetch_history"), errors.Decode, err))
				return
			}
			row := HistoryRow{
				Output:       wire.OutPoint{Hash: *outputHash, Index: r.OutputIndex, Tree: wire.TxTreeRegular},
				OutputHeight: r.OutputHeight,
				Value:        dcrutil.Amount(r.Value),
			}
			if r.SpendHash != nil {
				spendHash, err := chainhash.NewHashFromStr(*r.SpendHash)
				if err != nil {
					onError(errors.E(errors.Op("indexer.fetch_history"), errors.Decode, err))
					return
				}
				row.Spend = &wire.OutPoint{Hash: *spendHash, Index: r.SpendIndex, Tree: wire.TxTreeRegular}
				row.SpendHeight = r.SpendHeight
			}
			out = append(out, row)
		}
		onDone(out)
	}, onError)
}

func decodeTx(raw json.RawMessage) (*wire.MsgTx, error) {
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, err
	}
	rawTx, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, err
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, err
	}
	return tx, nil
}

func (b *WebsocketBus) FetchTransaction(ctx context.Context, hash chainhash.Hash, onDone func(*wire.MsgTx), onError func(error)) {
	params := struct {
		Hash string `json:"hash"`
	}{hash.String()}
	b.request(ctx, "fetch_transaction", params, func(raw json.RawMessage) {
		tx, err := decodeTx(raw)
		if err != nil {
			onError(errors.E(errors.Op("indexer.fetch_transaction"), errors.Decode, err))
			return
		}
		onDone(tx)
	}, onError)
}

func (b *WebsocketBus) FetchUnconfirmedTransaction(ctx context.Context, hash chainhash.Hash, onDone func(*wire.MsgTx), onError func(error)) {
	params := struct {
		Hash string `json:"hash"`
	}{hash.String()}
	b.request(ctx, "fetch_unconfirmed_transaction", params, func(raw json.RawMessage) {
		tx, err := decodeTx(raw)
		if err != nil {
			onError(errors.E(errors.Op("indexer.fetch_unconfirmed_transaction"), errors.Decode, err))
			return
		}
		onDone(tx)
	}, onError)
}

func (b *WebsocketBus) FetchTransactionIndex(ctx context.Context, hash chainhash.Hash, onDone func(blockHeight, index uint32), onError func(error)) {
	params := struct {
		Hash string `json:"hash"`
	}{hash.String()}
	b.request(ctx, "fetch_transaction_index", params, func(raw json.RawMessage) {
		var res struct {
			BlockHeight uint32 `json:"block_height"`
			Index       uint32 `json:"index"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			onError(errors.E(errors.Op("indexer.fetch_transaction_index"), errors.Decode, err))
			return
		}
		onDone(res.BlockHeight, res.Index)
	}, onError)
}

func (b *WebsocketBus) BroadcastTransaction(ctx context.Context, tx *wire.MsgTx, onDone func(), onError func(error)) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		onError(errors.E(errors.Op("indexer.broadcast_transaction"), errors.InvalidInput, err))
		return
	}
	params := struct {
		Tx string `json:"tx"`
	}{hex.EncodeToString(buf.Bytes())}
	b.request(ctx, "broadcast_transaction", params, func(json.RawMessage) {
		onDone()
	}, onError)
}
