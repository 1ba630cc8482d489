// Package polymarket implements the Polymarket ingester: a subscriber to
// the CTF Exchange's on-chain OrderFilled logs over an
// eth_subscribe JSON-RPC WebSocket feed.
//
// The connection lifecycle (atomic connection handle, ping loop, read loop,
// reconnect-with-backoff) follows the same idiom as
// mas-Avi-candles/internal/websocket.Client, generalized from a single-purpose exchange
// message handler to a multiplexed JSON-RPC envelope that must service both
// unsolicited log notifications and synchronous request/response calls
// (used to resolve a log's block timestamp) on the same socket. The
// backoff-with-jitter reconnect loop is grounded on
// Keshy31-polyinsider/internal/ingest/websocket.go's runLoop/waitBackoff.
package polymarket

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nealsshah/dawn-trial/internal/bus"
	"github.com/nealsshah/dawn-trial/internal/model"
	"github.com/nealsshah/dawn-trial/internal/storage"
)

const (
	// defaultContractAddress is the Polymarket CTF Exchange deployment
	// whose OrderFilled logs this ingester subscribes to.
	defaultContractAddress = "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e"

	// orderFilledTopic is topic0 for
	// OrderFilled(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)
	// per the CTF Exchange's published ABI.
	orderFilledTopic = "0xd0a08e8c493f9c94f29311604c9de1b4e8c8d4c06bd0c789af57f2d65bfec0f6"

	outcomeDecimals = 6 // Polymarket outcome tokens and USDC both use 6 decimals.

	pingPeriod      = 15 * time.Second
	writeTimeout    = 5 * time.Second
	readLimit       = 1 << 20
	rpcTimeout      = 15 * time.Second
	initialBackoff  = 1 * time.Second
	maxBackoff      = 60 * time.Second
	backoffFactor   = 2.0
	jitterFraction  = 0.2
	logQueueDepth   = 256
	seenCacheSize   = 4096
	blockCacheSize  = 2048
)

// connState is the connection's lifecycle state: connecting -> subscribed
// -> reconnecting.
type connState int32

const (
	stateConnecting connState = iota
	stateSubscribed
	stateReconnecting
)

// Config configures an Ingester.
type Config struct {
	WSURL           string
	Markets         []string // token ids to track; empty means track all
	ContractAddress string
}

// Ingester streams OrderFilled logs for the configured markets, normalizes
// them into model.Trade, persists, and publishes.
type Ingester struct {
	cfg     Config
	store   storage.Interface
	bus     *bus.Bus
	log     zerolog.Logger
	markets map[string]struct{}

	state      atomic.Int32
	nextID     atomic.Int64
	activeConn atomic.Value // *websocket.Conn, valid only while connected

	pendingMu sync.Mutex
	pending   map[int64]chan rpcResult

	blockTimeMu    sync.Mutex
	blockTimeCache map[uint64]time.Time
	blockTimeOrder []uint64

	seenMu    sync.Mutex
	seenBlock map[string]uint64
	seenOrder []string

	lastBlock uint64 // owned by the Run goroutine only
}

// New creates a Polymarket ingester tracking cfg.Markets.
func New(cfg Config, store storage.Interface, b *bus.Bus, log zerolog.Logger) *Ingester {
	if cfg.ContractAddress == "" {
		cfg.ContractAddress = defaultContractAddress
	}
	markets := make(map[string]struct{}, len(cfg.Markets))
	for _, m := range cfg.Markets {
		markets[m] = struct{}{}
	}
	return &Ingester{
		cfg:            cfg,
		store:          store,
		bus:            b,
		log:            log.With().Str("component", "polymarket.Ingester").Logger(),
		markets:        markets,
		pending:        make(map[int64]chan rpcResult),
		blockTimeCache: make(map[uint64]time.Time),
		seenBlock:      make(map[string]uint64),
	}
}

// State returns the ingester's current connection state, for diagnostics.
func (ing *Ingester) State() string {
	switch connState(ing.state.Load()) {
	case stateSubscribed:
		return "subscribed"
	case stateReconnecting:
		return "reconnecting"
	default:
		return "connecting"
	}
}

// Run connects, subscribes to OrderFilled logs, and reconnects with
// exponential backoff until ctx is cancelled.
func (ing *Ingester) Run(ctx context.Context) error {
	if block, err := ing.store.LastPolymarketBlock(ctx); err != nil {
		ing.log.Warn().Err(err).Msg("failed to load last polymarket block, starting from chain head")
	} else {
		ing.lastBlock = block
	}

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ing.state.Store(int32(stateConnecting))
		resetBackoff := func() { backoff = initialBackoff }
		err := ing.connectAndStream(ctx, resetBackoff)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			ing.log.Warn().Err(err).Msg("polymarket stream ended, reconnecting")
		}

		ing.state.Store(int32(stateReconnecting))
		if !ing.waitBackoff(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func (ing *Ingester) waitBackoff(ctx context.Context, backoff time.Duration) bool {
	jitter := time.Duration(float64(backoff) * jitterFraction * (rand.Float64()*2 - 1))
	wait := backoff + jitter
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

// connectAndStream dials, replays any logs missed since the last persisted
// block, subscribes for live logs, and blocks until the connection drops.
func (ing *Ingester) connectAndStream(ctx context.Context, resetBackoff func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket: dial: %w", err)
	}
	defer conn.Close()
	ing.activeConn.Store(conn)

	conn.SetReadLimit(readLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingPeriod * 2))
	})

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatchErrCh := make(chan error, 1)
	logQueue := make(chan rawLog, logQueueDepth)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer close(logQueue)
		dispatchErrCh <- ing.dispatchLoop(cctx, conn, logQueue)
	}()
	go func() {
		defer wg.Done()
		ing.pingLoop(cctx, conn)
	}()
	go func() {
		defer wg.Done()
		// conn.ReadMessage in dispatchLoop blocks on the socket and will
		// not observe cctx.Done() on its own; closing the connection is
		// what actually unblocks it on shutdown.
		<-cctx.Done()
		conn.Close()
	}()

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		for rl := range logQueue {
			if err := ing.processLog(ctx, rl.log); err != nil {
				ing.log.Warn().Err(err).Msg("failed to process order filled log")
			}
		}
	}()

	if ing.lastBlock > 0 {
		if err := ing.replayMissedLogs(ctx); err != nil {
			ing.log.Warn().Err(err).Msg("failed to replay missed logs, continuing with live subscription")
		}
	}

	if _, err := ing.sendRequest(ctx, conn, "eth_subscribe", []any{"logs", map[string]any{
		"address": ing.cfg.ContractAddress,
		"topics":  [][]string{{orderFilledTopic}},
	}}); err != nil {
		cancel()
		wg.Wait()
		<-processorDone
		return fmt.Errorf("polymarket: subscribe: %w", err)
	}

	resetBackoff()
	ing.state.Store(int32(stateSubscribed))
	ing.log.Info().Msg("polymarket subscription active")

	streamErr := <-dispatchErrCh
	cancel()
	wg.Wait()
	<-processorDone
	return streamErr
}

// rawLog is a decoded-from-JSON-RPC log notification queued for sequential
// processing, preserving per-market publish ordering.
type rawLog struct {
	log ethLog
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponseEnvelope struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcResult struct {
	result json.RawMessage
	err    error
}

type subscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// ethLog is the shape of one entry returned by eth_getLogs or carried in an
// eth_subscription notification's params.result.
type ethLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

// dispatchLoop reads frames off conn until error, routing request/response
// replies to pending callers and log notifications onto logQueue. It is the
// only goroutine that reads conn, so pending-map lookups never block on I/O.
func (ing *Ingester) dispatchLoop(ctx context.Context, conn *websocket.Conn, logQueue chan<- rawLog) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("polymarket: read: %w", err)
		}

		var env rpcResponseEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			ing.log.Debug().Err(err).Msg("discarding malformed rpc frame")
			continue
		}

		if env.ID != nil {
			ing.resolvePending(*env.ID, env.Result, env.Error)
			continue
		}

		if env.Method != "eth_subscription" {
			continue
		}

		var params subscriptionParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			ing.log.Warn().Err(err).Msg("malformed subscription notification")
			continue
		}
		var entry ethLog
		if err := json.Unmarshal(params.Result, &entry); err != nil {
			ing.log.Warn().Err(err).Msg("malformed log in subscription notification")
			continue
		}

		select {
		case logQueue <- rawLog{log: entry}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (ing *Ingester) resolvePending(id int64, result json.RawMessage, rpcErr *rpcError) {
	ing.pendingMu.Lock()
	ch, ok := ing.pending[id]
	ing.pendingMu.Unlock()
	if !ok {
		return
	}

	var err error
	if rpcErr != nil {
		err = rpcErr
	}
	select {
	case ch <- rpcResult{result: result, err: err}:
	default:
	}
}

func (ing *Ingester) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ing.log.Warn().Err(err).Msg("ping failed")
			}
		}
	}
}

// sendRequest issues a JSON-RPC call over conn and waits for the matching
// response via the pending map the dispatch loop fulfills.
func (ing *Ingester) sendRequest(ctx context.Context, conn *websocket.Conn, method string, params []any) (json.RawMessage, error) {
	id := ing.nextID.Add(1)
	ch := make(chan rpcResult, 1)

	ing.pendingMu.Lock()
	ing.pending[id] = ch
	ing.pendingMu.Unlock()
	defer func() {
		ing.pendingMu.Lock()
		delete(ing.pending, id)
		ing.pendingMu.Unlock()
	}()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return nil, fmt.Errorf("polymarket: write %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(rpcTimeout):
		return nil, fmt.Errorf("polymarket: %s timed out", method)
	}
}

func toHexBlock(n uint64) string {
	if n == 0 {
		return "0x0"
	}
	return "0x" + strconv.FormatUint(n, 16)
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 16, 64)
}

// decodeOrderFilled parses the indexed topics and ABI-encoded data word of
// an OrderFilled log into its typed fields. Layout:
//
//	topics[0] event signature (filtered by subscription, not re-checked here)
//	topics[1] orderHash
//	topics[2] maker address, right-aligned in a 32-byte word
//	topics[3] taker address, right-aligned in a 32-byte word
//	data      5 concatenated 32-byte words: makerAssetId, takerAssetId,
//	          makerAmountFilled, takerAmountFilled, fee
func decodeOrderFilled(entry ethLog) (maker, taker string, makerAssetID, takerAssetID, makerAmountFilled, takerAmountFilled *big.Int, err error) {
	if len(entry.Topics) != 4 {
		return "", "", nil, nil, nil, nil, fmt.Errorf("polymarket: expected 4 topics, got %d", len(entry.Topics))
	}
	maker, err = addressFromTopic(entry.Topics[2])
	if err != nil {
		return "", "", nil, nil, nil, nil, err
	}
	taker, err = addressFromTopic(entry.Topics[3])
	if err != nil {
		return "", "", nil, nil, nil, nil, err
	}

	data := strings.TrimPrefix(entry.Data, "0x")
	const wordHexLen = 64
	if len(data) < wordHexLen*5 {
		return "", "", nil, nil, nil, nil, fmt.Errorf("polymarket: expected 5 data words, got %d bytes", len(data)/2)
	}

	words := make([]*big.Int, 5)
	for i := 0; i < 5; i++ {
		w, err := hexWordToBigInt(data[i*wordHexLen : (i+1)*wordHexLen])
		if err != nil {
			return "", "", nil, nil, nil, nil, fmt.Errorf("polymarket: decode data word %d: %w", i, err)
		}
		words[i] = w
	}
	return maker, taker, words[0], words[1], words[2], words[3], nil
}

func addressFromTopic(topic string) (string, error) {
	topic = strings.TrimPrefix(topic, "0x")
	if len(topic) != 64 {
		return "", fmt.Errorf("polymarket: malformed address topic %q", topic)
	}
	return "0x" + strings.ToLower(topic[24:]), nil
}

func hexWordToBigInt(word string) (*big.Int, error) {
	raw, err := hex.DecodeString(word)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// classifyFill determines which leg of an OrderFilled event is the USDC
// collateral side (assetId 0) and which is the outcome token side, and
// derives the trade's marketId, side, price, and quantity from that split.
//
// Extraction rule: Polymarket's CTF
// Exchange represents the USDC collateral leg of every fill with assetId 0;
// whichever side carries a nonzero assetId is the outcome token, and its id
// is the marketId. The taker's side is buy when the taker supplied the
// collateral leg (received the outcome token in return), sell when the
// taker supplied the outcome token leg.
func classifyFill(makerAssetID, takerAssetID, makerAmountFilled, takerAmountFilled *big.Int) (marketID string, side model.Side, price, quantity decimal.Decimal, err error) {
	switch {
	case makerAssetID.Sign() == 0 && takerAssetID.Sign() != 0:
		marketID = takerAssetID.String()
		side = model.SideSell
		quantity = decimal.NewFromBigInt(takerAmountFilled, -outcomeDecimals)
		collateral := decimal.NewFromBigInt(makerAmountFilled, -outcomeDecimals)
		if quantity.IsZero() {
			return "", "", decimal.Zero, decimal.Zero, fmt.Errorf("polymarket: zero outcome amount")
		}
		price = collateral.Div(quantity)
	case takerAssetID.Sign() == 0 && makerAssetID.Sign() != 0:
		marketID = makerAssetID.String()
		side = model.SideBuy
		quantity = decimal.NewFromBigInt(makerAmountFilled, -outcomeDecimals)
		collateral := decimal.NewFromBigInt(takerAmountFilled, -outcomeDecimals)
		if quantity.IsZero() {
			return "", "", decimal.Zero, decimal.Zero, fmt.Errorf("polymarket: zero outcome amount")
		}
		price = collateral.Div(quantity)
	default:
		return "", "", decimal.Zero, decimal.Zero, fmt.Errorf("polymarket: cannot identify collateral leg (maker=%s taker=%s)", makerAssetID, takerAssetID)
	}
	return marketID, side, price, quantity, nil
}

// processLog decodes, classifies, and persists a single OrderFilled log,
// publishing it to the bus on successful insert.
func (ing *Ingester) processLog(ctx context.Context, entry ethLog) error {
	maker, taker, makerAssetID, takerAssetID, makerAmountFilled, takerAmountFilled, err := decodeOrderFilled(entry)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	marketID, side, price, quantity, err := classifyFill(makerAssetID, takerAssetID, makerAmountFilled, takerAmountFilled)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}

	if len(ing.markets) > 0 {
		if _, tracked := ing.markets[marketID]; !tracked {
			return nil
		}
	}

	blockNumber, err := parseHexUint(entry.BlockNumber)
	if err != nil {
		return fmt.Errorf("parse block number: %w", err)
	}
	logIndex, err := parseHexUint(entry.LogIndex)
	if err != nil {
		return fmt.Errorf("parse log index: %w", err)
	}

	ts, err := ing.blockTimestamp(ctx, blockNumber)
	if err != nil {
		return fmt.Errorf("resolve block timestamp: %w", err)
	}

	txHash := entry.TransactionHash
	trade := model.Trade{
		Exchange:  model.ExchangePolymarket,
		MarketID:  marketID,
		Price:     price,
		Quantity:  quantity,
		Side:      side,
		Timestamp: ts,
		TxHash:    &txHash,
		LogIndex:  int(logIndex),
	}
	if err := trade.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	dedupeKey, err := trade.DedupeKey()
	if err != nil {
		return err
	}

	id, err := ing.store.InsertTrade(ctx, trade)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			ing.checkReorg(dedupeKey, blockNumber)
			ing.markSeen(dedupeKey, blockNumber)
			ing.advanceLastBlock(ctx, blockNumber)
			return nil
		}
		return fmt.Errorf("insert trade: %w", err)
	}

	trade.ID = &id
	ing.bus.Publish(ctx, trade)
	ing.log.Debug().
		Str("marketId", marketID).
		Str("maker", maker).
		Str("taker", taker).
		Str("side", string(side)).
		Msg("polymarket trade ingested")

	ing.markSeen(dedupeKey, blockNumber)
	ing.advanceLastBlock(ctx, blockNumber)
	return nil
}

// checkReorg warns if a duplicate's block number differs from the block it
// was first observed at — a sign the chain reorganized around this log. The
// system does not attempt to rewrite history; this is purely a
// diagnostic signal.
func (ing *Ingester) checkReorg(dedupeKey string, blockNumber uint64) {
	ing.seenMu.Lock()
	prior, ok := ing.seenBlock[dedupeKey]
	ing.seenMu.Unlock()
	if ok && prior != blockNumber {
		ing.log.Warn().
			Str("dedupeKey", dedupeKey).
			Uint64("priorBlock", prior).
			Uint64("newBlock", blockNumber).
			Msg("duplicate trade observed at a different block number, possible reorg")
	}
}

func (ing *Ingester) markSeen(dedupeKey string, blockNumber uint64) {
	ing.seenMu.Lock()
	defer ing.seenMu.Unlock()
	if _, exists := ing.seenBlock[dedupeKey]; !exists {
		ing.seenOrder = append(ing.seenOrder, dedupeKey)
	}
	ing.seenBlock[dedupeKey] = blockNumber
	for len(ing.seenOrder) > seenCacheSize {
		oldest := ing.seenOrder[0]
		ing.seenOrder = ing.seenOrder[1:]
		delete(ing.seenBlock, oldest)
	}
}

func (ing *Ingester) advanceLastBlock(ctx context.Context, blockNumber uint64) {
	if blockNumber <= ing.lastBlock {
		return
	}
	ing.lastBlock = blockNumber
	if err := ing.store.SavePolymarketBlock(ctx, blockNumber); err != nil {
		ing.log.Warn().Err(err).Uint64("block", blockNumber).Msg("failed to persist polymarket watermark block")
	}
}

func (ing *Ingester) blockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	ing.blockTimeMu.Lock()
	if ts, ok := ing.blockTimeCache[blockNumber]; ok {
		ing.blockTimeMu.Unlock()
		return ts, nil
	}
	ing.blockTimeMu.Unlock()

	conn := ing.activeConn.Load()
	if conn == nil {
		return time.Time{}, errors.New("polymarket: no active connection")
	}
	raw, err := ing.sendRequest(ctx, conn.(*websocket.Conn), "eth_getBlockByNumber", []any{toHexBlock(blockNumber), false})
	if err != nil {
		return time.Time{}, err
	}

	var block struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return time.Time{}, fmt.Errorf("decode block: %w", err)
	}
	secs, err := parseHexUint(block.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse block timestamp: %w", err)
	}
	ts := time.Unix(int64(secs), 0).UTC()

	ing.blockTimeMu.Lock()
	ing.blockTimeCache[blockNumber] = ts
	ing.blockTimeOrder = append(ing.blockTimeOrder, blockNumber)
	for len(ing.blockTimeOrder) > blockCacheSize {
		oldest := ing.blockTimeOrder[0]
		ing.blockTimeOrder = ing.blockTimeOrder[1:]
		delete(ing.blockTimeCache, oldest)
	}
	ing.blockTimeMu.Unlock()

	return ts, nil
}

func (ing *Ingester) replayMissedLogs(ctx context.Context) error {
	conn := ing.activeConn.Load()
	if conn == nil {
		return errors.New("polymarket: no active connection")
	}

	from := ing.lastBlock + 1
	raw, err := ing.sendRequest(ctx, conn.(*websocket.Conn), "eth_getLogs", []any{map[string]any{
		"fromBlock": toHexBlock(from),
		"toBlock":   "latest",
		"address":   ing.cfg.ContractAddress,
		"topics":    [][]string{{orderFilledTopic}},
	}})
	if err != nil {
		return fmt.Errorf("eth_getLogs: %w", err)
	}

	var logs []ethLog
	if err := json.Unmarshal(raw, &logs); err != nil {
		return fmt.Errorf("decode logs: %w", err)
	}

	sort.Slice(logs, func(i, j int) bool {
		bi, _ := parseHexUint(logs[i].BlockNumber)
		bj, _ := parseHexUint(logs[j].BlockNumber)
		if bi != bj {
			return bi < bj
		}
		li, _ := parseHexUint(logs[i].LogIndex)
		lj, _ := parseHexUint(logs[j].LogIndex)
		return li < lj
	})

	ing.log.Info().Int("count", len(logs)).Uint64("fromBlock", from).Msg("replaying missed polymarket logs")
	for _, entry := range logs {
		if err := ing.processLog(ctx, entry); err != nil {
			ing.log.Warn().Err(err).Msg("failed to process replayed log")
		}
	}
	return nil
}
