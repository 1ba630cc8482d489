// Package kalshi implements the Kalshi ingester: a REST polling adapter
// that authenticates with an RSA-PSS request signature,
// advances a per-market watermark, and publishes normalized trades onto
// the trade event bus.
//
// Request signing uses only the standard library (crypto/rsa,
// crypto/x509, encoding/pem): no asymmetric-signing library appears
// anywhere in the retrieved example pack, so this one concern is the
// documented stdlib exception (see DESIGN.md). The polling loop's
// select-over-(tick, shutdown) shape and its message parsing (decode via
// goccy/go-json, validate via go-playground/validator, convert to
// decimal.Decimal) follow the exchange connector idiom in
// mas-Avi-candles/internal/exchange/binance.go, adapted from a streaming
// WebSocket handler to a request/response poll cycle.
package kalshi

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/nealsshah/dawn-trial/internal/bus"
	"github.com/nealsshah/dawn-trial/internal/model"
	"github.com/nealsshah/dawn-trial/internal/storage"
)

const (
	defaultBaseURL    = "https://trading-api.kalshi.com/trade-api/v2"
	tradesPath         = "/markets/trades"
	pollInterval       = 2 * time.Second
	initialBackoff     = 1 * time.Second
	maxBackoff         = 60 * time.Second
	backoffFactor      = 2.0
	priceScale         = 100 // Kalshi prices are integer cents, 0-100
)

// state is the ingester's per-market state machine: idle -> polling ->
// publishing -> idle, with backoff on transient failure.
type state int

const (
	stateIdle state = iota
	statePolling
	statePublishing
	stateBackoff
)

// Signer produces an RSA-PSS signature over timestamp‖method‖path, the
// scheme Kalshi's REST API requires for authenticated requests.
type Signer struct {
	keyID      string
	privateKey *rsa.PrivateKey
}

// NewSigner parses a PEM-encoded PKCS#1 or PKCS#8 RSA private key.
func NewSigner(keyID, pemKey string) (*Signer, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, errors.New("kalshi: invalid PEM private key")
	}

	key, err := parseRSAKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse private key: %w", err)
	}
	return &Signer{keyID: keyID, privateKey: key}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// Sign returns the headers Kalshi requires on an authenticated request:
// the key id, the millisecond timestamp, and the base64 RSA-PSS signature
// over timestamp‖method‖path.
func (s *Signer) Sign(method, path string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := timestamp + method + path

	digest := hashSHA256(message)
	sig, err := rsa.SignPSS(rand.Reader, s.privateKey, crypto.SHA256, digest, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: sign request: %w", err)
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       s.keyID,
		"KALSHI-ACCESS-TIMESTAMP": timestamp,
		"KALSHI-ACCESS-SIGNATURE": base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Config configures an Ingester.
type Config struct {
	BaseURL    string
	Markets    []string
	HTTPClient *http.Client
}

// Ingester polls the Kalshi trades endpoint for each tracked market,
// normalizes results into model.Trade, persists, and publishes.
type Ingester struct {
	cfg    Config
	signer *Signer
	store  storage.Interface
	bus    *bus.Bus
	client *http.Client
	log    zerolog.Logger

	validate *validator.Validate

	watermarks map[string]string // marketId -> upstream trade id cursor
	current    atomic.Int32       // current state, for diagnostics
}

// New creates a Kalshi ingester tracking cfg.Markets.
func New(cfg Config, signer *Signer, store storage.Interface, b *bus.Bus, log zerolog.Logger) *Ingester {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Ingester{
		cfg:        cfg,
		signer:     signer,
		store:      store,
		bus:        b,
		client:     client,
		log:        log.With().Str("component", "kalshi.Ingester").Logger(),
		validate:   validator.New(),
		watermarks: make(map[string]string),
	}
}

// Run polls every tracked market on a fixed cadence until ctx is
// cancelled, applying exponential backoff with a cap on transient
// failure.
func (ing *Ingester) Run(ctx context.Context) error {
	for _, marketID := range ing.cfg.Markets {
		cursor, err := ing.store.KalshiWatermark(ctx, marketID)
		if err != nil {
			ing.log.Warn().Err(err).Str("marketId", marketID).Msg("failed to load watermark, starting from zero")
			continue
		}
		ing.watermarks[marketID] = cursor
	}

	backoff := initialBackoff
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			failed := false
			for _, marketID := range ing.cfg.Markets {
				if err := ing.pollMarket(ctx, marketID); err != nil {
					if errors.Is(err, errFatalAuth) {
						ing.log.Error().Err(err).Str("marketId", marketID).Msg("fatal auth error, stopping kalshi ingester")
						return err
					}
					ing.log.Warn().Err(err).Str("marketId", marketID).Msg("poll cycle failed, backing off")
					failed = true
				}
			}

			if failed {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil
				}
				backoff = nextBackoff(backoff)
			} else {
				backoff = initialBackoff
			}
		}
	}
}

var errFatalAuth = errors.New("kalshi: authentication failed")

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// pollMarket runs one idle -> polling -> publishing -> idle cycle for a
// single market.
func (ing *Ingester) pollMarket(ctx context.Context, marketID string) error {
	ing.current.Store(int32(statePolling))
	batch, err := ing.fetchTrades(ctx, marketID, ing.watermarks[marketID])
	if err != nil {
		ing.current.Store(int32(stateBackoff))
		return err
	}
	if len(batch) == 0 {
		ing.current.Store(int32(stateIdle))
		return nil
	}

	// Order by upstream timestamp ascending.
	sortTradesAscending(batch)

	ing.current.Store(int32(statePublishing))
	for _, raw := range batch {
		trade, err := ing.toModelTrade(marketID, raw)
		if err != nil {
			ing.log.Warn().Err(err).Str("marketId", marketID).Msg("skipping malformed trade")
			continue
		}

		id, err := ing.store.InsertTrade(ctx, trade)
		if err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				ing.log.Debug().Str("marketId", marketID).Str("tradeId", raw.TradeID).Msg("duplicate trade, ignoring")
				ing.watermarks[marketID] = raw.TradeID
				continue
			}
			return fmt.Errorf("insert trade: %w", err)
		}

		trade.ID = &id
		ing.bus.Publish(ctx, trade)
		ing.watermarks[marketID] = raw.TradeID
	}

	if err := ing.store.SaveKalshiWatermark(ctx, marketID, ing.watermarks[marketID]); err != nil {
		ing.log.Warn().Err(err).Str("marketId", marketID).Msg("failed to persist watermark")
	}
	ing.current.Store(int32(stateIdle))
	return nil
}

// State returns the ingester's current state, for diagnostics and tests.
func (ing *Ingester) State() string {
	switch state(ing.current.Load()) {
	case statePolling:
		return "polling"
	case statePublishing:
		return "publishing"
	case stateBackoff:
		return "backoff"
	default:
		return "idle"
	}
}

// kalshiTrade is the upstream JSON shape returned by
// GET /markets/trades.
type kalshiTrade struct {
	TradeID   string `json:"trade_id" validate:"required"`
	Ticker    string `json:"ticker" validate:"required"`
	YesPrice  int    `json:"yes_price" validate:"gte=0,lte=100"`
	Count     int    `json:"count" validate:"gte=0"`
	TakerSide string `json:"taker_side" validate:"required,oneof=yes no"`
	CreatedTS string `json:"created_time" validate:"required"`
}

type tradesResponse struct {
	Trades []kalshiTrade `json:"trades"`
	Cursor string        `json:"cursor"`
}

func (ing *Ingester) fetchTrades(ctx context.Context, marketID, cursor string) ([]kalshiTrade, error) {
	path := tradesPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ing.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}

	q := req.URL.Query()
	q.Set("ticker", marketID)
	if cursor != "" {
		q.Set("min_ts", cursor)
	}
	req.URL.RawQuery = q.Encode()

	headers, err := ing.signer.Sign(http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ing.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kalshi: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kalshi: read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", errFatalAuth, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("kalshi: server error %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("kalshi: client error %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out tradesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("kalshi: decode response: %w", err)
	}
	for _, t := range out.Trades {
		if err := ing.validate.Struct(t); err != nil {
			return nil, fmt.Errorf("kalshi: malformed trade in response: %w", err)
		}
	}
	return out.Trades, nil
}

func (ing *Ingester) toModelTrade(marketID string, raw kalshiTrade) (model.Trade, error) {
	ts, err := parseKalshiTimestamp(raw.CreatedTS)
	if err != nil {
		return model.Trade{}, fmt.Errorf("parse timestamp: %w", err)
	}

	price := decimal.New(int64(raw.YesPrice), 0).Div(decimal.New(priceScale, 0))
	quantity := decimal.New(int64(raw.Count), 0)

	side := model.SideBuy
	if raw.TakerSide == "no" {
		side = model.SideSell
	}

	trade := model.Trade{
		Exchange:        model.ExchangeKalshi,
		MarketID:        marketID,
		Price:           price,
		Quantity:        quantity,
		Side:            side,
		Timestamp:       ts,
		UpstreamTradeID: raw.TradeID,
	}
	if err := trade.Validate(); err != nil {
		return model.Trade{}, err
	}
	return trade, nil
}

func parseKalshiTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", raw)
}

func sortTradesAscending(trades []kalshiTrade) {
	for i := 1; i < len(trades); i++ {
		for j := i; j > 0 && trades[j].CreatedTS < trades[j-1].CreatedTS; j-- {
			trades[j], trades[j-1] = trades[j-1], trades[j]
		}
	}
}

func hashSHA256(message string) []byte {
	sum := sha256.Sum256([]byte(message))
	return sum[:]
}
