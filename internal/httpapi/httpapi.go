// Package httpapi implements the read-only query endpoints: candles,
// trades, and market listings over the storage gateway. Routing is
// go-chi/chi/v5, grounded on
// forgequant-context8-mcp/mcp/cmd/server/main.go; JSON encoding uses
// goccy/go-json so the whole repo shares one JSON library.
package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nealsshah/dawn-trial/internal/marketmeta"
	"github.com/nealsshah/dawn-trial/internal/metrics"
	"github.com/nealsshah/dawn-trial/internal/model"
	"github.com/nealsshah/dawn-trial/internal/storage"
)

const (
	defaultCandlesLimit = 1000
	maxCandlesLimit     = 5000
	defaultTradesLimit  = 100
	maxTradesLimit      = 1000
	defaultLatestLimit  = 50
	maxLatestLimit      = 200
)

// API wires the storage gateway, metrics tracker, and market metadata
// resolver into an http.Handler serving the query surface.
type API struct {
	store   storage.Interface
	tracker *metrics.Tracker
	meta    marketmeta.Resolver
	log     zerolog.Logger
}

// New constructs the chi router for the query endpoints plus /health and
// /stats.
func New(store storage.Interface, tracker *metrics.Tracker, meta marketmeta.Resolver, log zerolog.Logger) http.Handler {
	a := &API{store: store, tracker: tracker, meta: meta, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(log))

	r.Get("/health", a.handleHealth)
	r.Get("/stats", a.handleStats)
	r.Get("/candles", a.handleCandles)
	r.Get("/candles/markets", a.handleCandleMarkets)
	r.Get("/trades", a.handleTrades)
	r.Get("/trades/latest", a.handleTradesLatest)
	r.Get("/trades/markets", a.handleTradeMarkets)

	return r
}

type envelope struct {
	Data any `json:"data"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.tracker.Snapshot())
}

func (a *API) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	exchange := model.Exchange(q.Get("exchange"))
	marketID := q.Get("marketId")
	interval := model.Interval(q.Get("interval"))

	if !exchange.Valid() {
		writeError(w, http.StatusBadRequest, "exchange is required and must be kalshi or polymarket")
		return
	}
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "marketId is required")
		return
	}
	if !interval.Valid() {
		writeError(w, http.StatusBadRequest, "interval is required and must be 1s, 1m, or 1h")
		return
	}

	start, end, err := parseTimeRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := parseLimit(q.Get("limit"), defaultCandlesLimit, maxCandlesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	candles, err := a.store.QueryCandles(r.Context(), storage.QueryCandlesParams{
		Exchange: exchange, MarketID: marketID, Interval: interval, Start: start, End: end, Limit: limit,
	})
	if err != nil {
		a.log.Error().Err(err).Msg("query candles failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]candleResponse, 0, len(candles))
	for _, c := range candles {
		out = append(out, toCandleResponse(c))
	}
	writeData(w, out)
}

func (a *API) handleCandleMarkets(w http.ResponseWriter, r *http.Request) {
	a.handleMarketsListing(w, r)
}

func (a *API) handleTradeMarkets(w http.ResponseWriter, r *http.Request) {
	a.handleMarketsListing(w, r)
}

func (a *API) handleMarketsListing(w http.ResponseWriter, r *http.Request) {
	exchange := model.Exchange(r.URL.Query().Get("exchange"))
	if exchange != "" && !exchange.Valid() {
		writeError(w, http.StatusBadRequest, "exchange must be kalshi or polymarket")
		return
	}

	markets, err := a.store.ListActiveMarkets(r.Context(), exchange)
	if err != nil {
		a.log.Error().Err(err).Msg("list active markets failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]marketResponse, 0, len(markets))
	for _, m := range markets {
		resp := marketResponse{
			Exchange:      string(m.Exchange),
			MarketID:      m.MarketID,
			RecentTrades:  m.RecentTrades,
			TotalTrades:   m.TotalTrades,
			LastTimestamp: m.LastTimestamp.UTC().Format(time.RFC3339Nano),
		}
		if title, err := a.meta.Title(r.Context(), m.Exchange, m.MarketID); err == nil && title != "" {
			resp.Title = title
		}
		out = append(out, resp)
	}
	writeData(w, out)
}

func (a *API) handleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	exchange := model.Exchange(q.Get("exchange"))
	marketID := q.Get("marketId")
	if !exchange.Valid() {
		writeError(w, http.StatusBadRequest, "exchange is required and must be kalshi or polymarket")
		return
	}
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "marketId is required")
		return
	}

	var side *model.Side
	if raw := q.Get("side"); raw != "" {
		s := model.Side(raw)
		if !s.Valid() {
			writeError(w, http.StatusBadRequest, "side must be buy or sell")
			return
		}
		side = &s
	}

	start, end, err := parseTimeRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := parseLimit(q.Get("limit"), defaultTradesLimit, maxTradesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trades, err := a.store.QueryTrades(r.Context(), storage.QueryTradesParams{
		Exchange: exchange, MarketID: marketID, Side: side, Start: start, End: end, Limit: limit,
	})
	if err != nil {
		a.log.Error().Err(err).Msg("query trades failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, toTradeResponse(t))
	}
	writeData(w, out)
}

func (a *API) handleTradesLatest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exchange := model.Exchange(q.Get("exchange"))
	if exchange != "" && !exchange.Valid() {
		writeError(w, http.StatusBadRequest, "exchange must be kalshi or polymarket")
		return
	}

	limit, err := parseLimit(q.Get("limit"), defaultLatestLimit, maxLatestLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	markets, err := a.store.ListActiveMarkets(r.Context(), exchange)
	if err != nil {
		a.log.Error().Err(err).Msg("list active markets failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var out []tradeResponse
	for _, m := range markets {
		if len(out) >= limit {
			break
		}
		trades, err := a.store.QueryTrades(r.Context(), storage.QueryTradesParams{
			Exchange: m.Exchange, MarketID: m.MarketID, Limit: limit - len(out),
		})
		if err != nil {
			a.log.Error().Err(err).Msg("query trades failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		for _, t := range trades {
			out = append(out, toTradeResponse(t))
		}
	}
	writeData(w, out)
}

func parseTimeRange(q url.Values) (*time.Time, *time.Time, error) {
	get := func(key string) (*time.Time, error) {
		raw := q.Get(key)
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, err
		}
		utc := t.UTC()
		return &utc, nil
	}

	start, err := get("start")
	if err != nil {
		return nil, nil, errBadTimestamp("start")
	}
	end, err := get("end")
	if err != nil {
		return nil, nil, errBadTimestamp("end")
	}
	return start, end, nil
}

type badParamError string

func (e badParamError) Error() string { return string(e) }

func errBadTimestamp(field string) error {
	return badParamError(field + " must be ISO-8601")
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, badParamError("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
