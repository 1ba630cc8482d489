package httpapi

import (
	"time"

	"github.com/nealsshah/dawn-trial/internal/model"
)

// candleResponse renders decimals as exact strings and timestamps as
// ISO-8601 UTC.
type candleResponse struct {
	Exchange string `json:"exchange"`
	MarketID string `json:"marketId"`
	Interval string `json:"interval"`
	OpenTime string `json:"openTime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

func toCandleResponse(c model.Candle) candleResponse {
	return candleResponse{
		Exchange: string(c.Exchange),
		MarketID: c.MarketID,
		Interval: string(c.Interval),
		OpenTime: c.OpenTime.UTC().Format(time.RFC3339Nano),
		Open:     c.Open.String(),
		High:     c.High.String(),
		Low:      c.Low.String(),
		Close:    c.Close.String(),
		Volume:   c.Volume.String(),
	}
}

type tradeResponse struct {
	ID        *int64  `json:"id,omitempty"`
	Exchange  string  `json:"exchange"`
	MarketID  string  `json:"marketId"`
	Price     string  `json:"price"`
	Quantity  string  `json:"quantity"`
	Side      string  `json:"side"`
	Timestamp string  `json:"timestamp"`
	TxHash    *string `json:"txHash,omitempty"`
}

func toTradeResponse(t model.Trade) tradeResponse {
	return tradeResponse{
		ID:        t.ID,
		Exchange:  string(t.Exchange),
		MarketID:  t.MarketID,
		Price:     t.Price.String(),
		Quantity:  t.Quantity.String(),
		Side:      string(t.Side),
		Timestamp: t.Timestamp.UTC().Format(time.RFC3339Nano),
		TxHash:    t.TxHash,
	}
}

type marketResponse struct {
	Exchange      string `json:"exchange"`
	MarketID      string `json:"marketId"`
	Title         string `json:"title,omitempty"`
	RecentTrades  int64  `json:"recentTrades"`
	TotalTrades   int64  `json:"totalTrades"`
	LastTimestamp string `json:"lastTradeTimestamp"`
}
