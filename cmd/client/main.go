/*
Package main implements a demo WebSocket client for the trade fan-out
hub. It connects to the server's /ws endpoint, subscribes to a single
(exchange, marketId) pair, and logs every trade frame it receives.

Usage:

	go run ./cmd/client -addr=ws://localhost:3000/ws -exchange=kalshi -market=TICKER

The client runs until interrupted, or until the server closes the
connection.
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nealsshah/dawn-trial/internal/wshub"
)

var (
	addr     = flag.String("addr", "ws://localhost:3000/ws", "The server's WebSocket endpoint")
	exchange = flag.String("exchange", "kalshi", "Exchange to subscribe to: kalshi or polymarket")
	market   = flag.String("market", "", "Market id to subscribe to")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("could not connect")
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		close(done)
	}()

	sub := wshub.ClientFrame{Action: "subscribe", Exchange: *exchange, MarketID: *market}
	if err := conn.WriteJSON(sub); err != nil {
		log.Fatal().Err(err).Msg("failed to send subscription")
	}
	log.Info().Str("exchange", *exchange).Str("market", *market).Msg("subscribed")

	for {
		select {
		case <-done:
			return
		default:
		}

		var frame wshub.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			log.Info().Err(err).Msg("connection closed")
			return
		}

		logFrame(log, frame)
	}
}

func logFrame(log zerolog.Logger, frame wshub.ServerFrame) {
	switch frame.Type {
	case "trade":
		if frame.Data == nil {
			return
		}
		raw, _ := json.Marshal(frame.Data)
		log.Info().
			Str("now", time.Now().Format(time.RFC3339)).
			RawJSON("trade", raw).
			Msg("received trade")
	case "error":
		log.Error().Msg(frame.Message)
	default:
		log.Info().Str("type", frame.Type).Str("message", frame.Message).Msg("received frame")
	}
}

func validateConfig() error {
	if *addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if *market == "" {
		return fmt.Errorf("market id cannot be empty")
	}
	if *exchange != "kalshi" && *exchange != "polymarket" {
		return fmt.Errorf("exchange must be kalshi or polymarket")
	}
	return nil
}
