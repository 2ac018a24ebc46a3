/*
Package main implements a websocket client for the market-data server.

The client connects to a running server, sends one request read from the
command line (or a canned get_data request by default), and logs every
message it receives until the server signals completion or the client is
interrupted.

Usage:

	go run main.go -addr=ws://localhost:8750/ws -instrument=ESH5 -timeframe=5m

The client will continuously receive and log data until interrupted.
*/
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Command-line flags for configuring the connection and the request
var (
	// serverAddr specifies the websocket endpoint to connect to
	serverAddr = flag.String("addr", "ws://localhost:8750/ws", "The server websocket URL")
	// clientID identifies this session to the server
	clientID = flag.String("client", "cli", "Client identifier")
	// instrument and timeframe select the series to request
	instrument = flag.String("instrument", "ESH5", "Instrument symbol")
	timeframe  = flag.String("timeframe", "1m", "Timeframe, e.g. 1m, 5m, 1h")
	// startTime bounds the request; empty means the server default window
	startTime = flag.String("start", "", "Start time (RFC3339), empty for default")
	// liveData requests live updates after history: none, all, or seconds
	liveData = flag.String("live", "none", "Live mode: none, all, or seconds")
	// rawRequest sends an arbitrary JSON request instead of get_data
	rawRequest = flag.String("request", "", "Raw JSON request overriding the other flags")
)

// main connects, sends the request, and logs everything that comes back.
func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	conn, _, err := websocket.DefaultDialer.Dial(*serverAddr, nil)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *serverAddr).Msg("did not connect")
	}
	defer conn.Close()

	// Set up signal handling for graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}()

	// Bind the client id before anything else so server-side logs and
	// ancillary data key on it
	send(conn, log, map[string]any{"action": "set_client_id", "clientid": *clientID})

	if *rawRequest != "" {
		send(conn, log, json.RawMessage(*rawRequest))
	} else {
		req := map[string]any{
			"action": "get_data",
			"subscriptions": []map[string]string{
				{"instrument": *instrument, "timeframe": *timeframe},
			},
			"live_data": *liveData,
		}
		if *startTime != "" {
			req["start_time"] = *startTime
		}
		send(conn, log, req)
	}

	// Main message receiving loop
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Msg("connection closed")
				return
			}
			log.Fatal().Err(err).Msg("failed to receive message")
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Str("raw", string(data)).Msg("unparseable message")
			continue
		}

		switch msg["mtyp"] {
		case "data":
			log.Info().
				Str("instrument", str(msg["instrument"])).
				Str("timeframe", str(msg["timeframe"])).
				Str("dateTime", str(msg["dateTime"])).
				Interface("close", msg["close"]).
				Interface("volume", msg["volume"]).
				Interface("isClosed", msg["isClosed"]).
				Msg("bar")
		case "error":
			log.Error().Str("message", str(msg["message"])).Msg("server error")
		default:
			log.Info().RawJSON("msg", data).Msg("control")
		}
	}
}

func send(conn *websocket.Conn, log zerolog.Logger, v any) {
	if err := conn.WriteJSON(v); err != nil {
		log.Fatal().Err(err).Msg("failed to send request")
	}
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
