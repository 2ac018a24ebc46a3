package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-api-key-ABCDE"

// vendorTestServer is a scripted mock vendor endpoint. Each connection runs
// the configured handler; connectCount tracks reattempts.
type vendorTestServer struct {
	server       *httptest.Server
	upgrader     websocket.Upgrader
	handler      func(conn *websocket.Conn, connNum int64)
	connectCount atomic.Int64
}

func newVendorTestServer(handler func(conn *websocket.Conn, connNum int64)) *vendorTestServer {
	vs := &vendorTestServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handler: handler,
	}
	vs.server = httptest.NewServer(http.HandlerFunc(vs.handleWebSocket))
	return vs
}

func (vs *vendorTestServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := vs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	vs.handler(conn, vs.connectCount.Add(1))
}

func (vs *vendorTestServer) URL() string {
	return "ws" + strings.TrimPrefix(vs.server.URL, "http")
}

func (vs *vendorTestServer) Close() {
	vs.server.Close()
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// runHandshake plays the server side of the challenge-response handshake and
// verifies the client's reply.
func runHandshake(t *testing.T, conn *websocket.Conn, challenge string) bool {
	t.Helper()
	sendJSON(t, conn, map[string]interface{}{"type": "challenge", "cram": challenge})

	msg := readJSON(t, conn)
	assert.Equal(t, "auth", msg["type"])

	sum := sha256.Sum256([]byte(challenge + "|" + testAPIKey))
	want := hex.EncodeToString(sum[:]) + "-" + testAPIKey[len(testAPIKey)-5:]
	if msg["auth"] != want {
		sendJSON(t, conn, map[string]interface{}{"type": "error", "message": "authentication failed"})
		return false
	}
	sendJSON(t, conn, map[string]interface{}{"type": "auth_ok"})
	return true
}

func testClient(t *testing.T, historicalURL, liveURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		HistoricalURL: historicalURL,
		LiveURL:       liveURL,
		APIKey:        testAPIKey,
		IdleTimeout:   100 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func testBarRecord(ts int64) map[string]interface{} {
	return map[string]interface{}{
		"type":   "bar",
		"symbol": "ESZ4",
		"ts":     ts,
		"open":   "100.25",
		"high":   "101.5",
		"low":    "99.75",
		"close":  "100.0",
		"volume": 1200,
	}
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name: "valid config",
			config: Config{
				HistoricalURL: "ws://localhost:9000/hist",
				LiveURL:       "ws://localhost:9000/live",
				APIKey:        testAPIKey,
			},
			expectError: false,
		},
		{
			name: "missing historical URL",
			config: Config{
				LiveURL: "ws://localhost:9000/live",
				APIKey:  testAPIKey,
			},
			expectError: true,
		},
		{
			name: "missing live URL",
			config: Config{
				HistoricalURL: "ws://localhost:9000/hist",
				APIKey:        testAPIKey,
			},
			expectError: true,
		},
		{
			name: "API key too short",
			config: Config{
				HistoricalURL: "ws://localhost:9000/hist",
				LiveURL:       "ws://localhost:9000/live",
				APIKey:        "abc",
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.config)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, c)
			} else {
				require.NoError(t, err)
				assert.Equal(t, defaultIdleTimeout, c.cfg.IdleTimeout)
				assert.Equal(t, defaultMaxAttempts, c.cfg.MaxAttempts)
			}
		})
	}
}

func TestCramReply(t *testing.T) {
	reply := cramReply("nonce123", testAPIKey)

	parts := strings.Split(reply, "-")
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 64) // hex sha256
	assert.Equal(t, "ABCDE", parts[1])

	sum := sha256.Sum256([]byte("nonce123|" + testAPIKey))
	assert.Equal(t, hex.EncodeToString(sum[:]), parts[0])
}

func TestParseStartTimeError(t *testing.T) {
	t.Run("matching message", func(t *testing.T) {
		err := parseStartTimeError("Invalid start time. Must be 2024-06-10T12:00:00+00:00 or later")
		require.NotNil(t, err)
		assert.Equal(t, time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC), err.Earliest.UTC())
	})

	t.Run("unrelated message", func(t *testing.T) {
		assert.Nil(t, parseStartTimeError("subscription limit exceeded"))
	})

	t.Run("unparseable timestamp", func(t *testing.T) {
		assert.Nil(t, parseStartTimeError("Invalid start time. Must be tomorrow or later"))
	})
}

func TestFetchHistorical(t *testing.T) {
	t.Run("returns closed bars", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			msg := readJSON(t, conn)
			assert.Equal(t, "get_range", msg["type"])
			assert.Equal(t, "ohlcv-1m", msg["schema"])
			assert.Equal(t, "ESZ4", msg["symbol"])

			sendJSON(t, conn, map[string]interface{}{
				"type":   "range_response",
				"status": 200,
				"bars": []interface{}{
					testBarRecord(1700000000000),
					testBarRecord(1700000060000),
				},
			})
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		bars, err := c.FetchHistorical(context.Background(), "ESZ4", 1700000000000, 1700000120000)
		require.NoError(t, err)
		require.Len(t, bars, 2)

		assert.Equal(t, int64(1700000000000), bars[0].Timestamp)
		assert.Equal(t, "100.25", bars[0].Open.String())
		assert.Equal(t, int64(1200), bars[0].Volume)
		assert.Equal(t, "1m", bars[0].Timeframe)
		assert.True(t, bars[0].IsClosed)
	})

	t.Run("empty range is not an error", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			readJSON(t, conn)
			sendJSON(t, conn, map[string]interface{}{"type": "range_response", "status": 200})
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		bars, err := c.FetchHistorical(context.Background(), "ESZ4", 1700000000000, 1700000120000)
		require.NoError(t, err)
		assert.Empty(t, bars)
	})

	t.Run("422 retries once clamped to available end", func(t *testing.T) {
		const availableEnd = int64(1700000060000)

		server := newVendorTestServer(func(conn *websocket.Conn, connNum int64) {
			msg := readJSON(t, conn)
			if connNum == 1 {
				sendJSON(t, conn, map[string]interface{}{
					"type":          "range_response",
					"status":        422,
					"message":       "end beyond availability",
					"available_end": availableEnd,
				})
				return
			}
			// Retry must carry the clamped end.
			assert.Equal(t, float64(availableEnd), msg["end"])
			sendJSON(t, conn, map[string]interface{}{
				"type":   "range_response",
				"status": 200,
				"bars":   []interface{}{testBarRecord(1700000000000)},
			})
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		bars, err := c.FetchHistorical(context.Background(), "ESZ4", 1700000000000, 1800000000000)
		require.NoError(t, err)
		assert.Len(t, bars, 1)
		assert.Equal(t, int64(2), server.connectCount.Load())
	})

	t.Run("422 on the clamped retry is terminal", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			readJSON(t, conn)
			sendJSON(t, conn, map[string]interface{}{
				"type":          "range_response",
				"status":        422,
				"message":       "end beyond availability",
				"available_end": 1700000060000,
			})
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		_, err := c.FetchHistorical(context.Background(), "ESZ4", 1700000000000, 1800000000000)
		require.Error(t, err)

		var rangeErr *RangeError
		assert.ErrorAs(t, err, &rangeErr)
		assert.Equal(t, int64(2), server.connectCount.Load())
	})

	t.Run("malformed bars are dropped", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			readJSON(t, conn)
			bad := testBarRecord(1700000060000)
			bad["open"] = "not-a-price"
			sendJSON(t, conn, map[string]interface{}{
				"type":   "range_response",
				"status": 200,
				"bars":   []interface{}{testBarRecord(1700000000000), bad},
			})
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		bars, err := c.FetchHistorical(context.Background(), "ESZ4", 1700000000000, 1700000120000)
		require.NoError(t, err)
		assert.Len(t, bars, 1)
	})
}

func TestAuthenticate(t *testing.T) {
	t.Run("handshake success", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			require.True(t, runHandshake(t, conn, "nonce-1"))
			// Drain the subscribe/start and go quiet so the idle timer fires.
			readJSON(t, conn)
			readJSON(t, conn)
			time.Sleep(500 * time.Millisecond)
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		bars, err := c.FetchLive1m(context.Background(), []string{"ESZ4"}, 1700000000000, 0)
		require.NoError(t, err)
		assert.Empty(t, bars)
	})

	t.Run("auth rejection is fatal and not retried", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			sendJSON(t, conn, map[string]interface{}{"type": "challenge", "cram": "nonce-2"})
			readJSON(t, conn)
			sendJSON(t, conn, map[string]interface{}{"type": "error", "message": "authentication failed"})
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		_, err := c.FetchLive1m(context.Background(), []string{"ESZ4"}, 1700000000000, 0)
		assert.ErrorIs(t, err, ErrAuthFailed)
		assert.Equal(t, int64(1), server.connectCount.Load())
	})
}

func TestFetchLive1m(t *testing.T) {
	t.Run("idle timeout resolves with accumulated bars", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			require.True(t, runHandshake(t, conn, "nonce-3"))

			msg := readJSON(t, conn)
			assert.Equal(t, "subscribe", msg["type"])
			assert.Equal(t, "ohlcv-1m", msg["schema"])
			msg = readJSON(t, conn)
			assert.Equal(t, "start", msg["type"])

			sendJSON(t, conn, testBarRecord(1700000000000))
			sendJSON(t, conn, testBarRecord(1700000060000))
			time.Sleep(500 * time.Millisecond)
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		bars, err := c.FetchLive1m(context.Background(), []string{"ESZ4"}, 1700000000000, 0)
		require.NoError(t, err)
		require.Len(t, bars, 2)
		assert.Equal(t, int64(1700000000000), bars[0].Timestamp)
		assert.Equal(t, int64(1700000060000), bars[1].Timestamp)
	})

	t.Run("bars past end are dropped", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			require.True(t, runHandshake(t, conn, "nonce-4"))
			readJSON(t, conn)
			readJSON(t, conn)
			sendJSON(t, conn, testBarRecord(1700000000000))
			sendJSON(t, conn, testBarRecord(1700000120000))
			time.Sleep(500 * time.Millisecond)
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		bars, err := c.FetchLive1m(context.Background(), []string{"ESZ4"}, 1700000000000, 1700000060000)
		require.NoError(t, err)
		require.Len(t, bars, 1)
		assert.Equal(t, int64(1700000000000), bars[0].Timestamp)
	})

	t.Run("invalid start time retried with vendor suggestion", func(t *testing.T) {
		const suggested = "2024-06-10T12:00:00+00:00"
		suggestedMs := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC).UnixMilli()

		server := newVendorTestServer(func(conn *websocket.Conn, connNum int64) {
			require.True(t, runHandshake(t, conn, "nonce-5"))
			msg := readJSON(t, conn)
			readJSON(t, conn) // start

			if connNum == 1 {
				sendJSON(t, conn, map[string]interface{}{
					"type":    "error",
					"message": "Invalid start time. Must be " + suggested + " or later",
				})
				return
			}
			assert.Equal(t, float64(suggestedMs), msg["start"])
			sendJSON(t, conn, testBarRecord(suggestedMs))
			time.Sleep(500 * time.Millisecond)
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		bars, err := c.FetchLive1m(context.Background(), []string{"ESZ4"}, 1600000000000, 0)
		require.NoError(t, err)
		require.Len(t, bars, 1)
		assert.Equal(t, int64(2), server.connectCount.Load())
	})

	t.Run("retry cap exhausted", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			require.True(t, runHandshake(t, conn, "nonce-6"))
			readJSON(t, conn)
			readJSON(t, conn)
			sendJSON(t, conn, map[string]interface{}{
				"type":    "error",
				"message": "Invalid start time. Must be 2024-06-10T12:00:00+00:00 or later",
			})
		})
		defer server.Close()

		c, err := NewClient(Config{
			HistoricalURL: server.URL(),
			LiveURL:       server.URL(),
			APIKey:        testAPIKey,
			IdleTimeout:   100 * time.Millisecond,
			MaxAttempts:   3,
		})
		require.NoError(t, err)

		_, err = c.FetchLive1m(context.Background(), []string{"ESZ4"}, 1600000000000, 0)
		assert.ErrorIs(t, err, ErrAttemptsExhausted)
		assert.Equal(t, int64(3), server.connectCount.Load())
	})
}

func TestSubscribeTrades(t *testing.T) {
	t.Run("trades mapped to requested symbols", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			require.True(t, runHandshake(t, conn, "nonce-7"))

			msg := readJSON(t, conn)
			assert.Equal(t, "subscribe", msg["type"])
			assert.Equal(t, "trades", msg["schema"])

			sendJSON(t, conn, map[string]interface{}{
				"type":          "symbol_mapping",
				"instrument_id": 42,
				"symbol":        "ESZ4",
			})

			msg = readJSON(t, conn)
			assert.Equal(t, "start", msg["type"])

			sendJSON(t, conn, map[string]interface{}{
				"type":          "trade",
				"instrument_id": 42,
				"ts":            1700000000123000000, // ns
				"price":         "100.25",
				"size":          3,
				"side":          "B",
			})
			time.Sleep(time.Second)
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		stream, err := c.SubscribeTrades(context.Background(), []string{"ESZ4"}, 1700000000000000000)
		require.NoError(t, err)
		defer stream.Close()

		select {
		case trade := <-stream.Trades():
			assert.Equal(t, "ESZ4", trade.Instrument)
			assert.Equal(t, int64(1700000000123), trade.Timestamp)
			assert.Equal(t, "100.25", trade.Price.String())
			assert.Equal(t, int64(3), trade.Size)
			assert.Equal(t, "B", trade.Side)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for trade")
		}
	})

	t.Run("unmapped instrument dropped", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			require.True(t, runHandshake(t, conn, "nonce-8"))
			readJSON(t, conn)

			sendJSON(t, conn, map[string]interface{}{
				"type":          "symbol_mapping",
				"instrument_id": 42,
				"symbol":        "ESZ4",
			})
			readJSON(t, conn) // start

			// Unknown instrument, then a mapped one.
			sendJSON(t, conn, map[string]interface{}{
				"type": "trade", "instrument_id": 99, "ts": 1700000000000000000, "price": "1.0", "size": 1,
			})
			sendJSON(t, conn, map[string]interface{}{
				"type": "trade", "instrument_id": 42, "ts": 1700000001000000000, "price": "2.0", "size": 1,
			})
			time.Sleep(time.Second)
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		stream, err := c.SubscribeTrades(context.Background(), []string{"ESZ4"}, 1700000000000000000)
		require.NoError(t, err)
		defer stream.Close()

		select {
		case trade := <-stream.Trades():
			assert.Equal(t, "ESZ4", trade.Instrument)
			assert.Equal(t, int64(1700000001000), trade.Timestamp)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for trade")
		}
	})

	t.Run("start rejection retried", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, connNum int64) {
			require.True(t, runHandshake(t, conn, "nonce-9"))
			readJSON(t, conn)

			if connNum == 1 {
				sendJSON(t, conn, map[string]interface{}{
					"type":    "error",
					"message": "Invalid start time. Must be 2024-06-10T12:00:00+00:00 or later",
				})
				return
			}
			sendJSON(t, conn, map[string]interface{}{
				"type":          "symbol_mapping",
				"instrument_id": 1,
				"symbol":        "ESZ4",
			})
			readJSON(t, conn)
			time.Sleep(time.Second)
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		stream, err := c.SubscribeTrades(context.Background(), []string{"ESZ4"}, 1600000000000000000)
		require.NoError(t, err)
		defer stream.Close()

		assert.Equal(t, int64(2), server.connectCount.Load())
	})

	t.Run("close releases read loop under a full buffer", func(t *testing.T) {
		const burst = 1100 // exceeds the trade channel buffer

		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			require.True(t, runHandshake(t, conn, "nonce-11"))
			readJSON(t, conn)
			sendJSON(t, conn, map[string]interface{}{
				"type":          "symbol_mapping",
				"instrument_id": 1,
				"symbol":        "ESZ4",
			})
			readJSON(t, conn)
			for i := 0; i < burst; i++ {
				// The client may close mid-burst; write errors just end it.
				err := conn.WriteJSON(map[string]interface{}{
					"type": "trade", "instrument_id": 1,
					"ts": 1700000000000000000 + int64(i), "price": "1.0", "size": 1,
				})
				if err != nil {
					return
				}
			}
			time.Sleep(2 * time.Second)
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		stream, err := c.SubscribeTrades(context.Background(), []string{"ESZ4"}, 1700000000000000000)
		require.NoError(t, err)

		// Let the read loop fill the buffer and block on the next send,
		// then close without ever consuming a trade.
		time.Sleep(200 * time.Millisecond)
		stream.Close()

		// The read loop must unwind and close the channels; buffered
		// trades drain, then the channel reports closed.
		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-stream.Trades():
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("trade channel not closed after Close")
			}
		}
	})

	t.Run("channels close on stream end", func(t *testing.T) {
		server := newVendorTestServer(func(conn *websocket.Conn, _ int64) {
			require.True(t, runHandshake(t, conn, "nonce-10"))
			readJSON(t, conn)
			sendJSON(t, conn, map[string]interface{}{
				"type":          "symbol_mapping",
				"instrument_id": 1,
				"symbol":        "ESZ4",
			})
			readJSON(t, conn)
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		})
		defer server.Close()

		c := testClient(t, server.URL(), server.URL())
		stream, err := c.SubscribeTrades(context.Background(), []string{"ESZ4"}, 1700000000000000000)
		require.NoError(t, err)

		select {
		case _, ok := <-stream.Trades():
			assert.False(t, ok, "trade channel should be closed")
		case <-time.After(2 * time.Second):
			t.Fatal("trade channel should close")
		}
		assert.NoError(t, stream.Err())
	})
}
