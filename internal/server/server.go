// Package server exposes the message channel: a websocket endpoint that
// parses request envelopes, drives per-client sessions and delivers
// emissions through the selected sink.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wieczorkowski/chronicle/internal/config"
	"github.com/wieczorkowski/chronicle/internal/replay"
	"github.com/wieczorkowski/chronicle/internal/session"
	"github.com/wieczorkowski/chronicle/internal/store"
	"github.com/wieczorkowski/chronicle/internal/timeframe"
)

const (
	sendTimeout      = 5 * time.Second
	readLimit        = 1 << 20 // 1MB
	shutdownDeadline = 2 * time.Second
)

// Deps are the server's shared collaborators.
type Deps struct {
	Store    *store.Store
	Acquirer session.Acquirer
	Trades   session.TradeSubscriber
	Aligner  *timeframe.Aligner
}

// Server accepts client connections and routes their requests.
type Server struct {
	cfg      config.AppConfig
	deps     Deps
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	nextID  int64
	wg      sync.WaitGroup
}

// New builds a server over the shared store, orchestrator and vendor
// client.
func New(cfg config.AppConfig, deps Deps) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the http handler for the message channel endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(readLimit)

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("anon-%d", s.nextID)
	s.mu.Unlock()

	c := newClient(s, conn, id)

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	log.Info().Str("clientId", id).Str("remote", r.RemoteAddr).Msg("client connected")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.serve()
	}()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// findClient returns the connected client bound to id, if any. Membership
// is consulted at dispatch time, never cached.
func (s *Server) findClient(id string) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if c.clientID() == id {
			return c
		}
	}
	return nil
}

// Shutdown closes every client with a normal-closure frame and waits for
// their teardown, bounded by shutdownDeadline.
func (s *Server) Shutdown() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		log.Warn().Msg("shutdown deadline reached before all clients tore down")
	}
	log.Info().Int("clients", len(clients)).Msg("server shut down")
}

// client is one websocket connection and its session actor.
type client struct {
	srv  *Server
	conn *websocket.Conn
	sess *session.Session
	stop context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	id        string
	fileSinks []*fileSink
}

func newClient(s *Server, conn *websocket.Conn, id string) *client {
	c := &client{srv: s, conn: conn, id: id}

	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.sess = session.New(id, session.Deps{
		Acquirer: s.deps.Acquirer,
		Trades:   s.deps.Trades,
		Cache:    s.deps.Store,
		Aligner:  s.deps.Aligner,
	})
	go c.sess.Run(ctx)
	return c
}

func (c *client) clientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *client) setClientID(id string) {
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	c.sess.SetClientID(id)
}

// send writes one JSON message. Concurrent-safe; used by sinks on several
// goroutines.
func (c *client) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		log.Debug().Err(err).Str("clientId", c.clientID()).Msg("client write failed")
	}
}

func (c *client) sendError(msg string) {
	c.send(map[string]any{"mtyp": "error", "message": msg})
}

// serve reads requests until the connection drops, then tears everything
// down.
func (c *client) serve() {
	defer c.teardown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("clientId", c.clientID()).Msg("client read failed")
			}
			return
		}

		req, err := parseRequest(data)
		if err != nil {
			c.sendError(err.Error())
			continue
		}
		c.dispatch(req)
	}
}

func (c *client) teardown() {
	c.stop()
	c.srv.unregister(c)

	c.mu.Lock()
	sinks := c.fileSinks
	c.fileSinks = nil
	c.mu.Unlock()
	for _, fs := range sinks {
		fs.Close()
	}

	_ = c.conn.Close()
	log.Info().Str("clientId", c.clientID()).Msg("client disconnected")
}

// shutdown closes the connection with a normal-closure frame; the read
// loop then unwinds through teardown.
func (c *client) shutdown() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// makeSink builds the emission sink a request asked for. Unknown sendto
// values mean "send to this client".
func (c *client) makeSink(req *request) session.Sink {
	loc := time.UTC
	if req.Timezone != "" {
		l, err := time.LoadLocation(req.Timezone)
		if err != nil {
			c.sendError(fmt.Sprintf("unknown timezone %q, using UTC", req.Timezone))
		} else {
			loc = l
		}
	}

	switch req.SendTo {
	case "console":
		return &consoleSink{
			c:      c,
			loc:    loc,
			logger: log.With().Str("clientId", c.clientID()).Logger(),
		}
	case "log":
		fs, err := newFileSink(c, loc, c.srv.cfg.LogDir, c.clientID())
		if err != nil {
			c.sendError(fmt.Sprintf("log sink unavailable: %v", err))
			return &wsSink{c: c, loc: loc}
		}
		c.mu.Lock()
		c.fileSinks = append(c.fileSinks, fs)
		c.mu.Unlock()
		return fs
	default:
		return &wsSink{c: c, loc: loc}
	}
}

func (c *client) dispatch(req *request) {
	switch req.Action {
	case "set_client_id":
		if req.ClientID == "" {
			c.sendError("clientid is required")
			return
		}
		c.setClientID(req.ClientID)
		c.send(map[string]any{"mtyp": "ctrl", "type": "ack", "action": "set_client_id"})

	case "get_data":
		c.handleGetData(req)

	case "add_timeframe", "remove_timeframe":
		if req.Instrument == "" || req.Timeframe == "" {
			c.sendError("instrument and timeframe are required")
			return
		}
		sub := sessionSubscription(req)
		if req.Action == "add_timeframe" {
			c.sess.AddTimeframe(sub, c.makeSink(req))
		} else {
			c.sess.RemoveTimeframe(sub, c.makeSink(req))
		}

	case "stop_data":
		c.sess.StopData()

	case "get_replay":
		c.handleGetReplay(req)

	case "modify_replay":
		if req.Pause == nil && req.ReplayInterval == nil {
			c.sendError("modify_replay needs pause or replay_interval")
			return
		}
		c.sess.ModifyReplay(replay.Command{Pause: req.Pause, IntervalMs: req.ReplayInterval}, c.makeSink(req))

	case "stop_replay":
		c.sess.StopReplay()

	case "save_settings", "get_settings",
		"save_client_settings", "get_client_settings",
		"save_annotation", "delete_annotation", "get_annotations",
		"save_strategy", "get_strategies",
		"subscribe_strategy", "unsubscribe_strategy":
		c.handleAncillary(req)

	default:
		c.sendError(fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (c *client) handleGetData(req *request) {
	if err := validateSubscriptions(req.Subscriptions); err != nil {
		c.sendError(err.Error())
		return
	}

	now := time.Now().UnixMilli()
	startMs, endMs, endIsNow, err := parseDataRange(req.StartTime, req.EndTime, now, c.srv.cfg.DefaultWindowDays)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	mode, seconds, err := parseLiveData(req.LiveData)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if mode != session.LiveNone && !endIsNow {
		c.sendError("live_data requires end_time to be current")
		return
	}

	c.sess.GetData(session.GetDataParams{
		Subscriptions: req.Subscriptions,
		StartMs:       startMs,
		EndMs:         endMs,
		EndIsNow:      endIsNow,
		Live:          mode,
		LiveSeconds:   seconds,
		UseCache:      boolOr(req.UseCache, true),
		SaveCache:     boolOr(req.SaveCache, true),
		Sink:          c.makeSink(req),
	})
}

func (c *client) handleGetReplay(req *request) {
	if err := validateSubscriptions(req.Subscriptions); err != nil {
		c.sendError(err.Error())
		return
	}

	now := time.Now().UnixMilli()
	historyStart, err := parseHistoryStart(req.HistoryStart, now)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	liveStart, err := parseLiveStart(req.LiveStart, now)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	liveEnd, hasLive, endIsNow, err := parseLiveEnd(req.LiveEnd, liveStart, now)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if historyStart > liveStart {
		c.sendError("history_start after live_start")
		return
	}

	intervalMs := int64(1000)
	if req.ReplayInterval != nil && *req.ReplayInterval > 0 {
		intervalMs = *req.ReplayInterval
	}

	c.sess.GetReplay(session.ReplayParams{
		Subscriptions: req.Subscriptions,
		HistoryStart:  historyStart,
		LiveStart:     liveStart,
		LiveEnd:       liveEnd,
		IntervalMs:    intervalMs,
		HasLivePhase:  hasLive,
		EndIsNow:      endIsNow,
		UseCache:      boolOr(req.UseCache, true),
		SaveCache:     boolOr(req.SaveCache, true),
		Sink:          c.makeSink(req),
	})
}
