// Package session runs the per-client state machine. Each session is a
// single goroutine owning the client's subscriptions, open candles and
// trade queue; commands, trades and internal completions arrive over
// channels so no locking is needed between a trade being folded and a
// timeframe change being applied.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wieczorkowski/chronicle/internal/acquire"
	"github.com/wieczorkowski/chronicle/internal/live"
	"github.com/wieczorkowski/chronicle/internal/model"
	"github.com/wieczorkowski/chronicle/internal/replay"
	"github.com/wieczorkowski/chronicle/internal/timeframe"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLiveActive
	StateReplayActive
	StateChangingTimeframes
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLiveActive:
		return "live_active"
	case StateReplayActive:
		return "replay_active"
	case StateChangingTimeframes:
		return "changing_timeframes"
	default:
		return "unknown"
	}
}

// Sink receives a session's outbound emissions. Implementations must be
// safe for concurrent use; replay emissions arrive from the replay
// goroutine.
type Sink interface {
	Bar(b model.Bar)
	Control(typ string, fields map[string]any)
	Error(msg string)
}

// Acquirer assembles 1-minute series (see acquire.Orchestrator).
type Acquirer interface {
	Acquire(ctx context.Context, req acquire.Request) ([]model.Bar, error)
}

// TradeStream is a live trade subscription owned by the session.
type TradeStream interface {
	Trades() <-chan model.Trade
	Controls() <-chan model.ControlMessage
	Close()
}

// TradeSubscriber opens trade subscriptions.
type TradeSubscriber interface {
	SubscribeTrades(ctx context.Context, instruments []string, startNs int64) (TradeStream, error)
}

// Persister stores closed live 1-minute bars.
type Persister interface {
	InsertBatch(ctx context.Context, bars []model.Bar) error
}

// Deps are the session's collaborators.
type Deps struct {
	Acquirer Acquirer
	Trades   TradeSubscriber
	Cache    Persister
	Aligner  *timeframe.Aligner

	// Now returns the current epoch ms. Defaults to wall clock.
	Now func() int64
}

// LiveMode selects the live phase of a get_data request.
type LiveMode int

const (
	LiveNone LiveMode = iota
	LiveAll
	LiveSeconds
)

// GetDataParams is a parsed get_data request.
type GetDataParams struct {
	Subscriptions []model.Subscription
	StartMs       int64
	EndMs         int64
	EndIsNow      bool
	Live          LiveMode
	LiveSeconds   int64
	UseCache      bool
	SaveCache     bool
	Sink          Sink
}

// ReplayParams is a parsed get_replay request.
type ReplayParams struct {
	Subscriptions []model.Subscription
	HistoryStart  int64
	LiveStart     int64
	LiveEnd       int64
	IntervalMs    int64
	HasLivePhase  bool
	EndIsNow      bool
	UseCache      bool
	SaveCache     bool
	Sink          Sink
}

type command interface{ isCommand() }

type cmdGetData struct{ p GetDataParams }
type cmdAddTimeframe struct {
	sub  model.Subscription
	sink Sink
}
type cmdRemoveTimeframe struct {
	sub  model.Subscription
	sink Sink
}
type cmdStopData struct{}
type cmdGetReplay struct{ p ReplayParams }
type cmdModifyReplay struct {
	cmd  replay.Command
	sink Sink
}
type cmdStopReplay struct{}

func (cmdGetData) isCommand()         {}
func (cmdAddTimeframe) isCommand()    {}
func (cmdRemoveTimeframe) isCommand() {}
func (cmdStopData) isCommand()        {}
func (cmdGetReplay) isCommand()       {}
func (cmdModifyReplay) isCommand()    {}
func (cmdStopReplay) isCommand()      {}

// tfChangeDone is the completion event of an add_timeframe worker.
type tfChangeDone struct {
	sub     model.Subscription
	lastAgg *model.Bar
	err     error
}

// Session is one client's actor. All fields below deps are owned by the
// run goroutine.
type Session struct {
	clientID string
	deps     Deps
	logger   zerolog.Logger

	cmds   chan command
	trades chan model.Trade
	events chan any
	done   chan struct{}

	state      State
	liveParams GetDataParams
	updaters   map[string]*live.Updater
	stream     TradeStream
	streamStop context.CancelFunc
	streamGen  int64
	tradeQueue []model.Trade
	liveTimer  *time.Timer
	runner     *replay.Runner
	replaySink Sink
}

// New builds a session actor. Run must be called to start it.
func New(clientID string, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Session{
		clientID: clientID,
		deps:     deps,
		logger:   log.With().Str("clientId", clientID).Logger(),
		cmds:     make(chan command, 10),
		trades:   make(chan model.Trade, 1000),
		events:   make(chan any, 10),
		done:     make(chan struct{}),
		state:    StateIdle,
		updaters: make(map[string]*live.Updater),
	}
}

// SetClientID rebinds the session's ID used for logging and ancillary
// lookups.
func (s *Session) SetClientID(id string) {
	s.clientID = id
	s.logger = log.With().Str("clientId", id).Logger()
}

// ClientID returns the bound client ID.
func (s *Session) ClientID() string { return s.clientID }

func (s *Session) post(c command) {
	select {
	case s.cmds <- c:
	case <-s.done:
	}
}

// GetData requests history and an optional live phase.
func (s *Session) GetData(p GetDataParams) { s.post(cmdGetData{p: p}) }

// AddTimeframe adds a subscription during live.
func (s *Session) AddTimeframe(sub model.Subscription, sink Sink) {
	s.post(cmdAddTimeframe{sub: sub, sink: sink})
}

// RemoveTimeframe drops a subscription during live.
func (s *Session) RemoveTimeframe(sub model.Subscription, sink Sink) {
	s.post(cmdRemoveTimeframe{sub: sub, sink: sink})
}

// StopData ends the live phase.
func (s *Session) StopData() { s.post(cmdStopData{}) }

// GetReplay starts a replay.
func (s *Session) GetReplay(p ReplayParams) { s.post(cmdGetReplay{p: p}) }

// ModifyReplay adjusts a running replay.
func (s *Session) ModifyReplay(cmd replay.Command, sink Sink) {
	s.post(cmdModifyReplay{cmd: cmd, sink: sink})
}

// StopReplay ends a replay.
func (s *Session) StopReplay() { s.post(cmdStopReplay{}) }

// StateSnapshot reports the current state as seen by the actor loop.
func (s *Session) StateSnapshot() State {
	ch := make(chan State, 1)
	select {
	case s.events <- func() { ch <- s.state }:
		return <-ch
	case <-s.done:
		return s.state
	}
}

// Run processes the session until the context is cancelled. Blocking.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		s.teardownLive()
		s.teardownReplay()
		close(s.done)
		s.logger.Info().Msg("session closed")
	}()

	for {
		var timerCh <-chan time.Time
		if s.liveTimer != nil {
			timerCh = s.liveTimer.C
		}

		select {
		case <-ctx.Done():
			return
		case c := <-s.cmds:
			s.handleCommand(ctx, c)
		case t := <-s.trades:
			s.handleTrade(t)
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		case <-timerCh:
			s.logger.Info().Msg("timed live subscription expired")
			s.teardownLive()
			s.state = StateIdle
		}
	}
}

func (s *Session) handleCommand(ctx context.Context, c command) {
	switch c := c.(type) {
	case cmdGetData:
		s.handleGetData(ctx, c.p)
	case cmdAddTimeframe:
		s.handleAddTimeframe(ctx, c.sub, c.sink)
	case cmdRemoveTimeframe:
		s.handleRemoveTimeframe(c.sub, c.sink)
	case cmdStopData:
		if s.state == StateLiveActive || s.state == StateChangingTimeframes {
			s.teardownLive()
			s.state = StateIdle
		}
	case cmdGetReplay:
		s.handleGetReplay(ctx, c.p)
	case cmdModifyReplay:
		if s.state != StateReplayActive {
			c.sink.Error(fmt.Sprintf("modify_replay rejected in state %s", s.state))
			return
		}
		s.runner.Modify(c.cmd)
	case cmdStopReplay:
		if s.state == StateReplayActive {
			s.teardownReplay()
			s.state = StateIdle
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case func():
		ev()
	case tfChangeDone:
		s.finishTimeframeChange(ctx, ev)
	case replayDone:
		if s.state == StateReplayActive {
			s.teardownReplay()
			s.state = StateIdle
		}
	case streamClosed:
		if ev.gen != s.streamGen {
			return // stale pump from a replaced stream
		}
		if s.state == StateLiveActive || s.state == StateChangingTimeframes {
			s.logger.Warn().Msg("trade stream ended, stopping live")
			s.teardownLive()
			s.state = StateIdle
		}
	}
}

type replayDone struct{}
type streamClosed struct{ gen int64 }

func (s *Session) handleTrade(t model.Trade) {
	switch s.state {
	case StateChangingTimeframes:
		s.tradeQueue = append(s.tradeQueue, t)
	case StateLiveActive:
		if u, ok := s.updaters[t.Instrument]; ok {
			u.ApplyTrade(t)
		}
	default:
		// Stale trade raced a teardown.
	}
}
