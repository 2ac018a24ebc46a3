package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wieczorkowski/chronicle/internal/store"
)

const ancillaryTimeout = 10 * time.Second

func (c *client) handleAncillary(req *request) {
	ctx, cancel := context.WithTimeout(context.Background(), ancillaryTimeout)
	defer cancel()

	st := c.srv.deps.Store
	switch req.Action {
	case "save_settings":
		if req.Name == "" {
			c.sendError("name is required")
			return
		}
		if err := st.SaveSetting(ctx, req.Name, string(req.Value)); err != nil {
			c.sendError(err.Error())
			return
		}
		c.ack(req.Action)

	case "get_settings":
		if req.Name == "" {
			c.sendError("name is required")
			return
		}
		value, err := st.GetSetting(ctx, req.Name)
		if errors.Is(err, store.ErrNotFound) {
			c.sendError(fmt.Sprintf("no setting named %q", req.Name))
			return
		}
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.send(map[string]any{"mtyp": "ctrl", "type": "settings", "name": req.Name, "value": rawJSON(value)})

	case "save_client_settings":
		if err := st.SaveClientSettings(ctx, c.clientID(), string(req.Value)); err != nil {
			c.sendError(err.Error())
			return
		}
		c.ack(req.Action)

	case "get_client_settings":
		value, err := st.GetClientSettings(ctx, c.clientID())
		if errors.Is(err, store.ErrNotFound) {
			c.sendError("no settings saved for this client")
			return
		}
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.send(map[string]any{"mtyp": "ctrl", "type": "client_settings", "value": rawJSON(value)})

	case "save_annotation":
		if req.UniqueID == "" {
			c.sendError("unique_id is required")
			return
		}
		a := store.Annotation{
			ClientID:   c.clientID(),
			UniqueID:   req.UniqueID,
			Instrument: req.Instrument,
			Timeframe:  req.Timeframe,
			AnnoType:   req.Annotype,
			Object:     string(req.Object),
		}
		if err := st.SaveAnnotation(ctx, a); err != nil {
			c.sendError(err.Error())
			return
		}
		c.ack(req.Action)
		c.srv.fanOutAnnotation(ctx, c.clientID(), "anno_saved", a)

	case "delete_annotation":
		if req.UniqueID == "" {
			c.sendError("unique_id is required")
			return
		}
		if err := st.DeleteAnnotation(ctx, c.clientID(), req.UniqueID); err != nil {
			c.sendError(err.Error())
			return
		}
		c.ack(req.Action)
		c.srv.fanOutAnnotation(ctx, c.clientID(), "anno_deleted",
			store.Annotation{ClientID: c.clientID(), UniqueID: req.UniqueID})

	case "get_annotations":
		annos, err := st.GetAnnotations(ctx, c.clientID(), req.Instrument, req.Timeframe)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.send(map[string]any{"mtyp": "ctrl", "type": "annotations", "annotations": annos})

	case "save_strategy":
		if req.StrategyName == "" {
			c.sendError("strategy_name is required")
			return
		}
		existing, err := st.GetStrategy(ctx, c.clientID())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.sendError(err.Error())
			return
		}
		err = st.SaveStrategy(ctx, store.Strategy{
			ClientID:     c.clientID(),
			StrategyName: req.StrategyName,
			Description:  req.Description,
			Parameters:   string(req.Parameters),
			Subscribers:  existing.Subscribers,
		})
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.ack(req.Action)

	case "get_strategies":
		strategies, err := st.GetStrategies(ctx)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.send(map[string]any{"mtyp": "ctrl", "type": "strategies", "strategies": strategies})

	case "subscribe_strategy", "unsubscribe_strategy":
		if req.Strategy == "" {
			c.sendError("strategy is required")
			return
		}
		subscribe := req.Action == "subscribe_strategy"
		err := st.SetStrategySubscription(ctx, req.Strategy, c.clientID(), subscribe)
		if errors.Is(err, store.ErrNotFound) {
			c.sendError(fmt.Sprintf("no strategy published by %q", req.Strategy))
			return
		}
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.ack(req.Action)
	}
}

func (c *client) ack(action string) {
	c.send(map[string]any{"mtyp": "ctrl", "type": "ack", "action": action})
}

// fanOutAnnotation notifies the owner's strategy subscribers of an
// annotation change. The subscriber list is read fresh per event, and only
// currently connected subscribers receive it.
func (s *Server) fanOutAnnotation(ctx context.Context, ownerID, action string, a store.Annotation) {
	strategy, err := s.deps.Store.GetStrategy(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("clientId", ownerID).Msg("strategy lookup for fan-out failed")
		return
	}

	msg := map[string]any{
		"mtyp":          "strategy",
		"action":        action,
		"strategy":      ownerID,
		"strategy_name": strategy.StrategyName,
		"unique_id":     a.UniqueID,
	}
	if action == "anno_saved" {
		msg["instrument"] = a.Instrument
		msg["timeframe"] = a.Timeframe
		msg["annotype"] = a.AnnoType
		msg["object"] = rawJSON(a.Object)
	}

	for _, id := range strategy.Subscribers {
		if sub := s.findClient(id); sub != nil {
			sub.send(msg)
		}
	}
}

// rawJSON wraps stored JSON text so encoding passes it through verbatim.
// Empty stored values become null.
type rawJSON string

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte("null"), nil
	}
	return []byte(r), nil
}
