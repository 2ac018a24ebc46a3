package server

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"

	"github.com/wieczorkowski/chronicle/internal/model"
)

var validate = validator.New()

// request is the inbound message envelope. Fields beyond Action are
// populated per action; polymorphic fields stay raw until the handler
// interprets them.
type request struct {
	Action   string `json:"action" validate:"required"`
	ClientID string `json:"clientid,omitempty"`

	// data / replay
	Subscriptions  []model.Subscription `json:"subscriptions,omitempty"`
	Instrument     string               `json:"instrument,omitempty"`
	Timeframe      string               `json:"timeframe,omitempty"`
	StartTime      string               `json:"start_time,omitempty"`
	EndTime        string               `json:"end_time,omitempty"`
	LiveData       json.RawMessage      `json:"live_data,omitempty"`
	SendTo         string               `json:"sendto,omitempty"`
	UseCache       *bool                `json:"use_cache,omitempty"`
	SaveCache      *bool                `json:"save_cache,omitempty"`
	Timezone       string               `json:"timezone,omitempty"`
	HistoryStart   json.RawMessage      `json:"history_start,omitempty"`
	LiveStart      string               `json:"live_start,omitempty"`
	LiveEnd        json.RawMessage      `json:"live_end,omitempty"`
	ReplayInterval *int64               `json:"replay_interval,omitempty"`
	Pause          *bool                `json:"pause,omitempty"`

	// ancillary
	Name         string          `json:"name,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	UniqueID     string          `json:"unique_id,omitempty"`
	Annotype     string          `json:"annotype,omitempty"`
	Object       json.RawMessage `json:"object,omitempty"`
	StrategyName string          `json:"strategy_name,omitempty"`
	Description  string          `json:"description,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Strategy     string          `json:"strategy,omitempty"`
}

func parseRequest(data []byte) (*request, error) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}

// validateSubscriptions checks the subscription list of a data or replay
// request.
func validateSubscriptions(subs []model.Subscription) error {
	if len(subs) == 0 {
		return fmt.Errorf("at least one subscription is required")
	}
	for _, sub := range subs {
		if err := validate.Struct(sub); err != nil {
			return fmt.Errorf("invalid subscription: %w", err)
		}
	}
	return nil
}

func sessionSubscription(req *request) model.Subscription {
	return model.Subscription{Instrument: req.Instrument, Timeframe: req.Timeframe}
}

// boolOr unwraps an optional boolean with a default.
func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
