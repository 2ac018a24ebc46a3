package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Annotation is a chart annotation owned by one client.
type Annotation struct {
	ClientID   string `json:"clientid"`
	UniqueID   string `json:"unique_id"`
	Instrument string `json:"instrument"`
	Timeframe  string `json:"timeframe"`
	AnnoType   string `json:"annotype"`
	Object     string `json:"object"` // Opaque JSON payload
}

// Strategy is a published strategy with its subscriber list.
type Strategy struct {
	ClientID     string   `json:"clientid"`
	StrategyName string   `json:"strategy_name"`
	Description  string   `json:"description"`
	Parameters   string   `json:"parameters"` // Opaque JSON payload
	Subscribers  []string `json:"subscribers"`
}

// subscriberDoc is the persisted shape of the subscribers column.
type subscriberDoc struct {
	Subscribers []string `json:"subscribers"`
}

// SaveSetting upserts a named global setting. Value is stored verbatim as
// a JSON string.
func (s *Store) SaveSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		name, value)
	if err != nil {
		return fmt.Errorf("save setting %q: %w", name, err)
	}
	return nil
}

// GetSetting returns a named global setting, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", name, err)
	}
	return value, nil
}

// SaveClientSettings upserts the settings blob for one client.
func (s *Store) SaveClientSettings(ctx context.Context, clientID, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_settings (client_id, value) VALUES (?, ?)
		ON CONFLICT (client_id) DO UPDATE SET value = excluded.value`,
		clientID, value)
	if err != nil {
		return fmt.Errorf("save client settings for %q: %w", clientID, err)
	}
	return nil
}

// GetClientSettings returns the settings blob for one client, or ErrNotFound.
func (s *Store) GetClientSettings(ctx context.Context, clientID string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM client_settings WHERE client_id = ?`, clientID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get client settings for %q: %w", clientID, err)
	}
	return value, nil
}

// SaveAnnotation upserts an annotation keyed by (client, unique id).
func (s *Store) SaveAnnotation(ctx context.Context, a Annotation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (client_id, unique_id, instrument, timeframe, annotype, object)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, unique_id) DO UPDATE SET
			instrument = excluded.instrument, timeframe = excluded.timeframe,
			annotype = excluded.annotype, object = excluded.object`,
		a.ClientID, a.UniqueID, a.Instrument, a.Timeframe, a.AnnoType, a.Object)
	if err != nil {
		return fmt.Errorf("save annotation %s/%s: %w", a.ClientID, a.UniqueID, err)
	}
	return nil
}

// DeleteAnnotation removes one annotation.
func (s *Store) DeleteAnnotation(ctx context.Context, clientID, uniqueID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM annotations WHERE client_id = ? AND unique_id = ?`,
		clientID, uniqueID)
	if err != nil {
		return fmt.Errorf("delete annotation %s/%s: %w", clientID, uniqueID, err)
	}
	return nil
}

// GetAnnotations returns a client's annotations, optionally filtered by
// instrument and timeframe (empty strings match everything).
func (s *Store) GetAnnotations(ctx context.Context, clientID, instrument, tf string) ([]Annotation, error) {
	query := `SELECT client_id, unique_id, instrument, timeframe, annotype, object
		FROM annotations WHERE client_id = ?`
	args := []any{clientID}
	if instrument != "" {
		query += " AND instrument = ?"
		args = append(args, instrument)
	}
	if tf != "" {
		query += " AND timeframe = ?"
		args = append(args, tf)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query annotations: %w", err)
	}
	defer rows.Close()

	var out []Annotation
	for rows.Next() {
		var a Annotation
		if err := rows.Scan(&a.ClientID, &a.UniqueID, &a.Instrument, &a.Timeframe, &a.AnnoType, &a.Object); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveStrategy upserts a client's published strategy.
func (s *Store) SaveStrategy(ctx context.Context, st Strategy) error {
	doc, err := json.Marshal(subscriberDoc{Subscribers: st.Subscribers})
	if err != nil {
		return fmt.Errorf("encode subscribers: %w", err)
	}
	if st.Parameters == "" {
		st.Parameters = "{}"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategies (client_id, strategy_name, description, parameters, subscribers)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (client_id) DO UPDATE SET
			strategy_name = excluded.strategy_name, description = excluded.description,
			parameters = excluded.parameters, subscribers = excluded.subscribers`,
		st.ClientID, st.StrategyName, st.Description, st.Parameters, string(doc))
	if err != nil {
		return fmt.Errorf("save strategy for %q: %w", st.ClientID, err)
	}
	return nil
}

// GetStrategies returns every published strategy.
func (s *Store) GetStrategies(ctx context.Context) ([]Strategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT client_id, strategy_name, description, parameters, subscribers FROM strategies`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []Strategy
	for rows.Next() {
		var (
			st  Strategy
			raw string
		)
		if err := rows.Scan(&st.ClientID, &st.StrategyName, &st.Description, &st.Parameters, &raw); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		var doc subscriberDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode subscribers for %q: %w", st.ClientID, err)
		}
		st.Subscribers = doc.Subscribers
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetStrategy returns one client's strategy, or ErrNotFound.
func (s *Store) GetStrategy(ctx context.Context, clientID string) (Strategy, error) {
	var (
		st  Strategy
		raw string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, strategy_name, description, parameters, subscribers
		FROM strategies WHERE client_id = ?`, clientID).
		Scan(&st.ClientID, &st.StrategyName, &st.Description, &st.Parameters, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Strategy{}, ErrNotFound
	}
	if err != nil {
		return Strategy{}, fmt.Errorf("get strategy for %q: %w", clientID, err)
	}
	var doc subscriberDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Strategy{}, fmt.Errorf("decode subscribers for %q: %w", clientID, err)
	}
	st.Subscribers = doc.Subscribers
	return st, nil
}

// SetStrategySubscription adds or removes a subscriber on a strategy.
// Membership is persisted immediately; fan-out consults it at dispatch time.
func (s *Store) SetStrategySubscription(ctx context.Context, ownerID, subscriberID string, subscribe bool) error {
	st, err := s.GetStrategy(ctx, ownerID)
	if err != nil {
		return err
	}

	subs := make([]string, 0, len(st.Subscribers)+1)
	for _, id := range st.Subscribers {
		if id != subscriberID {
			subs = append(subs, id)
		}
	}
	if subscribe {
		subs = append(subs, subscriberID)
	}
	st.Subscribers = subs
	return s.SaveStrategy(ctx, st)
}
