package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/wieczorkowski/chronicle/internal/session"
	"github.com/wieczorkowski/chronicle/internal/timeframe"
)

// timestampCutoff separates numeric live_end interpretations: values above
// it are epoch timestamps, values at or below are seconds to play.
const timestampCutoff = 100_000_000

// parseISO accepts RFC3339 or a bare "2006-01-02 15:04:05" UTC timestamp.
func parseISO(s string) (int64, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", s)
}

// parseDataRange resolves get_data start_time/end_time. An absent start
// means now minus the default window; an absent or "current" end means now.
func parseDataRange(startStr, endStr string, nowMs int64, windowDays int) (startMs, endMs int64, endIsNow bool, err error) {
	endMs = nowMs
	endIsNow = true
	if endStr != "" && endStr != "current" {
		endMs, err = parseISO(endStr)
		if err != nil {
			return 0, 0, false, fmt.Errorf("end_time: %w", err)
		}
		endIsNow = false
	}

	startMs = nowMs - int64(windowDays)*timeframe.DayMs
	if startStr != "" {
		startMs, err = parseISO(startStr)
		if err != nil {
			return 0, 0, false, fmt.Errorf("start_time: %w", err)
		}
	}

	if startMs > endMs {
		return 0, 0, false, fmt.Errorf("start_time after end_time")
	}
	return startMs, endMs, endIsNow, nil
}

// parseHistoryStart resolves get_replay history_start: a negative number is
// minutes back from now, anything else an ISO timestamp.
func parseHistoryStart(raw json.RawMessage, nowMs int64) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("history_start is required")
	}

	s := strings.TrimSpace(string(raw))
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n >= 0 {
			return 0, fmt.Errorf("numeric history_start must be negative minutes, got %v", n)
		}
		return nowMs + int64(n)*timeframe.MinuteMs, nil
	}

	var iso string
	if err := json.Unmarshal(raw, &iso); err != nil {
		return 0, fmt.Errorf("history_start: %w", err)
	}
	ms, err := parseISO(iso)
	if err != nil {
		return 0, fmt.Errorf("history_start: %w", err)
	}
	return ms, nil
}

// parseLiveStart resolves get_replay live_start: "current" or ISO.
func parseLiveStart(s string, nowMs int64) (int64, error) {
	if s == "" || s == "current" {
		return nowMs, nil
	}
	ms, err := parseISO(s)
	if err != nil {
		return 0, fmt.Errorf("live_start: %w", err)
	}
	return ms, nil
}

// parseLiveEnd resolves get_replay live_end: "none" (no live phase),
// "all" (up to now), an ISO timestamp, a numeric epoch timestamp if above
// the cutoff, or a numeric seconds-to-play otherwise.
func parseLiveEnd(raw json.RawMessage, liveStartMs, nowMs int64) (endMs int64, hasLive, endIsNow bool, err error) {
	if len(raw) == 0 {
		return 0, false, false, nil
	}

	s := strings.TrimSpace(string(raw))
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n > timestampCutoff {
			return int64(n), true, false, nil
		}
		if n <= 0 {
			return 0, false, false, fmt.Errorf("live_end seconds must be positive, got %v", n)
		}
		return liveStartMs + int64(n*1000), true, false, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false, false, fmt.Errorf("live_end: %w", err)
	}
	switch str {
	case "none":
		return 0, false, false, nil
	case "all":
		return nowMs, true, true, nil
	}
	ms, err := parseISO(str)
	if err != nil {
		return 0, false, false, fmt.Errorf("live_end: %w", err)
	}
	return ms, true, false, nil
}

// parseLiveData resolves get_data live_data: "none" (default), "all", or a
// positive number of seconds.
func parseLiveData(raw json.RawMessage) (session.LiveMode, int64, error) {
	if len(raw) == 0 {
		return session.LiveNone, 0, nil
	}

	s := strings.TrimSpace(string(raw))
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n <= 0 {
			return session.LiveNone, 0, fmt.Errorf("live_data seconds must be positive, got %v", n)
		}
		return session.LiveSeconds, int64(n), nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return session.LiveNone, 0, fmt.Errorf("live_data: %w", err)
	}
	switch str {
	case "none":
		return session.LiveNone, 0, nil
	case "all":
		return session.LiveAll, 0, nil
	}
	return session.LiveNone, 0, fmt.Errorf("unrecognized live_data %q", str)
}
