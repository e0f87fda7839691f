package monitor

import (
	"fmt"
	"time"

	"mongowatch/internal/models"
)

// FormatEvent shapes one decoded event according to the session's output
// format. The result is never nil: a projection that comes up empty is
// replaced with a stub record so downstream consumers always receive a
// document. Shaping failures surface as errors so the caller can emit an
// error record in the event's place.
func FormatEvent(cfg *models.SessionConfig, ev *models.ChangeEvent, now time.Time) (map[string]interface{}, error) {
	if ev == nil {
		return nil, fmt.Errorf("no change event to format")
	}

	var out map[string]interface{}

	switch cfg.Format {
	case models.FormatDocument:
		switch {
		case ev.FullDocument != nil:
			out = map[string]interface{}(ev.FullDocument)
		case ev.DocumentKey != nil:
			// Deletes carry no fullDocument; the key still identifies
			// which document went away.
			out = map[string]interface{}(ev.DocumentKey)
		default:
			out = map[string]interface{}{}
		}

	case models.FormatSimplified:
		ts := now
		if !ev.ClusterTime.IsZero() {
			ts = ev.ClusterTime
		}
		// Fixed shape: every key is always present, absent parts are null.
		out = map[string]interface{}{
			"operationType":     ev.OperationType,
			"documentKey":       nil,
			"document":          nil,
			"updateDescription": nil,
			"timestamp":         ts,
		}
		if ev.DocumentKey != nil {
			out["documentKey"] = map[string]interface{}(ev.DocumentKey)
		}
		if ev.FullDocument != nil {
			out["document"] = map[string]interface{}(ev.FullDocument)
		}
		if ev.UpdateDescription != nil {
			out["updateDescription"] = map[string]interface{}(ev.UpdateDescription)
		}

	default:
		out = map[string]interface{}(ev.Raw)
	}

	if out == nil {
		op := ev.OperationType
		if op == "" {
			op = "unknown"
		}
		out = map[string]interface{}{
			"operationType": op,
			"timestamp":     now,
			"error":         "No data available",
		}
	}
	return out, nil
}
