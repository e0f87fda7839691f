package models

import "time"

// Record is one unit of output handed to consumers. Payload is already
// shaped according to the session's output format.
type Record struct {
	SessionID string                 `json:"sessionId"`
	Seq       uint64                 `json:"seq"`
	EmittedAt time.Time              `json:"emittedAt"`
	Payload   map[string]interface{} `json:"payload"`
}

// IsError reports whether the record describes a processing failure rather
// than a change event.
func (r *Record) IsError() bool {
	if r.Payload == nil {
		return false
	}
	_, ok := r.Payload["error"]
	return ok
}

// ErrorPayload builds the payload for a record that replaces an event the
// pipeline could not process. The stream stays alive; the failure travels
// to consumers in band.
func ErrorPayload(err error, now time.Time) map[string]interface{} {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return map[string]interface{}{
		"operationType": "error",
		"error":         msg,
		"timestamp":     now,
		"type":          "processing_error",
	}
}
