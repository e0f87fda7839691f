package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Namespace names the database and collection an event originated from.
type Namespace struct {
	Database   string `bson:"db" json:"db"`
	Collection string `bson:"coll" json:"coll"`
}

func (n Namespace) String() string {
	if n.Collection == "" {
		return n.Database
	}
	return n.Database + "." + n.Collection
}

// ChangeEvent is one decoded change-stream document. Raw keeps the full
// server payload untouched; the typed fields are convenience views into it.
type ChangeEvent struct {
	Raw               bson.M
	ResumeToken       interface{}
	OperationType     string
	Namespace         Namespace
	DocumentKey       bson.M
	FullDocument      bson.M
	UpdateDescription bson.M
	ClusterTime       time.Time
}

// ParseChangeEvent builds the typed view over a decoded event document.
// The event's _id doubles as the resume token.
func ParseChangeEvent(raw bson.M) *ChangeEvent {
	ev := &ChangeEvent{Raw: raw, ResumeToken: raw["_id"]}

	if op, ok := raw["operationType"].(string); ok {
		ev.OperationType = op
	}
	ev.DocumentKey = asDocument(raw["documentKey"])
	ev.FullDocument = asDocument(raw["fullDocument"])
	ev.UpdateDescription = asDocument(raw["updateDescription"])

	if ts, ok := raw["clusterTime"].(primitive.Timestamp); ok {
		ev.ClusterTime = time.Unix(int64(ts.T), 0).UTC()
	}
	if ns := asDocument(raw["ns"]); ns != nil {
		ev.Namespace.Database, _ = ns["db"].(string)
		ev.Namespace.Collection, _ = ns["coll"].(string)
	}
	return ev
}

// DocumentID returns the _id from the event's documentKey, if present.
func (e *ChangeEvent) DocumentID() interface{} {
	if e.DocumentKey == nil {
		return nil
	}
	return e.DocumentKey["_id"]
}

// asDocument normalizes the two shapes the driver hands back for embedded
// documents (primitive.D when decoding into interface{}, bson.M otherwise).
func asDocument(v interface{}) bson.M {
	switch d := v.(type) {
	case bson.M:
		return d
	case primitive.D:
		return d.Map()
	case map[string]interface{}:
		return bson.M(d)
	default:
		return nil
	}
}
