package models

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestParseChangeEvent(t *testing.T) {
	token := bson.M{"_data": "8263A1B2C3000000012B0229296E04"}
	raw := bson.M{
		"_id":           token,
		"operationType": "update",
		"clusterTime":   primitive.Timestamp{T: 1700000000, I: 2},
		"ns":            bson.M{"db": "shop", "coll": "orders"},
		"documentKey":   bson.M{"_id": "order-42"},
		"fullDocument":  bson.M{"_id": "order-42", "status": "shipped"},
		"updateDescription": bson.M{
			"updatedFields": bson.M{"status": "shipped"},
		},
	}

	ev := ParseChangeEvent(raw)

	if ev.OperationType != "update" {
		t.Errorf("OperationType = %q, want update", ev.OperationType)
	}
	tok, ok := ev.ResumeToken.(bson.M)
	if !ok || tok["_data"] != token["_data"] {
		t.Errorf("ResumeToken = %v, want %v", ev.ResumeToken, token)
	}
	if ev.Namespace.Database != "shop" || ev.Namespace.Collection != "orders" {
		t.Errorf("Namespace = %+v, want shop.orders", ev.Namespace)
	}
	if got := ev.DocumentID(); got != "order-42" {
		t.Errorf("DocumentID = %v, want order-42", got)
	}
	if ev.FullDocument["status"] != "shipped" {
		t.Errorf("FullDocument = %v", ev.FullDocument)
	}
	want := time.Unix(1700000000, 0).UTC()
	if !ev.ClusterTime.Equal(want) {
		t.Errorf("ClusterTime = %s, want %s", ev.ClusterTime, want)
	}
}

// The driver decodes embedded documents into primitive.D when the target
// field is interface{}; both shapes must produce the same typed view.
func TestParseChangeEventPrimitiveD(t *testing.T) {
	raw := bson.M{
		"_id":           primitive.D{{Key: "_data", Value: "abc"}},
		"operationType": "delete",
		"documentKey":   primitive.D{{Key: "_id", Value: int32(7)}},
		"ns":            primitive.D{{Key: "db", Value: "shop"}, {Key: "coll", Value: "orders"}},
	}

	ev := ParseChangeEvent(raw)

	if got := ev.DocumentID(); got != int32(7) {
		t.Errorf("DocumentID = %v (%T), want 7", got, got)
	}
	if ev.Namespace.String() != "shop.orders" {
		t.Errorf("Namespace = %q, want shop.orders", ev.Namespace)
	}
	if ev.ResumeToken == nil {
		t.Error("ResumeToken = nil, want the raw _id")
	}
}

func TestParseChangeEventSparse(t *testing.T) {
	ev := ParseChangeEvent(bson.M{"operationType": "insert"})

	if ev.ResumeToken != nil {
		t.Errorf("ResumeToken = %v, want nil", ev.ResumeToken)
	}
	if ev.FullDocument != nil || ev.DocumentKey != nil {
		t.Error("missing subdocuments should stay nil")
	}
	if !ev.ClusterTime.IsZero() {
		t.Errorf("ClusterTime = %s, want zero", ev.ClusterTime)
	}
	if ev.DocumentID() != nil {
		t.Errorf("DocumentID = %v, want nil", ev.DocumentID())
	}
}

func TestNamespaceString(t *testing.T) {
	tests := []struct {
		name string
		ns   Namespace
		want string
	}{
		{"collection", Namespace{Database: "shop", Collection: "orders"}, "shop.orders"},
		{"database only", Namespace{Database: "shop"}, "shop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ns.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
