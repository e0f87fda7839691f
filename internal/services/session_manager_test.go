package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mongowatch/internal/config"
	"mongowatch/internal/models"
	"mongowatch/internal/monitor"
)

// Compile-time check: the metrics service plugs into sessions as an observer.
var _ monitor.Observer = (*Metrics)(nil)

// stubCursor yields scripted events and blocks like a quiet oplog otherwise.
type stubCursor struct {
	events chan bson.M

	mu      sync.Mutex
	current bson.M
}

func newStubCursor() *stubCursor {
	return &stubCursor{events: make(chan bson.M, 16)}
}

func (c *stubCursor) Next(ctx context.Context) bool {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return false
		}
		c.mu.Lock()
		c.current = ev
		c.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *stubCursor) Decode(val interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*(val.(*bson.M)) = c.current
	return nil
}

func (c *stubCursor) Err() error                  { return nil }
func (c *stubCursor) Close(context.Context) error { return nil }

type stubConn struct {
	cursor *stubCursor

	mu     sync.Mutex
	closes int
}

func (c *stubConn) Watch(context.Context, *models.SessionConfig, mongo.Pipeline, *options.ChangeStreamOptions) (monitor.Cursor, error) {
	return c.cursor, nil
}

func (c *stubConn) Ping(context.Context) error { return nil }

func (c *stubConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		MaxAwaitTime:       time.Second,
		BusBuffer:          16,
		LogSamplePerSecond: 100,
		LogSampleBurst:     100,
	}
}

func testDefinition(id string) *models.SessionDefinition {
	return &models.SessionDefinition{
		ID: id,
		Target: models.ConnectionTarget{
			URI:      "mongodb://localhost:27017",
			Database: "shop",
		},
		Collection: "orders",
		Operations: []string{"insert", "update"},
	}
}

func newTestManager() (*SessionManager, *RecordBus) {
	bus := NewRecordBus(16)
	m := NewSessionManager(testConfig(), bus, nil)
	m.dial = func(context.Context, models.ConnectionTarget) (monitor.Conn, error) {
		return &stubConn{cursor: newStubCursor()}, nil
	}
	return m, bus
}

func TestManagerCreateAndStart(t *testing.T) {
	m, _ := newTestManager()
	defer m.StopAll(context.Background())

	sess, err := m.CreateAndStart(context.Background(), testDefinition("orders-watch"))
	if err != nil {
		t.Fatalf("CreateAndStart() error: %v", err)
	}
	if sess.ID != "orders-watch" {
		t.Errorf("ID = %q, want orders-watch", sess.ID)
	}
	if got := m.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
	if got := m.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
}

func TestManagerGeneratesID(t *testing.T) {
	m, _ := newTestManager()
	defer m.StopAll(context.Background())

	sess, err := m.CreateAndStart(context.Background(), testDefinition(""))
	if err != nil {
		t.Fatalf("CreateAndStart() error: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("generated ID is empty")
	}
	if _, exists := m.Get(sess.ID); !exists {
		t.Error("session not registered under generated ID")
	}
}

func TestManagerRejectsDuplicateID(t *testing.T) {
	m, _ := newTestManager()
	defer m.StopAll(context.Background())

	if _, err := m.CreateAndStart(context.Background(), testDefinition("dup")); err != nil {
		t.Fatalf("first CreateAndStart() error: %v", err)
	}
	if _, err := m.CreateAndStart(context.Background(), testDefinition("dup")); err == nil {
		t.Error("duplicate ID accepted")
	}
	if got := m.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestManagerRejectsInvalidDefinition(t *testing.T) {
	m, _ := newTestManager()

	def := testDefinition("bad")
	def.Target.URI = ""
	if _, err := m.CreateAndStart(context.Background(), def); err == nil {
		t.Error("definition without target.uri accepted")
	}
	if got := m.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestManagerUnregistersOnStartFailure(t *testing.T) {
	m, _ := newTestManager()
	m.dial = func(context.Context, models.ConnectionTarget) (monitor.Conn, error) {
		return nil, errors.New("no route to host")
	}

	if _, err := m.CreateAndStart(context.Background(), testDefinition("doomed")); err == nil {
		t.Fatal("CreateAndStart() = nil, want dial error")
	}
	if got := m.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0 after failed start", got)
	}
	// The ID is free again.
	if _, exists := m.Get("doomed"); exists {
		t.Error("failed session still registered")
	}
}

func TestManagerStop(t *testing.T) {
	m, _ := newTestManager()

	if _, err := m.CreateAndStart(context.Background(), testDefinition("s1")); err != nil {
		t.Fatalf("CreateAndStart() error: %v", err)
	}
	if err := m.Stop(context.Background(), "s1"); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
	if got := m.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
	if err := m.Stop(context.Background(), "s1"); err == nil {
		t.Error("second Stop() = nil, want not-found error")
	}
}

func TestManagerStopAll(t *testing.T) {
	m, _ := newTestManager()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.CreateAndStart(context.Background(), testDefinition(id)); err != nil {
			t.Fatalf("CreateAndStart(%s) error: %v", id, err)
		}
	}
	m.StopAll(context.Background())
	if got := m.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
	if got := m.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount() = %d, want 0", got)
	}
}

func TestManagerListOrdered(t *testing.T) {
	m, _ := newTestManager()
	defer m.StopAll(context.Background())

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := m.CreateAndStart(context.Background(), testDefinition(id)); err != nil {
			t.Fatalf("CreateAndStart(%s) error: %v", id, err)
		}
	}

	statuses := m.List()
	if len(statuses) != 3 {
		t.Fatalf("List() returned %d statuses, want 3", len(statuses))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, st := range statuses {
		if st.ID != want[i] {
			t.Errorf("List()[%d].ID = %q, want %q", i, st.ID, want[i])
		}
		if st.State != monitor.StateActive {
			t.Errorf("List()[%d].State = %v, want active", i, st.State)
		}
	}
}

func TestManagerRecordsReachBus(t *testing.T) {
	bus := NewRecordBus(16)
	m := NewSessionManager(testConfig(), bus, nil)
	cursor := newStubCursor()
	m.dial = func(context.Context, models.ConnectionTarget) (monitor.Conn, error) {
		return &stubConn{cursor: cursor}, nil
	}
	defer m.StopAll(context.Background())

	ch := bus.Subscribe("live", "test")
	if _, err := m.CreateAndStart(context.Background(), testDefinition("live")); err != nil {
		t.Fatalf("CreateAndStart() error: %v", err)
	}

	cursor.events <- bson.M{
		"_id":           bson.M{"_data": "tok"},
		"operationType": "insert",
		"ns":            bson.M{"db": "shop", "coll": "orders"},
		"documentKey":   bson.M{"_id": "a"},
	}

	select {
	case rec := <-ch:
		if rec.SessionID != "live" || rec.Seq != 1 {
			t.Errorf("got record session=%s seq=%d, want live/1", rec.SessionID, rec.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no record reached the bus")
	}
}

func TestApplyDefinitionsSkipsRunning(t *testing.T) {
	m, _ := newTestManager()
	defer m.StopAll(context.Background())

	defs := []models.SessionDefinition{*testDefinition("one"), *testDefinition("two")}
	if started := m.ApplyDefinitions(context.Background(), defs); started != 2 {
		t.Errorf("first apply started %d, want 2", started)
	}

	defs = append(defs, *testDefinition("three"))
	if started := m.ApplyDefinitions(context.Background(), defs); started != 1 {
		t.Errorf("second apply started %d, want 1", started)
	}
	if got := m.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}
