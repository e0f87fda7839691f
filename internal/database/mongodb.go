package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"mongowatch/internal/models"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Conn owns one MongoDB client on behalf of a single monitoring session.
// Clients are never shared between sessions, so closing one session can
// never disturb another session's cursors.
type Conn struct {
	client *mongo.Client
	target models.ConnectionTarget

	mu     sync.Mutex
	closed bool
}

// Options tunes client construction. Zero values fall back to defaults.
type Options struct {
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
}

const (
	defaultConnectTimeout         = 30 * time.Second
	defaultServerSelectionTimeout = 30 * time.Second
)

// Connect opens a dedicated client for the target and verifies liveness with
// an explicit ping before handing the connection out. The URI is applied
// verbatim. Failures come back as *ConnectError with an actionable hint.
func Connect(ctx context.Context, target models.ConnectionTarget, opts Options) (*Conn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ServerSelectionTimeout <= 0 {
		opts.ServerSelectionTimeout = defaultServerSelectionTimeout
	}

	// One deadline covers the whole attempt, dial through ping.
	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(target.URI).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(opts.ServerSelectionTimeout).
		SetConnectTimeout(opts.ConnectTimeout)
	if target.AppName != "" {
		clientOptions.SetAppName(target.AppName)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, classifyConnectError(target, err)
	}

	// Ping to verify the deployment actually answers before any stream opens.
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, classifyConnectError(target, err)
	}

	log.Printf("✅ Connected to MongoDB: %s (database: %s)", RedactURI(target.URI), target.Database)

	return &Conn{client: client, target: target}, nil
}

// Client returns the underlying MongoDB client
func (c *Conn) Client() *mongo.Client {
	return c.client
}

// Database returns a handle on the named database, defaulting to the target's.
func (c *Conn) Database(name string) *mongo.Database {
	if name == "" {
		name = c.target.Database
	}
	return c.client.Database(name)
}

// Collection returns a collection handle in the named database.
func (c *Conn) Collection(database, name string) *mongo.Collection {
	return c.Database(database).Collection(name)
}

// Target returns the connection target this client was opened for.
func (c *Conn) Target() models.ConnectionTarget {
	return c.target
}

// Ping checks if the database connection is alive
func (c *Conn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client. Safe to call more than once; only the first
// call disconnects.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	log.Printf("🔌 Closing MongoDB connection: %s", RedactURI(c.target.URI))
	return c.client.Disconnect(ctx)
}

// ConnectErrorKind distinguishes the ways opening a connection can fail.
type ConnectErrorKind string

const (
	// ConnectTimeout covers server-selection and dial timeouts.
	ConnectTimeout ConnectErrorKind = "timeout"
	// ConnectUnavailable covers reachable-but-unhealthy deployments.
	ConnectUnavailable ConnectErrorKind = "unavailable"
	// ConnectFailed covers bad URIs, TLS and authentication failures.
	ConnectFailed ConnectErrorKind = "failed"
)

// ConnectError is a classified connection failure. The Hint tells an
// operator what to check first.
type ConnectError struct {
	Kind ConnectErrorKind
	URI  string // already redacted
	Hint string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mongodb connection %s (%s): %s: %v", e.Kind, e.URI, e.Hint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func classifyConnectError(target models.ConnectionTarget, err error) *ConnectError {
	ce := &ConnectError{URI: RedactURI(target.URI), Err: err}
	msg := strings.ToLower(err.Error())

	switch {
	case mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded):
		ce.Kind = ConnectTimeout
		ce.Hint = "server did not respond in time; check that the host is reachable and the port is open"
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "auth error") || strings.Contains(msg, "unable to authenticate"):
		ce.Kind = ConnectFailed
		ce.Hint = "authentication failed; check the credentials and authSource in the URI"
	case strings.Contains(msg, "no reachable servers") || strings.Contains(msg, "server selection error") || strings.Contains(msg, "connection refused"):
		ce.Kind = ConnectUnavailable
		ce.Hint = "no server accepted the connection; verify the deployment is running and the replica set is healthy"
	case strings.Contains(msg, "error parsing uri") || strings.Contains(msg, "scheme must be"):
		ce.Kind = ConnectFailed
		ce.Hint = "the connection string is malformed; expected mongodb:// or mongodb+srv://"
	default:
		ce.Kind = ConnectFailed
		ce.Hint = "connection could not be established"
	}
	return ce
}

// RedactURI strips credentials from a connection string for log output.
func RedactURI(uri string) string {
	schemeEnd := strings.Index(uri, "://")
	if schemeEnd == -1 {
		return uri
	}
	rest := uri[schemeEnd+3:]
	at := strings.LastIndex(rest, "@")
	if at == -1 {
		return uri
	}
	return uri[:schemeEnd+3] + "***@" + rest[at+1:]
}
