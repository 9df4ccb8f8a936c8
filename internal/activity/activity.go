// Package activity publishes loader lifecycle events (spec.md §6/§9) to a
// Redis stream. Each event carries the correlation ID minted for it by
// NewEvent; the Executor does not override it, so an execution's events
// do not share the correlation ID on its span and log lines.
package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kind enumerates the six activity event kinds spec.md §6 names.
type Kind string

const (
	KindExecutionSuccess  Kind = "EXECUTION_SUCCESS"
	KindExecutionFailed   Kind = "EXECUTION_FAILED"
	KindLoaderPaused      Kind = "LOADER_PAUSED"
	KindLoaderResumed     Kind = "LOADER_RESUMED"
	KindBackfillCompleted Kind = "BACKFILL_COMPLETED"
	KindBackfillFailed    Kind = "BACKFILL_FAILED"
)

// Event is one published activity entry.
type Event struct {
	CorrelationID string         `json:"correlationId"`
	Kind          Kind           `json:"kind"`
	LoaderCode    string         `json:"loaderCode"`
	Timestamp     time.Time      `json:"timestamp"`
	DurationMs    int64          `json:"durationMs,omitempty"`
	RecordsLoaded int64          `json:"recordsLoaded,omitempty"`
	ErrorCode     string         `json:"errorCode,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Builder provides a fluent API for constructing an Event, mirroring the
// ambient audit-entry builder convention used elsewhere in this codebase.
type Builder struct {
	event *Event
}

// NewEvent starts a Builder for loaderCode, stamping the current time and
// a fresh correlation ID.
func NewEvent(kind Kind, loaderCode string) *Builder {
	return &Builder{event: &Event{
		CorrelationID: uuid.NewString(),
		Kind:          kind,
		LoaderCode:    loaderCode,
		Timestamp:     time.Now().UTC(),
		Metadata:      make(map[string]any),
	}}
}

// CorrelationID overrides the generated correlation ID, used when the
// event must join an execution's existing span/log correlation ID
// rather than mint its own.
func (b *Builder) CorrelationID(id string) *Builder {
	b.event.CorrelationID = id
	return b
}

// Duration sets the event's duration in milliseconds.
func (b *Builder) Duration(d time.Duration) *Builder {
	b.event.DurationMs = d.Milliseconds()
	return b
}

// Records sets the number of records loaded.
func (b *Builder) Records(n int64) *Builder {
	b.event.RecordsLoaded = n
	return b
}

// Error sets the error code and message for a failure event.
func (b *Builder) Error(code, message string) *Builder {
	b.event.ErrorCode = code
	b.event.ErrorMessage = message
	return b
}

// Meta adds a metadata key-value pair.
func (b *Builder) Meta(key string, value any) *Builder {
	b.event.Metadata[key] = value
	return b
}

// Build finalizes the Event.
func (b *Builder) Build() *Event {
	return b.event
}

// Publisher publishes Events to a Redis stream.
type Publisher struct {
	client *redis.Client
	stream string
}

// New creates a Publisher over an existing Redis client.
func New(client *redis.Client, stream string) *Publisher {
	return &Publisher{client: client, stream: stream}
}

// Publish appends event to the configured stream as a single "payload"
// field holding the JSON-encoded Event.
func (p *Publisher) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"payload": payload},
	}).Err()
}
