// Package stream defines the input/output stream client interfaces (spec.md
// §6 "Stream client (input)"/"Stream client (output)") and a name-keyed
// registry of constructors, mirroring the re-architected reflection design
// note in spec.md §9. The production implementation talks to NATS
// JetStream (internal/stream/nats.go).
package stream

import (
	"context"
	"time"

	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/record"
)

// ConsumerRecord is one element yielded by a Source's ReadNext. A nil Value
// is a tombstone (spec.md §6).
type ConsumerRecord struct {
	Key       keys.Key
	Value     *record.Record
	Timestamp time.Time
}

// Source is the per-entity input stream client (spec.md §6 "Stream client
// (input)").
type Source interface {
	// ReadNext returns the next batch of consumer records. Returns an empty
	// batch, not an error, when nothing is currently available — callers
	// probe again later (spec.md §4.3 "to-probe set").
	ReadNext(ctx context.Context) ([]ConsumerRecord, error)

	// ReadByPK returns the current record for key, or (nil, false) if
	// absent, used by the emit engine to materialize a relation node
	// (spec.md §4.5).
	ReadByPK(ctx context.Context, key keys.Key) (*record.Record, bool, error)

	// Lag returns the number of records behind the stream's head.
	Lag(ctx context.Context) (int64, error)

	// Commit persists the consumed position up to the latest record
	// yielded by ReadNext.
	Commit(ctx context.Context) error

	// TableName is the stable identifier used to correlate this stream
	// with a transaction envelope's data_collections entries (spec.md §6).
	TableName() string

	// TopicName is the stream's raw, possibly-prefixed topic/subject name.
	TopicName() string
}

// Sink is the per-root output stream client (spec.md §6 "Stream client
// (output)").
type Sink interface {
	// Write publishes the current denormalized record for key. Repeated
	// writes for the same key overwrite on the output (keyed) stream
	// (spec.md §4.5).
	Write(ctx context.Context, key keys.Key, value *record.Denormalized) error

	// Flush makes all pending writes durable/visible to consumers.
	Flush(ctx context.Context) error
}

// SourceFactory constructs a Source for one entity from a DSN/topic string.
type SourceFactory func(ctx context.Context, entity, dsn string) (Source, error)

// SinkFactory constructs a Sink for one root's output topic.
type SinkFactory func(ctx context.Context, topic, dsn string) (Sink, error)

var (
	sourceRegistry = make(map[string]SourceFactory)
	sinkRegistry   = make(map[string]SinkFactory)
)

// RegisterSource adds a named Source backend constructor.
func RegisterSource(name string, f SourceFactory) { sourceRegistry[name] = f }

// RegisterSink adds a named Sink backend constructor.
func RegisterSink(name string, f SinkFactory) { sinkRegistry[name] = f }

// NewSource constructs the named Source backend.
func NewSource(ctx context.Context, backend, entity, dsn string) (Source, error) {
	f, ok := sourceRegistry[backend]
	if !ok {
		return nil, &UnknownBackendError{Name: backend}
	}
	return f(ctx, entity, dsn)
}

// NewSink constructs the named Sink backend.
func NewSink(ctx context.Context, backend, topic, dsn string) (Sink, error) {
	f, ok := sinkRegistry[backend]
	if !ok {
		return nil, &UnknownBackendError{Name: backend}
	}
	return f(ctx, topic, dsn)
}

// UnknownBackendError is returned by NewSource/NewSink for an unregistered
// backend name.
type UnknownBackendError struct {
	Name string
}

func (e *UnknownBackendError) Error() string {
	return "stream: unknown backend " + e.Name
}
