package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/record"
)

const backendNATS = "nats"

func init() {
	RegisterSource(backendNATS, openNATSSource)
	RegisterSink(backendNATS, openNATSSink)
}

// natsEnvelope is the wire shape published for every change event. A nil
// Value is a tombstone (spec.md Glossary).
type natsEnvelope struct {
	Value     map[string]any `json:"value"`
	Tombstone bool           `json:"tombstone"`
}

const cursorKey = "__southpaw.cursor"

// NATSSource is the production Source, backed by a JetStream key-value
// bucket named for the entity: KV.Get gives O(1) "read current record by
// PK" (spec.md §6 ReadByPK) and KV.WatchAll gives the ordered change feed
// ReadNext drains (spec.md §6 ReadNext), exactly the "stream of change
// events per entity" the teacher's eventbus.EnsureStreams sets up for its
// own JetStream subjects.
type NATSSource struct {
	entity string
	topic  string
	nc     *nats.Conn
	js     nats.JetStreamContext
	bucket nats.KeyValue
	watch  nats.KeyWatcher

	mu      sync.Mutex
	lastSeq uint64
}

func openNATSSource(ctx context.Context, entity, dsn string) (Source, error) {
	nc, err := nats.Connect(dsn)
	if err != nil {
		return nil, fmt.Errorf("stream: connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream: jetstream context: %w", err)
	}

	bucketName := kvBucketName(entity)
	bucket, err := js.KeyValue(bucketName)
	if err != nil {
		bucket, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucketName, History: 1})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("stream: create kv bucket %s: %w", bucketName, err)
		}
	}

	watch, err := bucket.WatchAll(nats.IncludeHistory())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream: watch %s: %w", bucketName, err)
	}

	s := &NATSSource{entity: entity, topic: bucketName, nc: nc, js: js, bucket: bucket, watch: watch}

	if entry, err := bucket.Get(cursorKey); err == nil {
		var seq uint64
		if jerr := json.Unmarshal(entry.Value(), &seq); jerr == nil {
			s.lastSeq = seq
		}
	}
	return s, nil
}

func kvBucketName(entity string) string {
	return "ENTITY_" + strings.ToUpper(entity)
}

// ReadNext implements Source: drains whatever updates are currently
// buffered on the watcher without blocking, per spec.md §4.3's
// "to-probe set" probing model.
func (s *NATSSource) ReadNext(_ context.Context) ([]ConsumerRecord, error) {
	var out []ConsumerRecord
	for {
		select {
		case entry, ok := <-s.watch.Updates():
			if !ok {
				return out, nil
			}
			if entry == nil {
				// nil marks "caught up to current state" in nats.go's
				// watcher protocol; treat as end-of-available-batch.
				return out, nil
			}
			if entry.Key() == cursorKey {
				continue
			}
			s.mu.Lock()
			seen := entry.Revision() <= s.lastSeq
			s.mu.Unlock()
			if seen {
				continue // at or before the committed cursor
			}

			cr := ConsumerRecord{
				Key:       keys.New([]byte(entry.Key())),
				Timestamp: entry.Created(),
			}
			if entry.Operation() != nats.KeyValueDelete {
				var env natsEnvelope
				if err := json.Unmarshal(entry.Value(), &env); err != nil {
					return out, fmt.Errorf("stream: decode %s/%s: %w", s.topic, entry.Key(), err)
				}
				cr.Value = &record.Record{Fields: env.Value}
			}
			out = append(out, cr)

			s.mu.Lock()
			if entry.Revision() > s.lastSeq {
				s.lastSeq = entry.Revision()
			}
			s.mu.Unlock()
		default:
			return out, nil
		}
	}
}

// ReadByPK implements Source.
func (s *NATSSource) ReadByPK(_ context.Context, key keys.Key) (*record.Record, bool, error) {
	entry, err := s.bucket.Get(string(key))
	if err == nats.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stream: read by pk %s/%s: %w", s.topic, key, err)
	}
	if entry.Operation() == nats.KeyValueDelete {
		return nil, false, nil
	}
	var env natsEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return nil, false, fmt.Errorf("stream: decode %s/%s: %w", s.topic, key, err)
	}
	return &record.Record{Fields: env.Value}, true, nil
}

// Lag implements Source: the gap between the bucket's current last
// sequence and the sequence this source has observed so far.
func (s *NATSSource) Lag(_ context.Context) (int64, error) {
	info, err := s.js.StreamInfo(kvStreamName(s.topic))
	if err != nil {
		return 0, fmt.Errorf("stream: lag: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lag := int64(info.State.LastSeq) - int64(s.lastSeq)
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}

func kvStreamName(bucket string) string { return "KV_" + bucket }

// Commit implements Source: persists the last-seen revision under a
// reserved key in the same bucket, so a restart resumes the watch from
// where this source left off.
func (s *NATSSource) Commit(_ context.Context) error {
	s.mu.Lock()
	seq := s.lastSeq
	s.mu.Unlock()
	data, err := json.Marshal(seq)
	if err != nil {
		return err
	}
	_, err = s.bucket.Put(cursorKey, data)
	if err != nil {
		return fmt.Errorf("stream: commit: %w", err)
	}
	return nil
}

// TableName implements Source.
func (s *NATSSource) TableName() string { return s.entity }

// TopicName implements Source.
func (s *NATSSource) TopicName() string { return s.topic }

// Close releases the underlying NATS connection. Not part of the Source
// interface (callers that own the Source close it directly during shutdown).
func (s *NATSSource) Close() {
	s.watch.Stop()
	s.nc.Close()
}

// NATSSink is the production Sink: a JetStream key-value bucket named for
// the root's output topic.
type NATSSink struct {
	topic  string
	nc     *nats.Conn
	bucket nats.KeyValue
}

func openNATSSink(_ context.Context, topic, dsn string) (Sink, error) {
	nc, err := nats.Connect(dsn)
	if err != nil {
		return nil, fmt.Errorf("stream: connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream: jetstream context: %w", err)
	}
	bucketName := "OUT_" + strings.ToUpper(topic)
	bucket, err := js.KeyValue(bucketName)
	if err != nil {
		bucket, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucketName})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("stream: create output bucket %s: %w", bucketName, err)
		}
	}
	return &NATSSink{topic: topic, nc: nc, bucket: bucket}, nil
}

// Write implements Sink.
func (s *NATSSink) Write(_ context.Context, key keys.Key, value *record.Denormalized) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("stream: marshal denormalized record: %w", err)
	}
	if _, err := s.bucket.Put(string(key), data); err != nil {
		return fmt.Errorf("stream: write %s/%s: %w", s.topic, key, err)
	}
	return nil
}

// Flush implements Sink: waits for all pending publishes on the
// connection to be acknowledged by the server.
func (s *NATSSink) Flush(_ context.Context) error {
	if err := s.nc.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("stream: flush: %w", err)
	}
	return nil
}

// Close releases the underlying NATS connection.
func (s *NATSSink) Close() {
	s.nc.Close()
}
