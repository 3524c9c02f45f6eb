package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/southpaw-go/southpaw/internal/keys"
	"github.com/southpaw-go/southpaw/internal/record"
	"github.com/southpaw-go/southpaw/internal/stream"
)

// FakeSource is an in-process stream.Source for unit tests: a pending
// queue of ConsumerRecords plus a materialized current-value-by-key view,
// standing in for the NATS-backed production implementation.
type FakeSource struct {
	mu        sync.Mutex
	table     string
	topic     string
	pending   []stream.ConsumerRecord
	current   map[string]*record.Record
	committed int
	lag       int64
}

// NewFakeSource returns an empty FakeSource for the given table/topic name.
func NewFakeSource(table string) *FakeSource {
	return &FakeSource{table: table, topic: table, current: make(map[string]*record.Record)}
}

// Push enqueues a record to be yielded by the next ReadNext call(s) and
// updates the current-value view used by ReadByPK.
func (s *FakeSource) Push(key keys.Key, value *record.Record, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, stream.ConsumerRecord{Key: key, Value: value, Timestamp: ts})
	if value.Empty() {
		delete(s.current, string(key))
	} else {
		s.current[string(key)] = value
	}
	s.lag++
}

func (s *FakeSource) ReadNext(context.Context) ([]stream.ConsumerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *FakeSource) ReadByPK(_ context.Context, key keys.Key) (*record.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.current[string(key)]
	return v, ok, nil
}

func (s *FakeSource) Lag(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lag, nil
}

func (s *FakeSource) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed++
	s.lag = 0
	return nil
}

func (s *FakeSource) TableName() string { return s.table }
func (s *FakeSource) TopicName() string { return s.topic }

// FakeSink is an in-process stream.Sink recording every write for
// assertions.
type FakeSink struct {
	mu      sync.Mutex
	Writes  map[string]*record.Denormalized
	Order   []string
	flushed int
}

// NewFakeSink returns an empty FakeSink.
func NewFakeSink() *FakeSink {
	return &FakeSink{Writes: make(map[string]*record.Denormalized)}
}

func (s *FakeSink) Write(_ context.Context, key keys.Key, value *record.Denormalized) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Order = append(s.Order, string(key))
	s.Writes[string(key)] = value
	return nil
}

func (s *FakeSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed++
	return nil
}

// FlushCount reports how many times Flush has been called.
func (s *FakeSink) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}
