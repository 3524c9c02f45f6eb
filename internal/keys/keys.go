// Package keys provides the canonical byte-vector primary key type used
// throughout the join engine: indices, pending sets, and stream envelopes
// all identify records by these immutable byte vectors.
package keys

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Key is an opaque, comparable byte vector. It is the identity used by every
// index and by output topics — southpaw never interprets its contents.
type Key []byte

// New copies b into a new Key so callers may safely reuse their buffer.
func New(b []byte) Key {
	k := make(Key, len(b))
	copy(k, b)
	return k
}

// String renders the key for logging; not used for comparison or storage.
func (k Key) String() string {
	return string(k)
}

// Equal reports whether two keys hold identical bytes.
func (k Key) Equal(other Key) bool {
	return bytes.Equal(k, other)
}

// Less implements the canonical byte ordering used for deterministic child
// emit ordering (spec §3 Denormalized record, §4.5).
func (k Key) Less(other Key) bool {
	return bytes.Compare(k, other) < 0
}

// Sort orders a slice of keys ascending by canonical byte order in place.
func Sort(ks []Key) {
	sort.Slice(ks, func(i, j int) bool { return ks[i].Less(ks[j]) })
}

// Set is a compact, serializable set of Keys. It is the value type stored on
// both sides of a reversible index (internal/index).
type Set struct {
	m map[string]Key
}

// NewSet builds a Set from zero or more keys.
func NewSet(ks ...Key) *Set {
	s := &Set{m: make(map[string]Key, len(ks))}
	for _, k := range ks {
		s.Add(k)
	}
	return s
}

// Add inserts k into the set. Idempotent.
func (s *Set) Add(k Key) {
	if s.m == nil {
		s.m = make(map[string]Key)
	}
	s.m[string(k)] = k
}

// Remove deletes k from the set. Tolerant of missing members.
func (s *Set) Remove(k Key) {
	delete(s.m, string(k))
}

// Contains reports whether k is a member.
func (s *Set) Contains(k Key) bool {
	_, ok := s.m[string(k)]
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int {
	return len(s.m)
}

// Keys returns the members in canonical ascending order.
func (s *Set) Keys() []Key {
	out := make([]Key, 0, len(s.m))
	for _, k := range s.m {
		out = append(out, k)
	}
	Sort(out)
	return out
}

// Union adds every member of other into s.
func (s *Set) Union(other *Set) {
	if other == nil {
		return
	}
	for _, k := range other.Keys() {
		s.Add(k)
	}
}

// Marshal serializes the set as a tightly packed sequence of length-prefixed
// byte keys (spec §3 Pending set, §9 Pending set persistence).
func (s *Set) Marshal() []byte {
	keys := s.Keys()
	var size int
	for _, k := range keys {
		size += 4 + len(k)
	}
	buf := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, k := range keys {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, k...)
	}
	return buf
}

// Unmarshal decodes a Set previously produced by Marshal.
func Unmarshal(data []byte) (*Set, error) {
	s := NewSet()
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, errShortBuffer
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, errShortBuffer
		}
		s.Add(New(data[:n]))
		data = data[n:]
	}
	return s, nil
}
