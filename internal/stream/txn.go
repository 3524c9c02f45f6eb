package stream

import "fmt"

// TxnStreamAlias is the well-known input stream name carrying transaction
// boundary envelopes (spec.md §4.3).
const TxnStreamAlias = "transactions"

// DataCollectionCount is one entry of a TxnEnvelope's data_collections list:
// the expected number of events on one referenced stream for this
// transaction (spec.md §4.3 END handling).
type DataCollectionCount struct {
	DataCollection string
	EventCount     int64
}

// TxnEnvelope is one decoded record from the transactions stream (spec.md
// §4.3).
type TxnEnvelope struct {
	Status          string // "BEGIN" or "END"
	ID              string
	DataCollections []DataCollectionCount
}

// DecodeTxnEnvelope extracts a TxnEnvelope from a record's field map. Field
// names follow the wire shape named in spec.md §4.3.
func DecodeTxnEnvelope(fields map[string]any) (*TxnEnvelope, error) {
	status, _ := fields["status"].(string)
	id, _ := fields["id"].(string)
	if status != "BEGIN" && status != "END" {
		return nil, fmt.Errorf("stream: transactions record with unknown status %q", status)
	}

	env := &TxnEnvelope{Status: status, ID: id}

	raw, ok := fields["data_collections"].([]any)
	if !ok {
		return env, nil
	}
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		dc, _ := m["data_collection"].(string)
		var count int64
		switch v := m["event_count"].(type) {
		case int64:
			count = v
		case int:
			count = int64(v)
		case float64:
			count = int64(v)
		}
		env.DataCollections = append(env.DataCollections, DataCollectionCount{DataCollection: dc, EventCount: count})
	}
	return env, nil
}
