package notification

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireRecord is the persisted shape. Timestamps are stored as ISO-8601 text
// because the reload-durable media only hold strings.
type wireRecord struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Image     string         `json:"image,omitempty"`
	Timestamp string         `json:"timestamp"`
	Read      bool           `json:"read"`
	Data      map[string]any `json:"data,omitempty"`
}

func toWire(r Record) wireRecord {
	return wireRecord{
		ID:        r.ID,
		Title:     r.Title,
		Body:      r.Body,
		Image:     r.Image,
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339Nano),
		Read:      r.Read,
		Data:      r.Data,
	}
}

func fromWire(w wireRecord) (Record, error) {
	var ts time.Time
	if w.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return Record{}, fmt.Errorf("record %q: invalid timestamp %q: %w", w.ID, w.Timestamp, err)
		}
		ts = parsed
	}
	return Record{
		ID:        w.ID,
		Title:     w.Title,
		Body:      w.Body,
		Image:     w.Image,
		Timestamp: ts,
		Read:      w.Read,
		Data:      w.Data,
	}, nil
}

// MarshalJSON implements json.Marshaler using the persisted shape.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(r))
}

// UnmarshalJSON implements json.Unmarshaler using the persisted shape.
func (r *Record) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	rec, err := fromWire(w)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// EncodeList serializes records into a single text blob.
func EncodeList(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.Marshal(records)
}

// DecodeList parses a blob written by EncodeList.
func DecodeList(b []byte) ([]Record, error) {
	var out []Record
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
