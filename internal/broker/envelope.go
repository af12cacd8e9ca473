package broker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Header is one record header. Header order is preserved end to end and
// duplicate keys are allowed; lookups return the last value.
type Header struct {
	K string `json:"k"`
	V string `json:"v"`
}

// HeaderValue returns the value of the last header named k.
func HeaderValue(headers []Header, k string) (string, bool) {
	for i := len(headers) - 1; i >= 0; i-- {
		if headers[i].K == k {
			return headers[i].V, true
		}
	}
	return "", false
}

// Record is a delivered message. Offset is partition-local; ID is globally
// unique within the topic.
type Record struct {
	Topic        string   `json:"topic"`
	Partition    uint32   `json:"partition"`
	Offset       uint64   `json:"offset"`
	ID           string   `json:"id"`
	Key          string   `json:"key,omitempty"`
	Headers      []Header `json:"headers,omitempty"`
	Payload      []byte   `json:"payload"`
	EnqueuedAtMs int64    `json:"enqueuedAtMs"`
	// Attempts counts failed deliveries before this one.
	Attempts int `json:"attempts"`
}

// Header returns the value of the last header named k.
func (r Record) Header(k string) (string, bool) {
	return HeaderValue(r.Headers, k)
}

// Stored header layout: 8-byte big-endian enqueue time, then the meta JSON.
// The timestamp sits first and fixed-width so retention can read it without
// decoding the JSON.
type headerMeta struct {
	ID      string   `json:"id,omitempty"`
	Key     string   `json:"key,omitempty"`
	Headers []Header `json:"headers,omitempty"`
}

func encodeHeader(enqueuedAtMs int64, meta headerMeta) ([]byte, error) {
	js, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("broker: encode header: %w", err)
	}
	b := make([]byte, 8, 8+len(js))
	binary.BigEndian.PutUint64(b, uint64(enqueuedAtMs))
	return append(b, js...), nil
}

func decodeHeader(b []byte) (int64, headerMeta) {
	var ts int64
	if len(b) >= 8 {
		ts = int64(binary.BigEndian.Uint64(b[:8]))
	}
	var meta headerMeta
	if len(b) > 8 {
		_ = json.Unmarshal(b[8:], &meta)
	}
	return ts, meta
}

// headerTimestamp is the commitlog retention extractor.
func headerTimestamp(header []byte) (int64, bool) {
	if len(header) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(header[:8])), true
}
