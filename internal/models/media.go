package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MediaKind is the kind of a media stream
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// ProducerRecord remembers an active stream so it can be announced to late joiners
type ProducerRecord struct {
	ProducerID string    `json:"producerId"`
	UserID     string    `json:"userId"`
	Kind       MediaKind `json:"kind"`
	AppData    AppData   `json:"appData"`
}

// AppDataEntry is one key of an AppData bag
type AppDataEntry struct {
	Key   string
	Value any
}

// AppData is an ordered bag of primitive values attached to a stream by the
// client. It is stored and replayed verbatim; key order survives a round trip.
type AppData []AppDataEntry

var errAppDataNested = errors.New("appData values must be primitives")

// Get returns the value stored under key
func (a AppData) Get(key string) (any, bool) {
	for _, e := range a {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// MarshalJSON encodes the bag as a JSON object in insertion order
func (a AppData) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("appData %q: %w", e.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a flat JSON object, keeping key order.
// Numbers are kept as json.Number so they replay without precision loss.
func (a *AppData) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("appData must be an object")
	}

	out := AppData{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("appData key must be a string")
		}
		val, err := dec.Token()
		if err != nil {
			return err
		}
		if _, nested := val.(json.Delim); nested {
			return fmt.Errorf("appData %q: %w", key, errAppDataNested)
		}
		out = append(out, AppDataEntry{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}
