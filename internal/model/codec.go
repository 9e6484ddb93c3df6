package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
)

// Key order used for keys an event or series did not have when it was read.
var (
	eventKeyOrder = []string{
		"id", "name", "url", "startDate", "endDate",
		"venue", "address", "country", "locale", "ageRestriction",
		"translations", "latLng", "canceled", "sources",
	}
	seriesKeyOrder = []string{"name", "url", "events"}
)

// DecodeSeries reads a series document, remembering key order and unknown
// keys at both the series and the event level. JSON nulls are treated as
// absent.
func DecodeSeries(r io.Reader) (*Series, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var s Series
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Events == nil {
		s.Events = []Event{}
	}
	return &s, nil
}

// EncodeSeries writes s with two-space indentation, without HTML escaping
// and with a trailing newline.
func EncodeSeries(w io.Writer, s *Series) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func (s *Series) UnmarshalJSON(b []byte) error {
	keys, vals, err := readObject(b)
	if err != nil {
		return fmt.Errorf("model: series: %w", err)
	}
	*s = Series{keys: keys}
	for _, k := range keys {
		raw := vals[k]
		if isNull(raw) {
			continue
		}
		switch k {
		case "name":
			err = json.Unmarshal(raw, &s.Name)
		case "url":
			err = json.Unmarshal(raw, &s.URL)
		case "events":
			err = json.Unmarshal(raw, &s.Events)
		default:
			if s.extra == nil {
				s.extra = make(map[string]json.RawMessage)
			}
			s.extra[k] = raw
		}
		if err != nil {
			return fmt.Errorf("model: series key %q: %w", k, err)
		}
	}
	return nil
}

func (s Series) MarshalJSON() ([]byte, error) {
	var w objectWriter
	for _, k := range orderKeys(s.keys, seriesKeyOrder, s.extra) {
		switch k {
		case "name":
			w.addString(k, s.Name)
		case "url":
			w.addString(k, s.URL)
		case "events":
			events := s.Events
			if events == nil {
				events = []Event{}
			}
			w.addValue(k, events)
		default:
			w.addRaw(k, s.extra[k])
		}
	}
	return w.bytes()
}

func (e *Event) UnmarshalJSON(b []byte) error {
	keys, vals, err := readObject(b)
	if err != nil {
		return fmt.Errorf("model: event: %w", err)
	}
	*e = Event{keys: keys}
	for _, k := range keys {
		raw := vals[k]
		if isNull(raw) {
			continue
		}
		switch k {
		case "id":
			err = json.Unmarshal(raw, &e.ID)
		case "name":
			err = json.Unmarshal(raw, &e.Name)
		case "url":
			err = json.Unmarshal(raw, &e.URL)
		case "startDate":
			err = json.Unmarshal(raw, &e.StartDate)
		case "endDate":
			err = json.Unmarshal(raw, &e.EndDate)
		case "venue":
			err = json.Unmarshal(raw, &e.Venue)
		case "address":
			err = json.Unmarshal(raw, &e.Address)
		case "country":
			err = json.Unmarshal(raw, &e.Country)
		case "locale":
			err = json.Unmarshal(raw, &e.Locale)
		case "ageRestriction":
			e.AgeRestriction = slices.Clone(raw)
		case "latLng":
			var ll LatLng
			if err = json.Unmarshal(raw, &ll); err == nil {
				e.LatLng = &ll
			}
		case "canceled":
			err = json.Unmarshal(raw, &e.Canceled)
		case "sources":
			err = json.Unmarshal(raw, &e.Sources)
		default:
			e.SetExtra(k, slices.Clone(raw))
		}
		if err != nil {
			return fmt.Errorf("model: event key %q: %w", k, err)
		}
	}
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	var w objectWriter
	for _, k := range orderKeys(e.keys, eventKeyOrder, e.extra) {
		switch k {
		case "id":
			w.addString(k, e.ID)
		case "name":
			w.addString(k, e.Name)
		case "url":
			w.addString(k, e.URL)
		case "startDate":
			if !e.StartDate.IsZero() {
				w.addString(k, e.StartDate.String())
			}
		case "endDate":
			if !e.EndDate.IsZero() {
				w.addString(k, e.EndDate.String())
			}
		case "venue":
			w.addString(k, e.Venue)
		case "address":
			w.addString(k, e.Address)
		case "country":
			w.addString(k, e.Country)
		case "locale":
			w.addString(k, e.Locale)
		case "ageRestriction":
			w.addRaw(k, e.AgeRestriction)
		case "latLng":
			if e.LatLng != nil {
				w.addValue(k, *e.LatLng)
			}
		case "canceled":
			if e.Canceled {
				w.addValue(k, true)
			}
		case "sources":
			if len(e.Sources) > 0 {
				w.addValue(k, e.Sources)
			}
		default:
			w.addRaw(k, e.extra[k])
		}
	}
	return w.bytes()
}

// orderKeys returns the keys read from disk, followed by known keys in
// assembly order, followed by remaining unknown keys sorted by name.
func orderKeys(seen, known []string, extra map[string]json.RawMessage) []string {
	out := make([]string, 0, len(seen)+len(known)+len(extra))
	done := make(map[string]bool, cap(out))
	add := func(k string) {
		if !done[k] {
			done[k] = true
			out = append(out, k)
		}
	}
	for _, k := range seen {
		add(k)
	}
	for _, k := range known {
		add(k)
	}
	rest := make([]string, 0, len(extra))
	for k := range extra {
		if !done[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		add(k)
	}
	return out
}

// readObject splits a JSON object into its keys (in document order) and raw
// values. Repeated keys keep their first position and last value.
func readObject(b []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errors.New("expected a JSON object")
	}

	var keys []string
	vals := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, err
		}
		if _, dup := vals[key]; !dup {
			keys = append(keys, key)
		}
		vals[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, vals, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// objectWriter assembles a compact JSON object. Absent values are dropped
// by the add helpers; the first encoding error is reported by bytes.
type objectWriter struct {
	buf bytes.Buffer
	n   int
	err error
}

func (w *objectWriter) addString(key, v string) {
	if v == "" {
		return
	}
	w.addValue(key, v)
}

func (w *objectWriter) addRaw(key string, raw json.RawMessage) {
	if isNull(raw) {
		return
	}
	w.writeKey(key)
	w.buf.Write(raw)
}

func (w *objectWriter) addValue(key string, v any) {
	if w.err != nil {
		return
	}
	b, err := marshalNoEscape(v)
	if err != nil {
		w.err = fmt.Errorf("model: key %q: %w", key, err)
		return
	}
	w.writeKey(key)
	w.buf.Write(b)
}

func (w *objectWriter) writeKey(key string) {
	if w.n == 0 {
		w.buf.WriteByte('{')
	} else {
		w.buf.WriteByte(',')
	}
	w.n++
	k, _ := marshalNoEscape(key)
	w.buf.Write(k)
	w.buf.WriteByte(':')
}

func (w *objectWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.n == 0 {
		return []byte("{}"), nil
	}
	w.buf.WriteByte('}')
	return w.buf.Bytes(), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
