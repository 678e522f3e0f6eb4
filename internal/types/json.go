package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MarshalCompact encodes v without HTML escaping and without a trailing newline.
// Every size measurement and every wire body goes through it so that the
// measured size matches what is actually sent.
func MarshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MarshaledSize returns the length in bytes of the compact encoding of v.
func MarshaledSize(v any) (int, error) {
	b, err := MarshalCompact(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// ID is an identifier that producers send either as a JSON number or a string.
// The literal text is kept so numbers survive re-encoding unchanged.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	s, err := decodeScalar(b)
	if err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(s)
	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return encodeScalar(string(id))
}

func (id ID) String() string { return string(id) }

// Timestamp is an instant sent either as epoch milliseconds or an ISO-8601 string.
type Timestamp string

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	s, err := decodeScalar(b)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*ts = Timestamp(s)
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return encodeScalar(string(ts))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Time parses the timestamp. ok is false when it is empty or unparseable.
func (ts Timestamp) Time() (t time.Time, ok bool) {
	s := string(ts)
	if s == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// decodeScalar accepts a JSON string, a JSON number or null.
func decodeScalar(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func encodeScalar(s string) ([]byte, error) {
	if isJSONNumber(s) {
		return []byte(s), nil
	}
	return MarshalCompact(s)
}

// isJSONNumber reports whether s is an integer literal that JSON would accept.
func isJSONNumber(s string) bool {
	if s == "" {
		return false
	}
	digits := s
	if digits[0] == '-' {
		digits = digits[1:]
	}
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// splitExtra returns the members of the JSON object b whose keys are not known.
func splitExtra(b []byte, known map[string]struct{}) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, v := range all {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}

// mergeExtra encodes v and adds the extra members that v does not already carry.
func mergeExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	b, err := MarshalCompact(v)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := all[k]; !ok {
			all[k] = raw
		}
	}
	return MarshalCompact(all)
}

func keySet(keys ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
