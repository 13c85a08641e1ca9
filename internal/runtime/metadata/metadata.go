package metadata

import (
	"strconv"
	"time"
)

// Metadata holds the string headers carried with a message.
type Metadata map[string]string

// New builds metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Clone returns a copy that never aliases m. A nil m yields an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Without returns a copy of m with the given keys removed.
func (m Metadata) Without(keys ...string) Metadata {
	out := m.Clone()
	for _, key := range keys {
		delete(out, key)
	}
	return out
}

// Int returns the integer stored under key, or 0.
func (m Metadata) Int(key string) int {
	v, err := strconv.Atoi(m[key])
	if err != nil {
		return 0
	}
	return v
}

// SetInt stores v under key.
func (m Metadata) SetInt(key string, v int) {
	m[key] = strconv.Itoa(v)
}

// Time returns the RFC3339Nano timestamp stored under key.
func (m Metadata) Time(key string) (time.Time, bool) {
	raw, ok := m[key]
	if !ok || raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// SetTime stores ts under key in UTC.
func (m Metadata) SetTime(key string, ts time.Time) {
	m[key] = ts.UTC().Format(time.RFC3339Nano)
}

// CorrelationID returns the correlation id carried by the message, if any.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}
