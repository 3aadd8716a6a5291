package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// naiveLayout matches ISO-8601 timestamps written without a zone by
// earlier tooling. A trailing fractional second is accepted when parsing.
const naiveLayout = "2006-01-02T15:04:05"

// ParseTimestamp parses an RFC3339 timestamp, falling back to a zone-less
// ISO-8601 one read in local time. An empty string is the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(naiveLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	return t, nil
}

// Timestamp decodes a JSON timestamp with ParseTimestamp. Documents are
// always written back as RFC3339 through plain time.Time fields.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}
