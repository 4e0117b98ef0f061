package store

import (
	"fmt"
	"time"

	"github.com/roach88/ghcoord/internal/value"
)

// marshalPayload converts a value to canonical JSON TEXT for storage.
// Canonical bytes make stored payloads comparable with a string compare.
func marshalPayload(v value.Value) (string, error) {
	if v == nil {
		v = value.Null{}
	}
	data, err := value.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses stored JSON TEXT back into a value.
func unmarshalPayload(data string) (value.Value, error) {
	v, err := value.Parse([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}

// unmarshalObject parses a stored dict entry. Anything but an object means
// the row was not written by this package.
func unmarshalObject(data string) (value.Object, error) {
	if data == "" || data == "{}" {
		return value.Object{}, nil
	}
	v, err := unmarshalPayload(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(value.Object)
	if !ok {
		return nil, fmt.Errorf("unmarshal entry: expected object, got %s", value.Kind(v))
	}
	return obj, nil
}

// timestamp renders the informational created_at column.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
