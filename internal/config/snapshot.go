package config

import (
	"time"

	"github.com/bsundem/Heimdall/internal/config/layer"
)

// Snapshot is an immutable effective configuration. Readers holding a
// snapshot keep a consistent view regardless of concurrent reloads;
// staleness is detectable by comparing Version against the manager's
// current snapshot.
type Snapshot struct {
	data    map[string]any
	flat    map[string]any
	version uint64
}

func newSnapshot(data map[string]any, version uint64) *Snapshot {
	return &Snapshot{
		data:    data,
		flat:    layer.Flatten(data),
		version: version,
	}
}

// Version returns the snapshot's monotonically increasing version.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Get returns the raw value at the dot-separated key path.
func (s *Snapshot) Get(key string) (any, bool) {
	return layer.GetByPath(s.data, key)
}

// Has reports whether the key path exists.
func (s *Snapshot) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns all flattened key paths in the snapshot.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.flat))
	for k := range s.flat {
		keys = append(keys, k)
	}
	return keys
}

// GetString returns the value at key as a string.
func (s *Snapshot) GetString(key string) (string, error) {
	v, ok := s.Get(key)
	if !ok {
		return "", missingKey(key)
	}
	str, ok := v.(string)
	if !ok {
		return "", typeMismatch(key, "string", v)
	}
	return str, nil
}

// GetInt returns the value at key as an int. Integral values of any
// numeric type are accepted; fractional floats are rejected.
func (s *Snapshot) GetInt(key string) (int, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, missingKey(key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, typeMismatch(key, "int", v)
}

// GetBool returns the value at key as a bool.
func (s *Snapshot) GetBool(key string) (bool, error) {
	v, ok := s.Get(key)
	if !ok {
		return false, missingKey(key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, typeMismatch(key, "bool", v)
	}
	return b, nil
}

// GetFloat returns the value at key as a float64.
func (s *Snapshot) GetFloat(key string) (float64, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, missingKey(key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, typeMismatch(key, "float", v)
}

// GetDuration returns the value at key as a time.Duration. Strings are
// parsed with time.ParseDuration; bare numbers are taken as seconds.
func (s *Snapshot) GetDuration(key string) (time.Duration, error) {
	v, ok := s.Get(key)
	if !ok {
		return 0, missingKey(key)
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, typeMismatch(key, "duration", v)
		}
		return parsed, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case time.Duration:
		return d, nil
	}
	return 0, typeMismatch(key, "duration", v)
}

// GetStringSlice returns the value at key as a []string.
func (s *Snapshot) GetStringSlice(key string) ([]string, error) {
	v, ok := s.Get(key)
	if !ok {
		return nil, missingKey(key)
	}
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...), nil
	case []any:
		result := make([]string, 0, len(vals))
		for _, item := range vals {
			str, ok := item.(string)
			if !ok {
				return nil, typeMismatch(key, "[]string", v)
			}
			result = append(result, str)
		}
		return result, nil
	}
	return nil, typeMismatch(key, "[]string", v)
}

// StringOr returns the value at key, or fallback if absent or mistyped.
func (s *Snapshot) StringOr(key, fallback string) string {
	if v, err := s.GetString(key); err == nil {
		return v
	}
	return fallback
}

// IntOr returns the value at key, or fallback if absent or mistyped.
func (s *Snapshot) IntOr(key string, fallback int) int {
	if v, err := s.GetInt(key); err == nil {
		return v
	}
	return fallback
}

// BoolOr returns the value at key, or fallback if absent or mistyped.
func (s *Snapshot) BoolOr(key string, fallback bool) bool {
	if v, err := s.GetBool(key); err == nil {
		return v
	}
	return fallback
}

// DurationOr returns the value at key, or fallback if absent or mistyped.
func (s *Snapshot) DurationOr(key string, fallback time.Duration) time.Duration {
	if v, err := s.GetDuration(key); err == nil {
		return v
	}
	return fallback
}
