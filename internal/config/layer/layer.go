// Package layer models configuration layers and their priority-based
// merging. Higher priority layers override values from lower priority
// layers key-by-key, not layer-by-layer.
package layer

import "time"

// Layer is one configuration source's contribution.
type Layer struct {
	// Name identifies the layer (e.g. "defaults", "file:app.toml").
	Name string

	// Priority determines merge order (higher overrides lower).
	Priority int

	// Source indicates where this layer was loaded from.
	Source Source

	// Path is the file path, if loaded from a file.
	Path string

	// Data holds the configuration values as a nested map.
	Data map[string]any

	// LoadTime is when the layer was last loaded.
	LoadTime time.Time
}

// NewLayer creates an empty layer.
func NewLayer(name string, source Source, priority int) *Layer {
	return &Layer{
		Name:     name,
		Source:   source,
		Priority: priority,
		Data:     make(map[string]any),
		LoadTime: time.Now(),
	}
}

// NewLayerWithData creates a layer with initial data.
func NewLayerWithData(name string, source Source, priority int, data map[string]any) *Layer {
	return &Layer{
		Name:     name,
		Source:   source,
		Priority: priority,
		Data:     data,
		LoadTime: time.Now(),
	}
}

// Clone creates a deep copy of the layer.
func (l *Layer) Clone() *Layer {
	clone := *l
	clone.Data = cloneMap(l.Data)
	return &clone
}

// Source indicates where a configuration layer came from.
type Source uint8

const (
	// SourceBuiltin is compiled-in default configuration.
	SourceBuiltin Source = iota
	// SourceFile is a configuration file supplied by the caller.
	SourceFile
	// SourceEnv is environment variables.
	SourceEnv
	// SourceOverride is explicit runtime overrides (CLI flags, Set calls).
	SourceOverride
)

// String returns a human-readable name for the source.
func (s Source) String() string {
	switch s {
	case SourceBuiltin:
		return "defaults"
	case SourceFile:
		return "file"
	case SourceEnv:
		return "environment"
	case SourceOverride:
		return "override"
	default:
		return "unknown"
	}
}

// Standard priority levels. Later sources in the load order win, so
// defaults < file < environment < override.
const (
	PriorityBuiltin  = 0
	PriorityFile     = 100
	PriorityEnv      = 200
	PriorityOverride = 300
)

// DefaultPriority returns the standard priority for a source.
func DefaultPriority(source Source) int {
	switch source {
	case SourceBuiltin:
		return PriorityBuiltin
	case SourceFile:
		return PriorityFile
	case SourceEnv:
		return PriorityEnv
	case SourceOverride:
		return PriorityOverride
	default:
		return PriorityBuiltin
	}
}

// cloneMap creates a deep copy of a map.
func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}

	dst := make(map[string]any, len(src))
	for key, val := range src {
		switch v := val.(type) {
		case map[string]any:
			dst[key] = cloneMap(v)
		case []any:
			dst[key] = cloneSlice(v)
		default:
			dst[key] = val
		}
	}
	return dst
}

// cloneSlice creates a deep copy of a slice.
func cloneSlice(src []any) []any {
	if src == nil {
		return nil
	}

	dst := make([]any, len(src))
	for i, val := range src {
		switch v := val.(type) {
		case map[string]any:
			dst[i] = cloneMap(v)
		case []any:
			dst[i] = cloneSlice(v)
		default:
			dst[i] = val
		}
	}
	return dst
}
