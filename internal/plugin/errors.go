package plugin

import (
	"errors"
	"strings"
)

// ErrorKind classifies plugin load failures.
type ErrorKind int

const (
	// ErrCyclicDependency means the plugin participates in a dependency cycle.
	ErrCyclicDependency ErrorKind = iota

	// ErrMissingDependency means a declared dependency was not discovered.
	ErrMissingDependency

	// ErrVersionMismatch means a dependency exists outside the declared range.
	ErrVersionMismatch

	// ErrInitializationFailed means the initialize hook returned an error
	// or panicked.
	ErrInitializationFailed

	// ErrInvalidManifest means the plugin's manifest failed validation.
	ErrInvalidManifest
)

func (k ErrorKind) String() string {
	switch k {
	case ErrCyclicDependency:
		return "cyclic dependency"
	case ErrMissingDependency:
		return "missing dependency"
	case ErrVersionMismatch:
		return "version mismatch"
	case ErrInitializationFailed:
		return "initialization failed"
	case ErrInvalidManifest:
		return "invalid manifest"
	default:
		return "unknown"
	}
}

// LoadError reports why a plugin could not be loaded. Chain names the
// offending dependency path, starting with the plugin itself.
type LoadError struct {
	Kind     ErrorKind
	PluginID string
	Chain    []string
	Err      error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	b.WriteString("plugin ")
	b.WriteString(e.PluginID)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if len(e.Chain) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Chain, " -> "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is matches another *LoadError by kind.
func (e *LoadError) Is(target error) bool {
	var le *LoadError
	if !errors.As(target, &le) {
		return false
	}
	return e.Kind == le.Kind
}

// Lookup errors.
var (
	ErrPluginNotFound = errors.New("plugin: not found")
	ErrAlreadyLoaded  = errors.New("plugin: already loaded")
	ErrNotActive      = errors.New("plugin: not active")
)
