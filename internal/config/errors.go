package config

import "fmt"

// ErrorKind classifies configuration errors.
type ErrorKind int

const (
	// ErrMissingKey means a required key was absent from every layer.
	ErrMissingKey ErrorKind = iota

	// ErrTypeMismatch means a value could not be coerced to the
	// expected type.
	ErrTypeMismatch

	// ErrSourceUnreadable means a configuration source failed to load.
	ErrSourceUnreadable
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case ErrMissingKey:
		return "missing key"
	case ErrTypeMismatch:
		return "type mismatch"
	case ErrSourceUnreadable:
		return "source unreadable"
	default:
		return "unknown"
	}
}

// Error is a configuration error tied to a key or source.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Key is the dot-separated key path, when applicable.
	Key string

	// Source names the offending source, when applicable.
	Source string

	// Detail describes the failure.
	Detail string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "config: " + e.Kind.String()
	if e.Key != "" {
		msg += fmt.Sprintf(" %q", e.Key)
	}
	if e.Source != "" {
		msg += " (source " + e.Source + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind, so
// errors.Is(err, &Error{Kind: ErrMissingKey}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Key == "" || t.Key == e.Key)
}

func missingKey(key string) *Error {
	return &Error{Kind: ErrMissingKey, Key: key}
}

func typeMismatch(key, want string, got any) *Error {
	return &Error{
		Kind:   ErrTypeMismatch,
		Key:    key,
		Detail: fmt.Sprintf("want %s, got %T", want, got),
	}
}

func sourceUnreadable(source string, err error) *Error {
	return &Error{Kind: ErrSourceUnreadable, Source: source, Detail: err.Error(), Err: err}
}
