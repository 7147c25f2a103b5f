package topic

import "strings"

// Topic is a hierarchical event type using dot notation.
// Examples: "task.completed", "config.changed", "export.csv.completed"
type Topic string

const (
	// Wildcard matches any remaining segments when it is the last
	// segment of a pattern ("export.*" matches "export.csv.completed").
	Wildcard = "*"

	// Separator splits topic segments.
	Separator = "."
)

// String returns the topic as a string.
func (t Topic) String() string {
	return string(t)
}

// Segments returns the topic split by the separator.
func (t Topic) Segments() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), Separator)
}

// Base returns the last segment of the topic.
func (t Topic) Base() string {
	s := string(t)
	idx := strings.LastIndex(s, Separator)
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

// Child returns a child topic by appending a segment.
func (t Topic) Child(segment string) Topic {
	if t == "" {
		return Topic(segment)
	}
	return Topic(string(t) + Separator + segment)
}

// IsPattern returns true if the topic ends with the wildcard segment.
func (t Topic) IsPattern() bool {
	return t == Wildcard || strings.HasSuffix(string(t), Separator+Wildcard)
}

// IsValid reports whether the topic is well formed. A valid topic is
// non-empty, has no empty segments, and contains the wildcard only as
// its final segment.
func (t Topic) IsValid() bool {
	s := string(t)
	if s == "" {
		return false
	}
	segs := t.Segments()
	for i, seg := range segs {
		if seg == "" {
			return false
		}
		if seg == Wildcard && i != len(segs)-1 {
			return false
		}
	}
	return true
}

// Matches reports whether this concrete topic matches the given pattern.
// The pattern is either an exact topic or a trailing-wildcard prefix.
func (t Topic) Matches(pattern Topic) bool {
	if pattern == Wildcard {
		return t != ""
	}
	if !pattern.IsPattern() {
		return t == pattern
	}
	prefix := string(pattern[:len(pattern)-len(Separator+Wildcard)])
	s := string(t)
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	// Prefix must end on a segment boundary.
	return len(s) > len(prefix) && s[len(prefix)] == '.'
}

// Join joins segments into a topic.
func Join(segments ...string) Topic {
	return Topic(strings.Join(segments, Separator))
}
