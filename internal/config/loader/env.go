package loader

import (
	"os"
	"strconv"
	"strings"
)

// DefaultEnvPrefix is the environment variable prefix for Heimdall
// configuration overrides.
const DefaultEnvPrefix = "APP_"

// EnvLoader loads configuration from environment variables. A variable
// PREFIX_SECTION_KEY maps to the config path "section.key"; additional
// underscores stay in the key ("APP_EXPORT_DEFAULT_FORMAT" maps to
// "export.default_format").
type EnvLoader struct {
	prefix  string
	environ func() []string
}

// NewEnvLoader creates an environment loader. The prefix should include
// the trailing underscore (e.g. "APP_").
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{prefix: prefix, environ: os.Environ}
}

// NewEnvLoaderWithEnviron creates a loader reading from a custom
// environment snapshot, for tests.
func NewEnvLoaderWithEnviron(prefix string, environ func() []string) *EnvLoader {
	return &EnvLoader{prefix: prefix, environ: environ}
}

// Load scans the environment for prefixed variables and returns a
// nested configuration map.
func (l *EnvLoader) Load() (map[string]any, error) {
	config := make(map[string]any)

	for _, env := range l.environ() {
		if !strings.HasPrefix(env, l.prefix) {
			continue
		}

		name, value, found := strings.Cut(env, "=")
		if !found {
			continue
		}

		path := l.envToPath(name)
		if path == "" {
			continue
		}
		setByPath(config, path, parseValue(value))
	}

	return config, nil
}

// envToPath converts APP_EXPORT_DEFAULT_FORMAT to export.default_format.
// The first underscore-separated token after the prefix is the section;
// the remaining tokens form the key.
func (l *EnvLoader) envToPath(env string) string {
	name := strings.TrimPrefix(env, l.prefix)
	section, key, found := strings.Cut(name, "_")
	if section == "" {
		return ""
	}
	if !found || key == "" {
		return strings.ToLower(section)
	}
	return strings.ToLower(section) + "." + strings.ToLower(key)
}

// parseValue coerces an environment string into bool, int, or float
// where unambiguous, otherwise keeps it as a string.
func parseValue(s string) any {
	lower := strings.ToLower(s)
	switch lower {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data
	for i := 0; i < len(parts)-1; i++ {
		if next, ok := current[parts[i]].(map[string]any); ok {
			current = next
		} else {
			next := make(map[string]any)
			current[parts[i]] = next
			current = next
		}
	}
	current[parts[len(parts)-1]] = value
}
