package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTOMLLoader(t *testing.T) {
	path := writeFile(t, "app.toml", `
[app]
name = "Heimdall"
logging_level = "INFO"

[export]
default_format = "csv"
`)

	config, err := NewTOMLLoader(path).Load()
	require.NoError(t, err)

	app, ok := config["app"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Heimdall", app["name"])
}

func TestTOMLLoaderMissingFileIsNotError(t *testing.T) {
	config, err := NewTOMLLoader("/nonexistent/app.toml").Load()
	assert.NoError(t, err)
	assert.Nil(t, config)
}

func TestTOMLLoaderParseError(t *testing.T) {
	path := writeFile(t, "bad.toml", "not [valid toml")

	_, err := NewTOMLLoader(path).Load()
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, path, perr.Path)
}

func TestYAMLLoader(t *testing.T) {
	path := writeFile(t, "app.yaml", `
app:
  name: Heimdall
plugins:
  enabled: [finance]
`)

	config, err := NewYAMLLoader(path).Load()
	require.NoError(t, err)

	plugins, ok := config["plugins"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"finance"}, plugins["enabled"])
}

func TestJSONLoader(t *testing.T) {
	path := writeFile(t, "app.json", `{"ui": {"theme": "dark", "window_width": 1200}}`)

	config, err := NewJSONLoader(path).Load()
	require.NoError(t, err)

	ui, ok := config["ui"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dark", ui["theme"])
	assert.Equal(t, float64(1200), ui["window_width"])
}

func TestJSONLoaderRejectsInvalid(t *testing.T) {
	path := writeFile(t, "bad.json", `{"ui": `)

	_, err := NewJSONLoader(path).Load()
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestJSONLoaderRejectsNonObject(t *testing.T) {
	path := writeFile(t, "arr.json", `[1, 2, 3]`)

	_, err := NewJSONLoader(path).Load()
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestForFile(t *testing.T) {
	assert.IsType(t, &TOMLLoader{}, ForFile("config.toml"))
	assert.IsType(t, &YAMLLoader{}, ForFile("config.yaml"))
	assert.IsType(t, &YAMLLoader{}, ForFile("config.yml"))
	assert.IsType(t, &JSONLoader{}, ForFile("config.json"))
	assert.IsType(t, &TOMLLoader{}, ForFile("config"))
}

func TestEnvLoader(t *testing.T) {
	environ := func() []string {
		return []string{
			"APP_EXPORT_DEFAULT_FORMAT=xlsx",
			"APP_UI_WINDOW_WIDTH=1600",
			"APP_TASKS_WORKERS=4",
			"APP_APP_NAME=Heimdall",
			"PATH=/usr/bin",
		}
	}

	config, err := NewEnvLoaderWithEnviron(DefaultEnvPrefix, environ).Load()
	require.NoError(t, err)

	format, _ := getByPath(config, "export.default_format")
	assert.Equal(t, "xlsx", format)
	width, _ := getByPath(config, "ui.window_width")
	assert.Equal(t, int64(1600), width)
	workers, _ := getByPath(config, "tasks.workers")
	assert.Equal(t, int64(4), workers)
	name, _ := getByPath(config, "app.name")
	assert.Equal(t, "Heimdall", name)
	_, found := config["path"]
	assert.False(t, found, "unprefixed variables are ignored")
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"FALSE", false},
		{"on", true},
		{"42", int64(42)},
		{"3.14", 3.14},
		{"hello", "hello"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, parseValue(tt.in), "input %q", tt.in)
	}
}

// getByPath mirrors layer.GetByPath for test assertions without
// importing the layer package.
func getByPath(data map[string]any, path string) (any, bool) {
	current := any(data)
	for _, part := range splitPath(path) {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		v, exists := m[part]
		if !exists {
			return nil, false
		}
		current = v
	}
	return current, true
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}
