package loader

import (
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
)

// JSONLoader loads configuration from JSON files.
type JSONLoader struct {
	fs   FileSystem
	path string
}

// NewJSONLoader creates a JSON loader for the given path.
func NewJSONLoader(path string) *JSONLoader {
	return &JSONLoader{fs: DefaultFS(), path: path}
}

// NewJSONLoaderWithFS creates a JSON loader with a custom file system.
func NewJSONLoaderWithFS(fs FileSystem, path string) *JSONLoader {
	return &JSONLoader{fs: fs, path: path}
}

// Load reads configuration from the configured path.
func (l *JSONLoader) Load() (map[string]any, error) {
	data, err := l.fs.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", l.path, err)
	}

	if !gjson.ValidBytes(data) {
		return nil, &ParseError{Path: l.path, Message: "invalid JSON", Err: errors.New("invalid JSON")}
	}

	parsed := gjson.ParseBytes(data)
	config, ok := parsed.Value().(map[string]any)
	if !ok {
		return nil, &ParseError{Path: l.path, Message: "top-level value must be an object", Err: errors.New("not an object")}
	}
	return config, nil
}
