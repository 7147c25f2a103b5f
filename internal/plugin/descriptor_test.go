package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	pluginDir := filepath.Join(dir, "test-plugin")
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	path := filepath.Join(pluginDir, ManifestName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDescriptor(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `
id = "finance"
version = "1.2.0"
display_name = "Finance"
kind = "lua"
main = "init.lua"
capabilities = ["export", "ui"]

[[dependencies]]
id = "core-data"
range = ">= 1.0.0, < 2.0.0"
`)

	d, err := LoadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, "finance", d.ID)
	assert.Equal(t, KindLua, d.Kind)
	assert.True(t, d.HasCapability(CapabilityExport))
	assert.False(t, d.HasCapability(CapabilityAnalysis))
	require.Len(t, d.Dependencies, 1)
	assert.Equal(t, "core-data", d.Dependencies[0].ID)
	assert.Equal(t, "1.2.0", d.Semver().String())
	assert.Equal(t, filepath.Join(d.Path(), "init.lua"), d.MainPath())
}

func TestLoadDescriptorDefaults(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `
id = "minimal"
version = "0.1.0"
`)

	d, err := LoadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, KindLua, d.Kind)
	assert.Equal(t, "init.lua", d.Main)
}

func TestDescriptorValidation(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"missing id", `version = "1.0.0"`},
		{"uppercase id", "id = \"Bad\"\nversion = \"1.0.0\""},
		{"bad version", "id = \"p\"\nversion = \"not-semver\""},
		{"bad kind", "id = \"p\"\nversion = \"1.0.0\"\nkind = \"wasm\""},
		{"non-lua main", "id = \"p\"\nversion = \"1.0.0\"\nmain = \"init.py\""},
		{"unknown capability", "id = \"p\"\nversion = \"1.0.0\"\ncapabilities = [\"network\"]"},
		{"bad dependency range", "id = \"p\"\nversion = \"1.0.0\"\n[[dependencies]]\nid = \"q\"\nrange = \"not a range\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, t.TempDir(), tt.manifest)
			_, err := LoadDescriptor(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, &LoadError{Kind: ErrInvalidManifest})
		})
	}
}
