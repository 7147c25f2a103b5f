package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
)

// Kind identifies how a plugin is implemented.
type Kind string

const (
	// KindGo is a compiled-in plugin registered through a factory.
	KindGo Kind = "go"

	// KindLua is a scripted plugin executed by the Lua host.
	KindLua Kind = "lua"
)

// Capability flags a plugin may advertise.
type Capability string

const (
	// CapabilityUI marks plugins contributing UI components.
	CapabilityUI Capability = "ui"

	// CapabilityExport marks plugins contributing exportable sources.
	CapabilityExport Capability = "export"

	// CapabilityAnalysis marks plugins contributing analysis services.
	CapabilityAnalysis Capability = "analysis"

	// CapabilityCommands marks plugins handling command events.
	CapabilityCommands Capability = "commands"
)

var validCapabilities = map[Capability]bool{
	CapabilityUI:       true,
	CapabilityExport:   true,
	CapabilityAnalysis: true,
	CapabilityCommands: true,
}

// Dependency declares a required plugin and an acceptable version range.
type Dependency struct {
	ID    string `toml:"id"`
	Range string `toml:"range"`
}

// Descriptor is the static metadata of a discovered plugin. Descriptors
// are immutable data; no plugin code runs until resolution succeeds.
type Descriptor struct {
	ID           string       `toml:"id"`
	Version      string       `toml:"version"`
	DisplayName  string       `toml:"display_name"`
	Description  string       `toml:"description"`
	Author       string       `toml:"author"`
	Kind         Kind         `toml:"kind"`
	Main         string       `toml:"main"`
	Dependencies []Dependency `toml:"dependencies"`
	Capabilities []Capability `toml:"capabilities"`

	path   string
	semver *semver.Version
}

// idPattern constrains plugin ids to lowercase alphanumerics and hyphens.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// ManifestName is the per-plugin manifest file name.
const ManifestName = "plugin.toml"

// LoadDescriptor reads and validates a plugin manifest.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var d Descriptor
	if err := toml.Unmarshal(data, &d); err != nil {
		return nil, &LoadError{Kind: ErrInvalidManifest, PluginID: filepath.Base(filepath.Dir(path)), Err: err}
	}
	d.path = filepath.Dir(path)
	d.applyDefaults()

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Descriptor) applyDefaults() {
	if d.Kind == "" {
		d.Kind = KindLua
	}
	if d.Kind == KindLua && d.Main == "" {
		d.Main = "init.lua"
	}
	if d.Version == "" {
		d.Version = "0.0.0"
	}
}

// Validate checks the descriptor's identity, version, and declarations.
func (d *Descriptor) Validate() error {
	fail := func(err error) *LoadError {
		return &LoadError{Kind: ErrInvalidManifest, PluginID: d.ID, Err: err}
	}

	if d.ID == "" {
		return fail(fmt.Errorf("id is required"))
	}
	if !idPattern.MatchString(d.ID) {
		return fail(fmt.Errorf("id %q must be lowercase alphanumeric with hyphens", d.ID))
	}

	v, err := semver.NewVersion(d.Version)
	if err != nil {
		return fail(fmt.Errorf("version %q: %w", d.Version, err))
	}
	d.semver = v

	switch d.Kind {
	case KindGo:
	case KindLua:
		if filepath.Ext(d.Main) != ".lua" {
			return fail(fmt.Errorf("main %q must be a .lua file", d.Main))
		}
	default:
		return fail(fmt.Errorf("unknown kind %q", d.Kind))
	}

	for _, dep := range d.Dependencies {
		if dep.ID == "" {
			return fail(fmt.Errorf("dependency id is required"))
		}
		if dep.Range != "" {
			if _, err := semver.NewConstraint(dep.Range); err != nil {
				return fail(fmt.Errorf("dependency %s range %q: %w", dep.ID, dep.Range, err))
			}
		}
	}

	for _, c := range d.Capabilities {
		if !validCapabilities[c] {
			return fail(fmt.Errorf("unknown capability %q", c))
		}
	}
	return nil
}

// Semver returns the parsed version. Validate must have succeeded.
func (d *Descriptor) Semver() *semver.Version {
	if d.semver == nil {
		d.semver, _ = semver.NewVersion(d.Version)
	}
	return d.semver
}

// Path returns the plugin's directory, empty for compiled-in plugins.
func (d *Descriptor) Path() string { return d.path }

// MainPath returns the full path of the Lua entry point.
func (d *Descriptor) MainPath() string { return filepath.Join(d.path, d.Main) }

// HasCapability reports whether the plugin advertises the capability.
func (d *Descriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (d *Descriptor) String() string {
	name := d.DisplayName
	if name == "" {
		name = d.ID
	}
	return fmt.Sprintf("%s v%s", name, d.Version)
}
