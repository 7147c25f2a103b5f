// Package plugin implements Heimdall's plugin runtime: discovery of
// manifests, dependency resolution, and lifecycle management. Plugins
// interact with the rest of the system only through the capability
// handle passed at initialization.
package plugin

import (
	"context"

	"github.com/bsundem/Heimdall/internal/export"
)

// Plugin is implemented by every plugin, compiled-in or scripted.
type Plugin interface {
	// Descriptor returns the plugin's static metadata.
	Descriptor() *Descriptor

	// Initialize is called once, in dependency order, with the plugin's
	// capability handle. Registrations made through the handle are
	// rolled back if an error is returned.
	Initialize(ctx context.Context, caps *Capabilities) error

	// Shutdown is called in reverse initialization order. Remaining
	// subscriptions and services are removed afterwards regardless of
	// the returned error.
	Shutdown(ctx context.Context) error
}

// UIProvider is implemented by plugins contributing UI components.
// The orchestrator skips this hook in headless mode.
type UIProvider interface {
	UIComponents() []UIComponent
}

// UIComponent describes one contributed UI surface. The core never
// renders it; the UI collaborator resolves Name against its widget set.
type UIComponent struct {
	Name      string
	Title     string
	Placement string
}

// ExportProvider is implemented by plugins offering exportable data.
type ExportProvider interface {
	ExportSources() []export.Source
}

// Factory constructs a compiled-in plugin instance.
type Factory func() Plugin
