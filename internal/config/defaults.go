package config

// BuiltinDefaults returns Heimdall's built-in default configuration. Callers
// layer files, environment variables, and explicit overrides on top.
func BuiltinDefaults() map[string]any {
	return map[string]any{
		"app": map[string]any{
			"name":          "Heimdall",
			"version":       "0.1.0",
			"logging_level": "INFO",
		},
		"plugins": map[string]any{
			"enabled": []any{"finance"},
			"paths":   []any{"plugins"},
		},
		"tasks": map[string]any{
			"workers":      4,
			"queue_size":   256,
			"backpressure": "block",
			"retention":    "5m",
			"grace_period": "10s",
		},
		"ui": map[string]any{
			"theme":         "light",
			"window_width":  1200,
			"window_height": 800,
		},
		"export": map[string]any{
			"default_format": "csv",
			"default_path":   "~/Documents/Heimdall/exports",
		},
		"r_integration": map[string]any{
			"enabled": true,
			"timeout": "30s",
		},
	}
}
