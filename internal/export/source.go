// Package export defines the contract between data-owning plugins and
// export format encoders. The core only brokers registration; encoders
// and their formats live outside it.
package export

// Source is an exportable data set offered by a plugin.
type Source interface {
	// Rows returns the data as ordered field-to-value mappings.
	Rows() ([]map[string]any, error)

	// FieldNames returns the ordered column names.
	FieldNames() []string

	// SuggestedFileName returns a base file name without extension.
	SuggestedFileName() string
}
