// Package transform evaluates declarative field-mapping schemas against raw
// upstream payloads, producing flat canonical records. The engine is pure:
// identical input yields identical output, inputs are never mutated, and no
// call panics out to the caller.
package transform

// Kind selects the per-field conversion applied after path resolution.
type Kind string

const (
	KindCurrency Kind = "currency"
	KindDate     Kind = "date"
	KindImage    Kind = "image"
	KindString   Kind = "string"
	KindArray    Kind = "array"
)

// FieldMapping is one declarative rule extracting and converting a single
// output field from a raw item.
type FieldMapping struct {
	// OutputKey is the key in the produced record. Unique per schema.
	OutputKey string `json:"outputKey" koanf:"outputKey"`

	// SourcePath is a dot-separated path into the raw item.
	SourcePath string `json:"sourcePath" koanf:"sourcePath"`

	// Transform selects the conversion kind; empty means stringify.
	Transform Kind `json:"transform,omitempty" koanf:"transform"`

	// DefaultValue is used when the path does not resolve.
	DefaultValue string `json:"defaultValue,omitempty" koanf:"defaultValue"`

	// FormatTemplate customizes currency ({symbol}/{amount}) and string
	// ({value} or ${value}) output.
	FormatTemplate string `json:"formatTemplate,omitempty" koanf:"formatTemplate"`

	// ExtractPattern is applied as a regular expression before conversion;
	// on a match the working value becomes capture group 1. Best effort: a
	// non-match leaves the value unchanged.
	ExtractPattern string `json:"extractPattern,omitempty" koanf:"extractPattern"`

	// ConvertToArray wraps a non-slice result in a single-element slice.
	ConvertToArray bool `json:"convertToArray,omitempty" koanf:"convertToArray"`
}

// Schema locates the array of raw items and maps each one to a record.
type Schema struct {
	// DataPath locates the item array within the payload. When empty or
	// unresolvable, a payload that is itself an array is used directly.
	DataPath string `json:"dataPath" koanf:"dataPath"`

	FieldMappings []FieldMapping `json:"fieldMappings" koanf:"fieldMappings"`
}
