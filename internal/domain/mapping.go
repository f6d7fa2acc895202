package domain

// SourceType selects where a mapping rule reads its raw value from.
type SourceType string

const (
	SourceField    SourceType = "field"
	SourceConstant SourceType = "constant"
	SourceTemplate SourceType = "template"
	SourceLookup   SourceType = "lookup"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceField, SourceConstant, SourceTemplate, SourceLookup:
		return true
	}
	return false
}

type TransformKind string

const (
	TransformNone        TransformKind = ""
	TransformUppercase   TransformKind = "uppercase"
	TransformLowercase   TransformKind = "lowercase"
	TransformStripMarkup TransformKind = "strip_markup"
	TransformTruncate    TransformKind = "truncate"
)

func (t TransformKind) Valid() bool {
	switch t {
	case TransformNone, TransformUppercase, TransformLowercase, TransformStripMarkup, TransformTruncate:
		return true
	}
	return false
}

// MappingRule derives one registration payload field from a source record.
type MappingRule struct {
	SourceType     SourceType    `yaml:"source_type" json:"source_type" validate:"required"`
	SourceValue    string        `yaml:"source_value" json:"source_value"`
	TargetField    string        `yaml:"target_field" json:"target_field" validate:"required"`
	Transformation TransformKind `yaml:"transformation,omitempty" json:"transformation,omitempty"`
	FallbackValue  string        `yaml:"fallback_value,omitempty" json:"fallback_value,omitempty"`
}
