package metadata

import "fmt"

// Field kinds.
const (
	KindAttribute        = "attribute"
	KindFilteredRelation = "filtered_relation"
)

// PlaceholderDocumentID is replaced by the owner's public identifier in filter values.
const PlaceholderDocumentID = "{{documentId}}"

type Field struct {
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Kind      string        `json:"kind,omitempty"` // attribute (default), filtered_relation
	Required  bool          `json:"required,omitempty"`
	Unique    bool          `json:"unique,omitempty"`
	Default   any           `json:"default,omitempty"`
	Nullable  bool          `json:"nullable,omitempty"`
	Enum      []string      `json:"enum,omitempty"`
	Precision int           `json:"precision,omitempty"`
	Auto      string        `json:"auto,omitempty"` // "create" or "update"
	Filter    *FilterConfig `json:"filter,omitempty"`
}

// FilterConfig describes how a filtered-relation field selects its records.
// Empty strings mean "not configured".
type FilterConfig struct {
	TargetCollection string `json:"targetCollection"`
	FilterField1     string `json:"filterField1,omitempty"`
	FilterValue1     string `json:"filterValue1,omitempty"`
	FilterField2     string `json:"filterField2,omitempty"`
	FilterValue2     string `json:"filterValue2,omitempty"`
	DisplayField     string `json:"displayField,omitempty"`
	StatusField      string `json:"statusField,omitempty"`
}

// IsFilteredRelation reports whether the field is maintained from a filter.
func (f Field) IsFilteredRelation() bool {
	return f.Kind == KindFilteredRelation && f.Filter != nil
}

// IsAuto returns true if the field is auto-managed by the engine.
func (f Field) IsAuto() bool {
	return f.Auto == "create" || f.Auto == "update"
}

// PostgresType returns the Postgres DDL type for this field.
func (f Field) PostgresType() string {
	if f.Kind == KindFilteredRelation {
		return "TEXT"
	}
	switch f.Type {
	case "string", "text":
		return "TEXT"
	case "int":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "decimal":
		if f.Precision > 0 {
			return fmt.Sprintf("NUMERIC(18,%d)", f.Precision)
		}
		return "NUMERIC"
	case "boolean":
		return "BOOLEAN"
	case "uuid":
		return "UUID"
	case "timestamp":
		return "TIMESTAMPTZ"
	case "date":
		return "DATE"
	case "json":
		return "JSONB"
	default:
		return "TEXT"
	}
}

// SQLiteType returns the SQLite DDL type for this field.
func (f Field) SQLiteType() string {
	if f.Kind == KindFilteredRelation {
		return "TEXT"
	}
	switch f.Type {
	case "int", "bigint", "boolean":
		return "INTEGER"
	case "decimal":
		return "REAL"
	default:
		return "TEXT"
	}
}
