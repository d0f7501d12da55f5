package metadata

import "fmt"

// DefaultNamespace is the namespace of user-defined collections. Collections in any
// other namespace are system collections and never carry filtered relations.
const DefaultNamespace = "api"

type Entity struct {
	Name        string     `json:"name"`
	Namespace   string     `json:"namespace,omitempty"`
	Table       string     `json:"table"`
	PrimaryKey  PrimaryKey `json:"primary_key"`
	DocumentKey string     `json:"document_key,omitempty"` // public identifier column, e.g. "documentId"
	SoftDelete  bool       `json:"soft_delete"`
	Fields      []Field    `json:"fields"`
}

type PrimaryKey struct {
	Field     string `json:"field"`
	Type      string `json:"type"` // uuid, int, bigint, string
	Generated bool   `json:"generated"`
}

// NamespaceOrDefault returns the entity namespace, defaulting to "api".
func (e *Entity) NamespaceOrDefault() string {
	if e.Namespace != "" {
		return e.Namespace
	}
	return DefaultNamespace
}

// CollectionID returns the namespaced identifier "<namespace>::<name>.<name>".
func (e *Entity) CollectionID() string {
	return fmt.Sprintf("%s::%s.%s", e.NamespaceOrDefault(), e.Name, e.Name)
}

// IsAPI reports whether the entity lives in the user-defined namespace.
func (e *Entity) IsAPI() bool {
	return e.NamespaceOrDefault() == DefaultNamespace
}

// PublicID returns the identifier exposed to clients for a record: the document key
// when configured and present, otherwise the primary key.
func (e *Entity) PublicID(record map[string]any) string {
	if e.DocumentKey != "" {
		if v := idString(record[e.DocumentKey]); v != "" {
			return v
		}
	}
	return idString(record[e.PrimaryKey.Field])
}

// IsIdentityField reports whether name refers to one of the record's own identifiers.
func (e *Entity) IsIdentityField(name string) bool {
	return name == "" || name == e.PrimaryKey.Field || (e.DocumentKey != "" && name == e.DocumentKey)
}

// GetField returns a pointer to the field with the given name, or nil.
func (e *Entity) GetField(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the entity has a field with the given name.
func (e *Entity) HasField(name string) bool {
	return e.GetField(name) != nil
}

// FieldNames returns all field names.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// FilteredFields returns the fields whose values are maintained from a filter.
func (e *Entity) FilteredFields() []Field {
	var fields []Field
	for _, f := range e.Fields {
		if f.IsFilteredRelation() {
			fields = append(fields, f)
		}
	}
	return fields
}

// WritableFields returns fields that can be set by the client on create.
// Excludes generated PKs, auto fields and filtered relations.
func (e *Entity) WritableFields() []Field {
	var fields []Field
	for _, f := range e.Fields {
		if f.Name == e.PrimaryKey.Field && e.PrimaryKey.Generated {
			continue
		}
		if f.IsAuto() || f.IsFilteredRelation() {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// UpdatableFields returns fields that can be set on UPDATE.
func (e *Entity) UpdatableFields() []Field {
	var fields []Field
	for _, f := range e.Fields {
		if f.Name == e.PrimaryKey.Field || f.Name == e.DocumentKey {
			continue
		}
		if f.IsAuto() || f.Name == "deleted_at" {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

func idString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// IDString renders an identifier value (string, number or bytes) as a string.
// Nil renders as the empty string.
func IDString(v any) string {
	return idString(v)
}
