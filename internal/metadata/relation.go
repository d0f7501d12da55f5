package metadata

type Relation struct {
	Name          string `json:"name"`
	Type          string `json:"type"` // one_to_one, one_to_many, many_to_many
	Source        string `json:"source"`
	Target        string `json:"target"`
	SourceKey     string `json:"source_key"`
	TargetKey     string `json:"target_key,omitempty"`
	JoinTable     string `json:"join_table,omitempty"`
	SourceJoinKey string `json:"source_join_key,omitempty"`
	TargetJoinKey string `json:"target_join_key,omitempty"`
	OnDelete      string `json:"on_delete,omitempty"` // cascade, set_null, detach
	Fetch         string `json:"fetch,omitempty"`     // lazy (default), eager, count
}

func (r *Relation) IsManyToMany() bool {
	return r.Type == "many_to_many"
}

func (r *Relation) IsOneToMany() bool {
	return r.Type == "one_to_many"
}

func (r *Relation) IsOneToOne() bool {
	return r.Type == "one_to_one"
}

// DefaultFetch returns the fetch strategy, defaulting to "lazy".
func (r *Relation) DefaultFetch() string {
	if r.Fetch != "" {
		return r.Fetch
	}
	return "lazy"
}

// IsCount reports whether populating the relation yields a {"count": n} projection.
func (r *Relation) IsCount() bool {
	return r.Fetch == "count"
}

// Involves reports whether the relation joins the two entities, in either direction.
func (r *Relation) Involves(a, b string) bool {
	return (r.Source == a && r.Target == b) || (r.Source == b && r.Target == a)
}

// Other returns the entity on the other side of the relation from entityName.
func (r *Relation) Other(entityName string) string {
	if r.Source == entityName {
		return r.Target
	}
	return r.Source
}
