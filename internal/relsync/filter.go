// Package relsync keeps filtered-relation fields in step with their target
// collections and moves related records between filter groups.
package relsync

import (
	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
)

// BuildConstraints turns a filter configuration into equality constraints. A
// pair is kept only when both its field and value are set. The document-id
// placeholder is replaced by ownerID, and the pair is dropped when ownerID is
// empty. An empty result means the caller must not query.
func BuildConstraints(cfg metadata.FilterConfig, ownerID string) []persistence.Constraint {
	pairs := [2][2]string{
		{cfg.FilterField1, cfg.FilterValue1},
		{cfg.FilterField2, cfg.FilterValue2},
	}

	var constraints []persistence.Constraint
	for _, p := range pairs {
		field, value := p[0], p[1]
		if field == "" || value == "" {
			continue
		}
		if value == metadata.PlaceholderDocumentID {
			if ownerID == "" {
				continue
			}
			value = ownerID
		}
		constraints = append(constraints, persistence.Constraint{Path: field, Value: value})
	}
	return constraints
}

// withStatus returns cfg with the primary filter value replaced by status.
func withStatus(cfg metadata.FilterConfig, status string) metadata.FilterConfig {
	cfg.FilterValue1 = status
	return cfg
}
