package relsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"filtered-relation/internal/metadata"
	"filtered-relation/internal/persistence"
)

func TestBuildConstraints_SubstitutesPlaceholder(t *testing.T) {
	cfg := metadata.FilterConfig{
		FilterField1: "participantStatus",
		FilterValue1: "Pending",
		FilterField2: "meeting.documentId",
		FilterValue2: metadata.PlaceholderDocumentID,
	}

	got := BuildConstraints(cfg, "doc123")
	require.Equal(t, []persistence.Constraint{
		{Path: "participantStatus", Value: "Pending"},
		{Path: "meeting.documentId", Value: "doc123"},
	}, got)
	for _, c := range got {
		require.NotEqual(t, metadata.PlaceholderDocumentID, c.Value)
	}
}

func TestBuildConstraints_DropsPlaceholderWithoutOwner(t *testing.T) {
	cfg := metadata.FilterConfig{
		FilterField1: "participantStatus",
		FilterValue1: "Pending",
		FilterField2: "meeting.documentId",
		FilterValue2: metadata.PlaceholderDocumentID,
	}
	require.Equal(t, []persistence.Constraint{{Path: "participantStatus", Value: "Pending"}}, BuildConstraints(cfg, ""))
}

func TestBuildConstraints_IncompletePairs(t *testing.T) {
	tests := []struct {
		name string
		cfg  metadata.FilterConfig
		want int
	}{
		{"nothing configured", metadata.FilterConfig{}, 0},
		{"field without value", metadata.FilterConfig{FilterField1: "participantStatus"}, 0},
		{"value without field", metadata.FilterConfig{FilterValue2: "x"}, 0},
		{"second pair only", metadata.FilterConfig{FilterField2: "kind", FilterValue2: "x"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Len(t, BuildConstraints(tt.cfg, "doc123"), tt.want)
		})
	}
}

func TestWithStatusKeepsSecondPair(t *testing.T) {
	cfg := metadata.FilterConfig{
		FilterField1: "participantStatus",
		FilterValue1: "Pending",
		FilterField2: "meeting.documentId",
		FilterValue2: metadata.PlaceholderDocumentID,
	}
	got := BuildConstraints(withStatus(cfg, "Accepted"), "doc123")
	require.Equal(t, "Accepted", got[0].Value)
	require.Equal(t, "doc123", got[1].Value)
	require.Equal(t, "Pending", cfg.FilterValue1)
}
