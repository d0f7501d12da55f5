package relsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"filtered-relation/internal/metadata"
)

func testStateMachine() *metadata.StateMachine {
	return &metadata.StateMachine{
		ID:     "sm-1",
		Entity: "meeting-participation-status",
		Field:  "participantStatus",
		Active: true,
		Definition: metadata.StateMachineDefinition{
			Initial: "Pending",
			Transitions: []metadata.Transition{
				{From: metadata.TransitionFrom{"Pending"}, To: "Accepted", Guard: `related.fullName != ""`},
				{From: metadata.TransitionFrom{"Pending", "Accepted"}, To: "Declined", Roles: []string{"manager"}},
				{From: metadata.TransitionFrom{"*"}, To: "Pending"},
			},
		},
	}
}

func guardEnv(related map[string]any, user *metadata.UserContext) map[string]any {
	return map[string]any{
		"record":  map[string]any{"documentId": "m1"},
		"related": related,
		"user":    userEnv(user),
	}
}

func TestCheckTransition(t *testing.T) {
	g := NewGuardEvaluator()
	sm := testStateMachine()
	manager := &metadata.UserContext{ID: "u2", Roles: []string{"manager"}}
	admin := &metadata.UserContext{ID: "u3", Roles: []string{"admin"}}

	tests := []struct {
		name    string
		from    string
		to      string
		related map[string]any
		user    *metadata.UserContext
		allowed bool
	}{
		{"guard passes", "Pending", "Accepted", acme(), operator, true},
		{"guard fails", "Pending", "Accepted", map[string]any{"fullName": ""}, operator, false},
		{"undeclared transition", "Declined", "Accepted", acme(), operator, false},
		{"role missing", "Accepted", "Declined", acme(), operator, false},
		{"role present", "Accepted", "Declined", acme(), manager, true},
		{"admin bypasses roles", "Pending", "Declined", acme(), admin, true},
		{"no user with roles", "Pending", "Declined", acme(), nil, false},
		{"wildcard source", "Declined", "Pending", acme(), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.CheckTransition(sm, tt.from, tt.to, guardEnv(tt.related, tt.user), tt.user)
			if tt.allowed {
				require.NoError(t, err)
				return
			}
			requireMoveError(t, err, CodeTransitionNotAllowed)
		})
	}
}

func TestCheckTransition_NilMachineAllowsAll(t *testing.T) {
	require.NoError(t, NewGuardEvaluator().CheckTransition(nil, "x", "y", nil, nil))
}

func TestAllowed_CachesPrograms(t *testing.T) {
	g := NewGuardEvaluator()
	for range 3 {
		ok, err := g.Allowed("to == 'Accepted'", map[string]any{"to": "Accepted"})
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Len(t, g.cache, 1)
}

func TestAllowed_Errors(t *testing.T) {
	g := NewGuardEvaluator()

	_, err := g.Allowed("record.total >", map[string]any{})
	require.ErrorContains(t, err, "compile guard")

	_, err = g.Allowed("1 + 1", map[string]any{})
	require.Error(t, err)
}
