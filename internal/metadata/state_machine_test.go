package metadata

import (
	"encoding/json"
	"testing"
)

func TestStateMachineParseFromJSON(t *testing.T) {
	raw := `{
		"initial": "Pending",
		"transitions": [
			{ "from": "Pending", "to": "Confirmed", "roles": ["operator"], "guard": "record.investors != nil" },
			{ "from": ["Pending", "Confirmed"], "to": "Declined" }
		]
	}`

	var def StateMachineDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if def.Initial != "Pending" {
		t.Errorf("expected initial=Pending, got %s", def.Initial)
	}
	if len(def.Transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(def.Transitions))
	}

	tr0 := def.Transitions[0]
	if len(tr0.From) != 1 || tr0.From[0] != "Pending" {
		t.Errorf("expected from=[Pending], got %v", tr0.From)
	}
	if tr0.Guard != "record.investors != nil" {
		t.Errorf("expected guard, got %s", tr0.Guard)
	}

	tr1 := def.Transitions[1]
	if len(tr1.From) != 2 || tr1.From[1] != "Confirmed" {
		t.Errorf("expected from=[Pending, Confirmed], got %v", tr1.From)
	}
}

func TestTransitionFromMarshalRoundTrip(t *testing.T) {
	single, _ := json.Marshal(TransitionFrom{"Pending"})
	if string(single) != `"Pending"` {
		t.Errorf("single from should marshal as string, got %s", single)
	}
	multi, _ := json.Marshal(TransitionFrom{"a", "b"})
	if string(multi) != `["a","b"]` {
		t.Errorf("multi from should marshal as array, got %s", multi)
	}
}

func TestStateMachineFindTransition(t *testing.T) {
	sm := &StateMachine{
		Entity: "meeting-participation-status",
		Field:  "participantStatus",
		Definition: StateMachineDefinition{
			Transitions: []Transition{
				{From: TransitionFrom{"Pending"}, To: "Confirmed"},
				{From: TransitionFrom{"*"}, To: "Declined"},
			},
		},
		Active: true,
	}

	tests := []struct {
		from, to string
		found    bool
	}{
		{"Pending", "Confirmed", true},
		{"Declined", "Confirmed", false},
		{"Confirmed", "Declined", true},
		{"Pending", "Pending", false},
	}
	for _, tt := range tests {
		got := sm.FindTransition(tt.from, tt.to) != nil
		if got != tt.found {
			t.Errorf("FindTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.found)
		}
	}
}
