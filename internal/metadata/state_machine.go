package metadata

import "encoding/json"

// TransitionFrom handles both string and []string for the "from" field.
type TransitionFrom []string

func (t *TransitionFrom) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = []string{single}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*t = arr
	return nil
}

func (t TransitionFrom) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

// Transition is one allowed status change. Guard is an expr expression evaluated
// against the record being moved and the requesting user.
type Transition struct {
	From  TransitionFrom `json:"from"`
	To    string         `json:"to"`
	Roles []string       `json:"roles,omitempty"`
	Guard string         `json:"guard,omitempty"`
}

// Allows reports whether the transition starts from state.
func (t Transition) Allows(state string) bool {
	for _, f := range t.From {
		if f == state || f == "*" {
			return true
		}
	}
	return false
}

type StateMachineDefinition struct {
	Initial     string       `json:"initial"`
	Transitions []Transition `json:"transitions"`
}

// StateMachine restricts the values a status field may move between.
type StateMachine struct {
	ID         string                 `json:"id"`
	Entity     string                 `json:"entity"`
	Field      string                 `json:"field"`
	Definition StateMachineDefinition `json:"definition"`
	Active     bool                   `json:"active"`
}

// FindTransition returns the transition from -> to, or nil when none is declared.
func (sm *StateMachine) FindTransition(from, to string) *Transition {
	for i := range sm.Definition.Transitions {
		t := &sm.Definition.Transitions[i]
		if t.To == to && t.Allows(from) {
			return t
		}
	}
	return nil
}
