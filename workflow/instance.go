package workflow

import "time"

// Transition is one history record.
type Transition struct {
	From        State             `json:"from"`
	To          State             `json:"to"`
	TriggeredBy string            `json:"triggered_by"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Instance tracks one business request through the workflow.
// CurrentState always equals the To of the last history record.
type Instance struct {
	ID                string       `json:"id"`
	BusinessRequestID string       `json:"business_request_id"`
	CurrentState      State        `json:"current_state"`
	History           []Transition `json:"history"`
	Version           int64        `json:"version"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	c := *i
	c.History = make([]Transition, len(i.History))
	for n, tr := range i.History {
		c.History[n] = tr.clone()
	}
	return &c
}

func (t Transition) clone() Transition {
	if t.Metadata != nil {
		m := make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			m[k] = v
		}
		t.Metadata = m
	}
	return t
}

// Filter selects instances for List.
type Filter struct {
	States            []State `json:"states,omitempty"`
	BusinessRequestID string  `json:"business_request_id,omitempty"`
	Limit             int     `json:"limit,omitempty"`
}

func (f Filter) match(i *Instance) bool {
	if f.BusinessRequestID != "" && i.BusinessRequestID != f.BusinessRequestID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if i.CurrentState == s {
			return true
		}
	}
	return false
}

// Active returns a filter for instances that have not reached a terminal state.
func Active() Filter {
	var states []State
	for _, s := range States {
		if !s.IsTerminal() {
			states = append(states, s)
		}
	}
	return Filter{States: states}
}
