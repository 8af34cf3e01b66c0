// Package protocol defines the wire types exchanged with the upstream
// automation service during a multi-step login/extraction flow.
package protocol

import "encoding/json"

// Prompt statuses the caller must distinguish. Anything else is a terminal,
// non-input acknowledgment state.
const (
	StatusNeedInput = "NEED_INPUT"
	StatusFinished  = "FINISHED"
)

// Prompt types understood by the bridge.
const (
	PromptText      = "text"
	PromptEmail     = "email"
	PromptPassword  = "password"
	PromptClick     = "click"
	PromptSelection = "selection"
)

// Prompt is a single requested input or action within a step's schema.
// Name is the join key used to build submission payloads; a click prompt
// represents a submit action, not a value.
type Prompt struct {
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Label           string   `json:"prompt,omitempty"`
	Value           string   `json:"value,omitempty"`
	DependsOnFields string   `json:"dependsOnFields,omitempty"`
	Options         []string `json:"options,omitempty"`
}

// IsInput reports whether the prompt collects a typed value.
func (p Prompt) IsInput() bool {
	switch p.Type {
	case PromptText, PromptEmail, PromptPassword:
		return true
	}
	return false
}

// Choice is a named branch at a decision point, carrying an ordered list of
// child prompts. Multiple choices at one step are either a single-select
// menu or parallel independent sub-forms.
type Choice struct {
	Name    string   `json:"name"`
	Groups  []Prompt `json:"groups"`
	Message string   `json:"message,omitempty"`
}

// PromptGroup is the nested prompt container inside a turn's state.
type PromptGroup struct {
	Name    string   `json:"name,omitempty"`
	Label   string   `json:"prompt,omitempty"`
	Choices []Choice `json:"choices,omitempty"`
}

// State is the per-turn state bag. The upstream treats it as open-ended; the
// bridge models the fields it depends on explicitly and keeps everything else
// in Extra so it round-trips unchanged on the next submission.
type State struct {
	Finished  bool
	StepIndex int
	PageSpec  string
	Prompt    *PromptGroup
	Inputs    map[string]string
	Error     string
	BrandName string
	Extra     map[string]json.RawMessage
}

type stateKnown struct {
	Finished  bool              `json:"finished,omitempty"`
	StepIndex int               `json:"step_index,omitempty"`
	PageSpec  string            `json:"current_page_spec_name,omitempty"`
	Prompt    *PromptGroup      `json:"prompt,omitempty"`
	Inputs    map[string]string `json:"inputs,omitempty"`
	Error     string            `json:"error,omitempty"`
	BrandName string            `json:"brand_name,omitempty"`
}

var stateKnownKeys = map[string]bool{
	"finished": true, "step_index": true, "current_page_spec_name": true,
	"prompt": true, "inputs": true, "error": true, "brand_name": true,
}

// UnmarshalJSON decodes the known fields and stashes the rest in Extra.
func (s *State) UnmarshalJSON(data []byte) error {
	var known stateKnown
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	s.Finished = known.Finished
	s.StepIndex = known.StepIndex
	s.PageSpec = known.PageSpec
	s.Prompt = known.Prompt
	s.Inputs = known.Inputs
	s.Error = known.Error
	s.BrandName = known.BrandName
	s.Extra = nil
	for key, raw := range all {
		if stateKnownKeys[key] {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]json.RawMessage)
		}
		s.Extra[key] = raw
	}
	return nil
}

// MarshalJSON re-flattens the known fields and Extra into one object.
func (s State) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(stateKnown{
		Finished:  s.Finished,
		StepIndex: s.StepIndex,
		PageSpec:  s.PageSpec,
		Prompt:    s.Prompt,
		Inputs:    s.Inputs,
		Error:     s.Error,
		BrandName: s.BrandName,
	})
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for key, raw := range s.Extra {
		merged[key] = raw
	}
	return json.Marshal(merged)
}

// Turn is one upstream answer in the multi-step exchange.
type Turn struct {
	Status        string          `json:"status,omitempty"`
	ProfileID     string          `json:"profile_id,omitempty"`
	Platform      string          `json:"platform,omitempty"`
	BrandName     string          `json:"brand_name,omitempty"`
	Error         string          `json:"error,omitempty"`
	State         *State          `json:"state,omitempty"`
	Choices       []Choice        `json:"choices,omitempty"`
	Prompt        *PromptGroup    `json:"prompt,omitempty"`
	ExtractResult json.RawMessage `json:"extract_result,omitempty"`
}

// NeedsInput reports whether the turn asks for another round of prompts.
func (t *Turn) NeedsInput() bool { return t.Status == StatusNeedInput }

// Finished reports whether the turn carries an extract result.
func (t *Turn) Finished() bool { return t.Status == StatusFinished }

// StateError returns the error carried in the turn, preferring the top-level
// field over the state bag.
func (t *Turn) StateError() string {
	if t.Error != "" {
		return t.Error
	}
	if t.State != nil {
		return t.State.Error
	}
	return ""
}

// FollowUpChoices returns the nested choices for the next step, if any.
func (t *Turn) FollowUpChoices() []Choice {
	if t.State != nil && t.State.Prompt != nil && len(t.State.Prompt.Choices) > 0 {
		return t.State.Prompt.Choices
	}
	return nil
}

// Submission is the request body posted back to the upstream for each turn.
type Submission struct {
	State     State          `json:"state"`
	ProfileID string         `json:"profile_id,omitempty"`
	Location  map[string]any `json:"location,omitempty"`
}
