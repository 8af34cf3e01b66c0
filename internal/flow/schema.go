// Package flow runs the multi-step login exchange: it collects prompt values,
// submits turns upstream with the right retry policy, and hands the final
// extract payload to the transform engine.
package flow

import (
	"strings"

	"gatherbridge/internal/protocol"
)

// Radio-style prompts are single-select: exactly one choice is picked and the
// step cannot submit until it is. The scrapers mark them by naming convention
// or an explicit selection type.
const (
	radioSuffix    = "-radio-btn"
	mfaChoiceToken = "mfa_choice"
)

// IsRadioPrompt reports whether a prompt represents a single-select option
// rather than a free input or an action.
func IsRadioPrompt(p protocol.Prompt) bool {
	if p.Type == protocol.PromptSelection {
		return true
	}
	return strings.HasSuffix(p.Name, radioSuffix) || strings.HasSuffix(p.Name, mfaChoiceToken)
}

// IsSingleSelect reports whether a set of parallel choices forms a
// single-select menu. Any radio prompt anywhere in any choice makes the whole
// step single-select; the radio prompt need not lead its group.
func IsSingleSelect(choices []protocol.Choice) bool {
	for _, c := range choices {
		for _, p := range c.Groups {
			if IsRadioPrompt(p) {
				return true
			}
		}
	}
	return false
}

// InputPrompts returns the prompts in a choice that collect typed values.
func InputPrompts(c protocol.Choice) []protocol.Prompt {
	var out []protocol.Prompt
	for _, p := range c.Groups {
		if p.IsInput() {
			out = append(out, p)
		}
	}
	return out
}

// ActionPrompt returns the choice's submit action, if declared.
func ActionPrompt(c protocol.Choice) (protocol.Prompt, bool) {
	for _, p := range c.Groups {
		if p.Type == protocol.PromptClick {
			return p, true
		}
	}
	return protocol.Prompt{}, false
}

// ButtonUpdates returns the input entries activating a choice: its click
// prompts and, for a single-select pick, its radio prompt. A click prompt's
// name may list comma-separated aliases when the same action is reachable
// under several field names upstream; every alias is set.
func ButtonUpdates(c protocol.Choice) map[string]string {
	updates := make(map[string]string)
	for _, p := range c.Groups {
		switch {
		case p.Type == protocol.PromptClick:
			for _, name := range strings.Split(p.Name, ",") {
				name = strings.TrimSpace(name)
				if name != "" {
					updates[name] = "true"
				}
			}
		case IsRadioPrompt(p):
			updates[p.Name] = "true"
		}
	}
	return updates
}

// CanSubmit reports whether every prompt's declared dependency is satisfied
// by the collected values. A prompt with DependsOnFields set keeps the step
// blocked until each named field is non-empty.
func CanSubmit(c protocol.Choice, values map[string]string) bool {
	for _, p := range c.Groups {
		if p.DependsOnFields == "" {
			continue
		}
		for _, field := range strings.Split(p.DependsOnFields, ",") {
			field = strings.TrimSpace(field)
			if field != "" && values[field] == "" {
				return false
			}
		}
	}
	return true
}
