package flow

import (
	"reflect"
	"testing"

	"gatherbridge/internal/protocol"
)

func TestIsRadioPrompt(t *testing.T) {
	tests := []struct {
		name   string
		prompt protocol.Prompt
		want   bool
	}{
		{"radio suffix", protocol.Prompt{Name: "sms-radio-btn", Type: protocol.PromptClick}, true},
		{"mfa choice suffix", protocol.Prompt{Name: "email-mfa_choice", Type: protocol.PromptClick}, true},
		{"mfa token mid-name", protocol.Prompt{Name: "mfa_choice_hint", Type: protocol.PromptClick}, false},
		{"selection type", protocol.Prompt{Name: "delivery", Type: protocol.PromptSelection}, true},
		{"plain click", protocol.Prompt{Name: "continue-btn", Type: protocol.PromptClick}, false},
		{"text input", protocol.Prompt{Name: "email", Type: protocol.PromptText}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRadioPrompt(tt.prompt); got != tt.want {
				t.Errorf("IsRadioPrompt(%s) = %v, want %v", tt.prompt.Name, got, tt.want)
			}
		})
	}
}

func TestIsSingleSelect(t *testing.T) {
	radio := func(name string) protocol.Choice {
		return protocol.Choice{Name: name, Groups: []protocol.Prompt{
			{Name: name + "-radio-btn", Type: protocol.PromptClick},
		}}
	}
	form := protocol.Choice{Name: "login", Groups: []protocol.Prompt{
		{Name: "email", Type: protocol.PromptEmail},
	}}

	if !IsSingleSelect([]protocol.Choice{radio("sms"), radio("voice")}) {
		t.Error("two radio choices must read as single-select")
	}
	if !IsSingleSelect([]protocol.Choice{form, radio("sms")}) {
		t.Error("one radio choice among forms still makes the step single-select")
	}
	if IsSingleSelect([]protocol.Choice{form}) {
		t.Error("choices without any radio prompt are plain sub-forms")
	}
	if IsSingleSelect(nil) {
		t.Error("no choices, no menu")
	}

	// The radio prompt may sit behind an input in its group.
	trailing := protocol.Choice{Name: "sms", Groups: []protocol.Prompt{
		{Name: "phone", Type: protocol.PromptText},
		{Name: "sms_choice", Type: protocol.PromptSelection},
	}}
	if !IsSingleSelect([]protocol.Choice{trailing}) {
		t.Error("radio prompt after an input must still be detected")
	}
}

func TestButtonUpdatesSplitsAliases(t *testing.T) {
	c := protocol.Choice{Groups: []protocol.Prompt{
		{Name: "email", Type: protocol.PromptEmail},
		{Name: "sign-in-btn, login-btn", Type: protocol.PromptClick},
	}}
	want := map[string]string{"sign-in-btn": "true", "login-btn": "true"}
	if got := ButtonUpdates(c); !reflect.DeepEqual(got, want) {
		t.Errorf("ButtonUpdates = %v, want %v", got, want)
	}
}

func TestButtonUpdatesIncludesRadioField(t *testing.T) {
	c := protocol.Choice{Name: "sms", Groups: []protocol.Prompt{
		{Name: "sms_choice", Type: protocol.PromptSelection},
		{Name: "continue-btn", Type: protocol.PromptClick},
	}}
	want := map[string]string{"sms_choice": "true", "continue-btn": "true"}
	if got := ButtonUpdates(c); !reflect.DeepEqual(got, want) {
		t.Errorf("ButtonUpdates = %v, want %v", got, want)
	}
}

func TestCanSubmit(t *testing.T) {
	c := protocol.Choice{Groups: []protocol.Prompt{
		{Name: "otp", Type: protocol.PromptText},
		{Name: "verify-btn", Type: protocol.PromptClick, DependsOnFields: "otp"},
	}}
	if CanSubmit(c, map[string]string{}) {
		t.Error("must block while otp is empty")
	}
	if !CanSubmit(c, map[string]string{"otp": "123456"}) {
		t.Error("must allow once otp is filled")
	}
}

func TestInputAndActionPrompts(t *testing.T) {
	c := loginChoice()
	inputs := InputPrompts(c)
	if len(inputs) != 2 || inputs[0].Name != "email" || inputs[1].Name != "password" {
		t.Errorf("InputPrompts = %+v", inputs)
	}
	action, ok := ActionPrompt(c)
	if !ok || action.Name != "sign-in-btn,login-btn" {
		t.Errorf("ActionPrompt = %+v, ok=%v", action, ok)
	}
}
