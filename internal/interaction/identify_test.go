package interaction

import (
	"context"
	"testing"
)

func TestVagueReference(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"stop it", true},
		{"stop it.", true},
		{"the timer is done", true},
		{"cancel that one", true},
		{"remove this reminder", true},
		{"cancel the pasta timer", false},
		{"remove the 8am reminder", false},
		{"write it down", true},
		{"check the kitchen", false},
		{"italy is nice", false},
	}
	for _, tt := range tests {
		if got := vagueReference(tt.text); got != tt.want {
			t.Errorf("vagueReference(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestIdentifyEntityVagueReferencePrefersRecent(t *testing.T) {
	llm := &fakeLLM{
		generateJSON: func(system, user string) (string, error) {
			return `{"id": "", "question": "Which timer do you mean?"}`, nil
		},
	}
	candidates := []Candidate{
		{ID: "timer-1", Description: "5m timer for eggs"},
		{ID: "timer-2", Description: "20m timer for pasta"},
	}

	resolution, err := IdentifyEntity(context.Background(), llm, candidates,
		ExtractionInput{RawText: "cancel the timer"}, "timer-2")
	if err != nil {
		t.Fatal(err)
	}
	if resolution.ID != "timer-2" {
		t.Errorf("resolution = %+v, want the recently created timer-2", resolution)
	}
}

func TestIdentifyEntityQualifiedReferenceStillAsks(t *testing.T) {
	llm := &fakeLLM{
		generateJSON: func(system, user string) (string, error) {
			return `{"id": "", "question": "Which timer do you mean?"}`, nil
		},
	}
	candidates := []Candidate{
		{ID: "timer-1", Description: "5m timer for eggs"},
		{ID: "timer-2", Description: "20m timer for pasta"},
	}

	resolution, err := IdentifyEntity(context.Background(), llm, candidates,
		ExtractionInput{RawText: "cancel the pasta timer"}, "timer-2")
	if err != nil {
		t.Fatal(err)
	}
	if !resolution.NeedsClarification() {
		t.Fatalf("resolution = %+v, want the disambiguation question kept", resolution)
	}
	if resolution.ID != "" {
		t.Errorf("a qualified reference must not silently pick %q", resolution.ID)
	}
}
