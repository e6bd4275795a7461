package interaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neurospicy/fibi/internal/models"
)

func newTestClassifier(llm *fakeLLM) *Classifier {
	registry := NewIntentRegistry()
	RegisterDomainIntents(registry)
	return NewClassifier(llm, registry)
}

func TestClassifyMessageRanksByConfidence(t *testing.T) {
	llm := &fakeLLM{generateJSON: func(system, user string) (string, error) {
		if !strings.Contains(user, "SetTimer") {
			t.Errorf("taxonomy missing from prompt: %q", user)
		}
		return `{"intents": [
			{"intent": "Smalltalk", "confidence": 0.2},
			{"intent": "SetTimer", "confidence": 0.9}
		]}`, nil
	}}
	c := newTestClassifier(llm)

	got := c.ClassifyMessage(context.Background(), models.UserMessage{Text: "set a timer for 5 minutes"})

	if len(got) != 2 {
		t.Fatalf("got %d classifications, want 2", len(got))
	}
	if got[0].Intent != IntentSetTimer || got[0].Confidence != 0.9 {
		t.Errorf("top classification = %+v", got[0])
	}
	if got[1].Intent != models.IntentSmalltalk {
		t.Errorf("second classification = %+v", got[1])
	}
}

func TestClassifyMessageDropsUnregisteredIntents(t *testing.T) {
	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return `{"intents": [
			{"intent": "LaunchRocket", "confidence": 0.95},
			{"intent": "SetTimer", "confidence": 0.8},
			{"intent": "AddTask", "confidence": 1.5}
		]}`, nil
	}}
	c := newTestClassifier(llm)

	got := c.ClassifyMessage(context.Background(), models.UserMessage{Text: "hm"})

	if len(got) != 1 || got[0].Intent != IntentSetTimer {
		t.Errorf("classifications = %+v, want only SetTimer", got)
	}
}

func TestClassifyMessageLLMFailureYieldsUnknown(t *testing.T) {
	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return "", errors.New("model unavailable")
	}}
	c := newTestClassifier(llm)

	got := c.ClassifyMessage(context.Background(), models.UserMessage{Text: "set a timer"})

	if len(got) != 1 || got[0].Intent != models.IntentUnknown {
		t.Fatalf("classifications = %+v, want single Unknown", got)
	}
	if got[0].Confidence >= 0.5 {
		t.Errorf("Unknown confidence = %v, want low", got[0].Confidence)
	}
}

func TestClassifyMessageGarbageYieldsUnknown(t *testing.T) {
	llm := &fakeLLM{generateJSON: func(_, _ string) (string, error) {
		return "I cannot help with that.", nil
	}}
	c := newTestClassifier(llm)

	got := c.ClassifyMessage(context.Background(), models.UserMessage{Text: "set a timer"})

	if len(got) != 1 || got[0].Intent != models.IntentUnknown {
		t.Errorf("classifications = %+v, want single Unknown", got)
	}
}

func TestClassifyConversationIncludesTurns(t *testing.T) {
	llm := &fakeLLM{generateJSON: func(_, user string) (string, error) {
		if !strings.Contains(user, "What should the timer be called?") {
			t.Errorf("conversation turn missing from prompt: %q", user)
		}
		if !strings.Contains(user, "never mind") {
			t.Errorf("final message missing from prompt: %q", user)
		}
		return `{"intents": [{"intent": "CancelGoal", "confidence": 0.9}]}`, nil
	}}
	c := newTestClassifier(llm)

	turns := []string{"User: set a timer", "Assistant: What should the timer be called?"}
	got := c.ClassifyConversation(context.Background(), turns, models.UserMessage{Text: "never mind"})

	if len(got) != 1 || got[0].Intent != models.IntentCancelGoal {
		t.Errorf("classifications = %+v, want CancelGoal", got)
	}
}
