package interaction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/models"
)

// IntentClassification is one ranked classifier result.
type IntentClassification struct {
	Intent     models.Intent
	Confidence float64
}

// Classifier maps free text onto the registered intent taxonomy via the LLM
// port. It never returns an error to its caller: classifier failures yield
// a single low-confidence Unknown so the orchestrator asks for
// clarification instead of crashing the turn.
type Classifier struct {
	llm      genai.ClientInterface
	registry *IntentRegistry
}

// NewClassifier creates a classifier over the given taxonomy.
func NewClassifier(llm genai.ClientInterface, registry *IntentRegistry) *Classifier {
	return &Classifier{llm: llm, registry: registry}
}

const classifierSystemPrompt = "You classify a user's message for a personal assistant. " +
	"Identify the user's actual intention or goal, not just keywords. " +
	"Return a JSON object {\"intents\": [{\"intent\": \"<name>\", \"confidence\": 0.0-1.0}, ...]} ranked by confidence."

// ClassifyMessage classifies a single inbound message.
func (c *Classifier) ClassifyMessage(ctx context.Context, message models.UserMessage) []IntentClassification {
	prompt := fmt.Sprintf("Classify the user's message into one of the following intents:\n%s\n\nUser message:\n%q",
		c.taxonomy(), message.Text)
	return c.classify(ctx, prompt)
}

// ClassifyConversation classifies the last message of a running dialog,
// with the preceding turns as context. This is what distinguishes a
// cancellation from a fresh request.
func (c *Classifier) ClassifyConversation(ctx context.Context, turns []string, message models.UserMessage) []IntentClassification {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on the final user message, classify into one of the following intents:\n%s\n\n", c.taxonomy())
	b.WriteString("Completely ignore intents at the beginning of the conversation. Focus on the last message.\n\nConversation:\n")
	for _, turn := range turns {
		fmt.Fprintf(&b, "%s\n---\n", turn)
	}
	fmt.Fprintf(&b, "User: %q\n", message.Text)
	return c.classify(ctx, b.String())
}

func (c *Classifier) taxonomy() string {
	descriptions := c.registry.Descriptions()
	var b strings.Builder
	for _, intent := range c.registry.Intents() {
		fmt.Fprintf(&b, "- %q: %s\n", intent.String(), descriptions[intent])
	}
	return b.String()
}

func (c *Classifier) classify(ctx context.Context, prompt string) []IntentClassification {
	unknown := []IntentClassification{{Intent: models.IntentUnknown, Confidence: 0.1}}

	response, err := c.llm.GenerateJSON(ctx, classifierSystemPrompt, prompt)
	if err != nil {
		slog.Warn("Classifier LLM call failed", "error", err)
		return unknown
	}
	var parsed struct {
		Intents []struct {
			Intent     string  `json:"intent"`
			Confidence float64 `json:"confidence"`
		} `json:"intents"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		slog.Warn("Classifier returned unparseable JSON", "error", err)
		return unknown
	}

	var out []IntentClassification
	for _, entry := range parsed.Intents {
		intent := models.Intent(entry.Intent)
		if !c.registry.Known(intent) {
			slog.Debug("Classifier returned unregistered intent", "intent", entry.Intent)
			continue
		}
		if entry.Confidence < 0 || entry.Confidence > 1 {
			continue
		}
		out = append(out, IntentClassification{Intent: intent, Confidence: entry.Confidence})
	}
	if len(out) == 0 {
		return unknown
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}
