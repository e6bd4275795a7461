package interaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/neurospicy/fibi/internal/genai"
)

// Candidate is one existing entity offered to the identification
// sub-protocol, with a human description the LLM can match against.
type Candidate struct {
	ID          string
	Description string
}

// IDResolution is the outcome of entity identification. A resolution with
// neither ID nor question means "no match": the handler treats it as
// nothing-to-do, not as an error.
type IDResolution struct {
	ID       string
	Question string
}

// NeedsClarification reports whether identification is blocked on a question.
func (r IDResolution) NeedsClarification() bool { return r.Question != "" }

// NoMatch reports whether no entity plausibly matched.
func (r IDResolution) NoMatch() bool { return r.ID == "" && r.Question == "" }

const identifySystemPrompt = `You select which of the user's existing items a message refers to.
Decision policy:
- Exactly one item plausibly matches: select it.
- Several items match equally well: do not pick one, ask a short question naming the tied candidates.
- No item matches: select nothing and ask nothing.
Return a JSON object: {"id": "<selected id or empty>", "question": "<disambiguation question or empty>"}`

// IdentifyEntity runs the shared identification sub-protocol over the
// candidates. recentID is the id of the single entity created earlier in
// this goal session, if any: a vague "the ..." reference prefers it over a
// disambiguation question.
func IdentifyEntity(ctx context.Context, llm genai.ClientInterface, candidates []Candidate, input ExtractionInput, recentID string) (IDResolution, error) {
	if len(candidates) == 0 {
		return IDResolution{}, nil
	}
	if len(candidates) == 1 {
		return IDResolution{ID: candidates[0].ID}, nil
	}

	var b strings.Builder
	b.WriteString("Items:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%q: %s\n", c.ID, c.Description)
	}
	fmt.Fprintf(&b, "\nUser message:\n%q\n", input.RawText)
	if input.Question != "" {
		fmt.Fprintf(&b, "Assistant asked:\n%q\n", input.Question)
	}
	if input.Answer != "" {
		fmt.Fprintf(&b, "User answered:\n%q\n", input.Answer)
	}

	response, err := llm.GenerateJSON(ctx, identifySystemPrompt, b.String())
	if err != nil {
		return IDResolution{}, fmt.Errorf("entity identification failed: %w", err)
	}
	var parsed struct {
		ID       string `json:"id"`
		Question string `json:"question"`
	}
	if err := genai.ParseJSON(response, &parsed); err != nil {
		return IDResolution{}, err
	}

	if parsed.ID != "" {
		for _, c := range candidates {
			if c.ID == parsed.ID {
				return IDResolution{ID: parsed.ID}, nil
			}
		}
		// Hallucinated id, fall through to the ambiguity handling.
		parsed.ID = ""
	}

	if parsed.Question != "" {
		if recentID != "" && vagueReference(input.RawText) {
			return IDResolution{ID: recentID}, nil
		}
		return IDResolution{Question: parsed.Question}, nil
	}
	return IDResolution{}, nil
}

// genericNouns are references that point at an entity without naming it.
var genericNouns = map[string]bool{
	"one":         true,
	"timer":       true,
	"alarm":       true,
	"reminder":    true,
	"task":        true,
	"appointment": true,
	"routine":     true,
	"calendar":    true,
}

// vagueReference reports whether the text points at an entity without
// naming it ("the timer", "that one", "stop it"). A qualified reference
// such as "the pasta timer" picks its own entity and is not vague.
func vagueReference(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	for i, w := range words {
		w = strings.Trim(w, ".,!?")
		if w == "it" {
			return true
		}
		if w != "the" && w != "that" && w != "this" {
			continue
		}
		if i+1 < len(words) && genericNouns[strings.Trim(words[i+1], ".,!?")] {
			return true
		}
	}
	return false
}
