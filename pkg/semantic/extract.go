package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/memkit/memkit/pkg/llm"
)

// Extractor pulls discrete facts out of a conversation turn using an LLM
// provider. Grounded on ob-labs-powermem-go's intelligence.FactExtractor,
// generalized from a free-floating "messages interface{}" argument to the
// typed core.ConversationMessage the spec's conversation domain already
// works with.
type Extractor struct {
	llm          llm.Provider
	customPrompt string
}

// NewExtractor constructs an Extractor with the default fact-extraction
// prompt.
func NewExtractor(provider llm.Provider) *Extractor {
	return &Extractor{llm: provider}
}

// NewExtractorWithPrompt constructs an Extractor with a caller-supplied
// system prompt, bypassing the default.
func NewExtractorWithPrompt(provider llm.Provider, customPrompt string) *Extractor {
	return &Extractor{llm: provider, customPrompt: customPrompt}
}

// ExtractFacts extracts self-contained, temporally-grounded facts from a
// conversation transcript, per spec §4.3's "fact extraction" step.
func (e *Extractor) ExtractFacts(ctx context.Context, transcript string) ([]string, error) {
	messages := []llm.Message{
		{Role: "system", Content: e.systemPrompt()},
		{Role: "user", Content: fmt.Sprintf("Input:\n%s", transcript)},
	}

	response, err := e.llm.GenerateWithMessages(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}

	facts, err := parseStringListResponse(response, "facts")
	if err != nil {
		return nil, fmt.Errorf("extract facts: parse response: %w", err)
	}
	return facts, nil
}

func (e *Extractor) systemPrompt() string {
	if e.customPrompt != "" {
		return e.customPrompt
	}

	today := time.Now().UTC().Format("2006-01-02")
	return fmt.Sprintf(`You are a memory organizer for an automated memory engine. Extract relevant facts, preferences, intentions, and needs from a conversation turn into distinct, self-contained facts.

Rules:
1. TEMPORAL: always extract time info (dates, relative references like "yesterday", "last week"). Fold it into the fact text; do not drop it.
2. COMPLETE: each fact should answer who/what/when/where where that information is available.
3. SEPARATE: extract distinct facts separately, especially across different time periods.
4. INTENTIONS: always extract stated intentions, needs, and requests, even without a time reference.

Examples:
Input: Hi.
Output: {"facts": []}

Input: Yesterday I met Priya at 3pm. We discussed the Q3 roadmap.
Output: {"facts": ["Met Priya at 3pm yesterday", "Discussed the Q3 roadmap with Priya yesterday"]}

Input: I want to book a dentist appointment.
Output: {"facts": ["Wants to book a dentist appointment"]}

Today is %s. Return only JSON of the shape {"facts": ["fact1", "fact2"]}. If there is nothing worth storing, return {"facts": []}.`, today)
}

// parseStringListResponse strips a ```json fence if present and decodes
// {"<key>": [...]} into a string slice.
func parseStringListResponse(response, key string) ([]string, error) {
	response = stripCodeFence(response)

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(response), &decoded); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	raw, ok := decoded[key]
	if !ok {
		return []string{}, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%q is not an array", key)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func stripCodeFence(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
