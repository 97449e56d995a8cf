package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/memkit/memkit/pkg/llm"
)

// Action is the merge decision the DecisionMaker reaches for one
// extracted fact, matched against the candidate memories a vector search
// turned up for it.
type Action struct {
	ID        string // existing memory id, required for Update/Delete
	Text      string // new or updated memory text
	Event     Event
	OldMemory string // previous text, informational only, set for Update
}

// Event is the ADD/UPDATE/DELETE/NONE decision from spec §4.3's
// consolidation step.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// Candidate is an existing memory offered to the DecisionMaker as
// possibly related to a newly extracted fact.
type Candidate struct {
	ID   string
	Text string
}

// DecisionMaker decides ADD/UPDATE/DELETE/NONE for newly extracted facts
// against candidate memories already on file, per spec §4.3's
// consolidation rule. Grounded on ob-labs-powermem-go's
// intelligence.DecisionMaker, generalized from the teacher's bespoke
// MemoryAction/ExistingMemory pair into the Action/Candidate/Event types
// pkg/semantic's extraction pipeline already deals in.
type DecisionMaker struct {
	llm          llm.Provider
	customPrompt string
}

// NewDecisionMaker constructs a DecisionMaker with the default prompt.
func NewDecisionMaker(provider llm.Provider) *DecisionMaker {
	return &DecisionMaker{llm: provider}
}

// NewDecisionMakerWithPrompt constructs a DecisionMaker with a
// caller-supplied prompt, bypassing the default entirely (the caller is
// responsible for formatting facts/candidates into it).
func NewDecisionMakerWithPrompt(provider llm.Provider, customPrompt string) *DecisionMaker {
	return &DecisionMaker{llm: provider, customPrompt: customPrompt}
}

// Decide returns one Action per fact that merits one (facts judged
// duplicate or not worth storing come back as EventNone).
func (d *DecisionMaker) Decide(ctx context.Context, facts []string, candidates []Candidate) ([]Action, error) {
	if len(facts) == 0 {
		return nil, nil
	}

	prompt := d.prompt(facts, candidates)
	messages := []llm.Message{{Role: "user", Content: prompt}}

	response, err := d.llm.GenerateWithMessages(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("decide actions: %w", err)
	}

	actions, err := parseActions(response)
	if err != nil {
		return nil, fmt.Errorf("decide actions: parse response: %w", err)
	}
	return actions, nil
}

func (d *DecisionMaker) prompt(facts []string, candidates []Candidate) string {
	if d.customPrompt != "" {
		return d.customPrompt
	}

	factsJSON, _ := json.Marshal(facts)
	candidatesJSON, _ := json.Marshal(candidates)

	return fmt.Sprintf(`You are a memory organizer for an automated memory engine. Decide the right action for each new fact given the candidate memories already on file that might relate to it.

# Candidate memories
%s

# New facts
%s

# Actions
- ADD: the fact is novel and does not overlap any candidate
- UPDATE: a candidate should be replaced with a merged, self-contained version that folds in the new fact
- DELETE: a candidate is now outdated or contradicted by the new fact
- NONE: the fact duplicates a candidate or is not worth storing (greetings, small talk)

Guidelines:
1. Prefer UPDATE over ADD+DELETE when a candidate can simply absorb the new information.
2. Preserve temporal references (dates, "yesterday", "last week") in the merged text.
3. Each kept memory must read as complete and self-contained on its own.
4. UPDATE/DELETE must reference the exact candidate id.

Return JSON of the shape:
{"memory": [{"id": "<candidate id, for UPDATE/DELETE>", "text": "<fact or merged text>", "event": "ADD|UPDATE|DELETE|NONE", "old_memory": "<prior text, for UPDATE>"}]}

Now decide:`, string(candidatesJSON), string(factsJSON))
}

func parseActions(response string) ([]Action, error) {
	response = stripCodeFence(response)

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(response), &decoded); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	raw, ok := decoded["memory"]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("\"memory\" is not an array")
	}

	actions := make([]Action, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var a Action
		if v, ok := fields["id"].(string); ok {
			a.ID = v
		}
		if v, ok := fields["text"].(string); ok {
			a.Text = v
		}
		if v, ok := fields["old_memory"].(string); ok {
			a.OldMemory = v
		}
		if v, ok := fields["event"].(string); ok {
			a.Event = Event(strings.ToUpper(v))
		}
		if a.Event == "" {
			a.Event = EventNone
		}
		actions = append(actions, a)
	}
	return actions, nil
}
