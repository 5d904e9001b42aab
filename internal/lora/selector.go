package lora

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/IAMD3/ykgen/internal/models"
	"github.com/IAMD3/ykgen/internal/retry"
)

const selectionSystemPrompt = `You are an art director for an illustrated story pipeline.
Given a set of optional visual style adapters (LoRAs) and every scene of a story,
choose the subset of adapters that fits the story as a whole. The same adapters
are applied to every scene, so choose for overall visual consistency, not for
any single scene. Choose only from the listed adapters; an empty selection is
valid. Respond with JSON only:
{"selected": ["adapter name", ...], "reasoning": "one or two sentences"}`

// DecisionClient is the LLM surface the selector needs: a chat completion
// constrained to a JSON object response.
type DecisionClient interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// Selector chooses optional adapters for Group-mode runs. The decision is
// made once per story so every scene shares one adapter set.
type Selector struct {
	client DecisionClient
	policy *retry.Policy
}

// NewSelector wires a selector to the decision backend and the run's retry
// policy.
func NewSelector(client DecisionClient, policy *retry.Policy) *Selector {
	return &Selector{client: client, policy: policy}
}

// selectionResponse is the structured contract for the decision call.
type selectionResponse struct {
	Selected  []string `json:"selected"`
	Reasoning string   `json:"reasoning"`
}

// SelectForStory chooses one consistent optional-adapter subset for the
// entire story. Never errors: exhausted retries or invalid answers degrade
// to the required-only set rather than guessing into extra adapters.
func (s *Selector) SelectForStory(ctx context.Context, scenes []models.Scene, mode Mode) StorySelection {
	if mode.Kind() != ModeGroup {
		return StorySelection{Reasoning: "selection only applies to group mode"}
	}
	if len(mode.Optional()) == 0 {
		return StorySelection{Reasoning: "no optional adapters configured"}
	}

	primary := func(ctx context.Context) (StorySelection, error) {
		return s.decide(ctx, buildStoryDecisionPrompt(scenes, mode.Optional()), mode.Optional())
	}
	fallback := func() StorySelection {
		log.Printf("[selector] decision degraded, continuing with required adapters only")
		return StorySelection{Reasoning: "decision backend unavailable, using required adapters only"}
	}
	return retry.Do(ctx, s.policy, "lora selection", primary, fallback)
}

// SelectForScene is the per-scene variant of the decision. It exists for
// callers that explicitly want scene-local styling and is never the default:
// story-wide selection is authoritative for group mode.
func (s *Selector) SelectForScene(ctx context.Context, scene models.Scene, mode Mode) StorySelection {
	return s.SelectForStory(ctx, []models.Scene{scene}, mode)
}

func (s *Selector) decide(ctx context.Context, prompt string, pool []LoRA) (StorySelection, error) {
	raw, err := s.client.CompleteJSON(ctx, selectionSystemPrompt, prompt)
	if err != nil {
		return StorySelection{}, fmt.Errorf("decision call failed: %w", err)
	}

	var resp selectionResponse
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &resp); err != nil {
		return StorySelection{}, retry.Badf("undecodable decision payload: %v", err)
	}

	chosen, err := matchSelection(resp.Selected, pool)
	if err != nil {
		return StorySelection{}, err
	}
	return StorySelection{Chosen: chosen, Reasoning: resp.Reasoning}, nil
}

// matchSelection maps returned adapter names back onto the optional pool.
// Any name outside the pool invalidates the whole answer: the selector never
// invents adapters.
func matchSelection(names []string, pool []LoRA) ([]LoRA, error) {
	byName := make(map[string]LoRA, len(pool))
	for _, l := range pool {
		byName[strings.ToLower(strings.TrimSpace(l.Name))] = l
	}

	var chosen []LoRA
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		l, ok := byName[key]
		if !ok {
			return nil, retry.Badf("decision referenced unknown adapter %q", name)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		chosen = append(chosen, l)
	}
	return chosen, nil
}

// buildStoryDecisionPrompt lays out every optional adapter and every scene so
// the model reasons over the full narrative at once.
func buildStoryDecisionPrompt(scenes []models.Scene, pool []LoRA) string {
	var b strings.Builder

	b.WriteString("Available optional style adapters:\n")
	for _, l := range pool {
		fmt.Fprintf(&b, "- %s: %s", l.Name, l.Description)
		if words := l.RequiredTriggers(); len(words) > 0 {
			fmt.Fprintf(&b, " (triggers: %s)", strings.Join(words, ", "))
		}
		fmt.Fprintf(&b, " [strength %.2f/%.2f]", l.StrengthModel, l.StrengthClip)
		if len(l.EssentialTraits) > 0 {
			fmt.Fprintf(&b, " traits: %s", strings.Join(l.EssentialTraits, "; "))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nStory scenes:\n")
	for i, sc := range scenes {
		fmt.Fprintf(&b, "Scene %d: location=%s; time=%s; action=%s", i+1, sc.Location, sc.Time, sc.Action)
		if names := sc.CharacterNames(); names != "" {
			fmt.Fprintf(&b, "; characters=%s", names)
		}
		b.WriteString("\n")
		if sc.PositivePrompt != "" {
			fmt.Fprintf(&b, "  image prompt: %s\n", sc.PositivePrompt)
		}
		if sc.NegativePrompt != "" {
			fmt.Fprintf(&b, "  negative prompt: %s\n", sc.NegativePrompt)
		}
	}

	b.WriteString("\nSelect the adapters that suit the whole story.")
	return b.String()
}

// stripCodeFence tolerates models that wrap JSON in a markdown fence despite
// the JSON response format.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
