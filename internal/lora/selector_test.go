package lora

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/IAMD3/ykgen/internal/models"
	"github.com/IAMD3/ykgen/internal/retry"
)

type fakeDecisionClient struct {
	responses []string
	err       error
	calls     int
	lastUser  string
}

func (f *fakeDecisionClient) CompleteJSON(_ context.Context, _, user string) (string, error) {
	f.calls++
	f.lastUser = user
	if f.err != nil {
		return "", f.err
	}
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func testScenes() []models.Scene {
	return []models.Scene{
		{Location: "harbor", Time: "dawn", Action: "a ship leaves port",
			Characters: []models.Character{{Name: "Mara", Description: "a young captain"}}},
		{Location: "open sea", Time: "night", Action: "a storm closes in"},
	}
}

func testGroupMode(t *testing.T) Mode {
	t.Helper()
	m, err := GroupMode(
		[]LoRA{testLoRA("1", "Ink Outline", "ink lines")},
		[]LoRA{testLoRA("2", "Watercolor Wash", "watercolor"), testLoRA("3", "Pixel Quest", "pixel art")},
	)
	if err != nil {
		t.Fatalf("GroupMode: %v", err)
	}
	return m
}

func TestSelectForStoryValidChoice(t *testing.T) {
	client := &fakeDecisionClient{responses: []string{
		`{"selected": ["Watercolor Wash"], "reasoning": "a maritime story suits soft washes"}`,
	}}
	sel := NewSelector(client, retry.NewPolicy(3, retry.WithBackoff(0, 0)))

	got := sel.SelectForStory(context.Background(), testScenes(), testGroupMode(t))
	if len(got.Chosen) != 1 || got.Chosen[0].Name != "Watercolor Wash" {
		t.Fatalf("chosen = %+v", got.Chosen)
	}
	if got.Reasoning == "" {
		t.Fatal("reasoning missing")
	}
	if client.calls != 1 {
		t.Fatalf("decision called %d times, want 1", client.calls)
	}
	// One decision per story: the prompt must contain every scene.
	if !strings.Contains(client.lastUser, "Scene 2") {
		t.Fatal("prompt does not cover all scenes")
	}
	if !strings.Contains(client.lastUser, "Mara") {
		t.Fatal("prompt does not include scene characters")
	}
}

func TestSelectForStoryFencedJSONAccepted(t *testing.T) {
	client := &fakeDecisionClient{responses: []string{
		"```json\n{\"selected\": [\"Pixel Quest\"], \"reasoning\": \"retro\"}\n```",
	}}
	sel := NewSelector(client, retry.NewPolicy(3, retry.WithBackoff(0, 0)))

	got := sel.SelectForStory(context.Background(), testScenes(), testGroupMode(t))
	if len(got.Chosen) != 1 || got.Chosen[0].Name != "Pixel Quest" {
		t.Fatalf("chosen = %+v", got.Chosen)
	}
}

func TestSelectForStoryEmptyOptionalShortCircuits(t *testing.T) {
	client := &fakeDecisionClient{responses: []string{`{}`}}
	sel := NewSelector(client, retry.NewPolicy(3, retry.WithBackoff(0, 0)))

	m, err := GroupMode([]LoRA{testLoRA("1", "Req")}, nil)
	if err != nil {
		t.Fatalf("GroupMode: %v", err)
	}
	got := sel.SelectForStory(context.Background(), testScenes(), m)
	if len(got.Chosen) != 0 {
		t.Fatalf("chosen = %+v, want empty", got.Chosen)
	}
	if !strings.Contains(got.Reasoning, "no optional adapters configured") {
		t.Fatalf("reasoning = %q", got.Reasoning)
	}
	if client.calls != 0 {
		t.Fatal("decision backend must not be called with an empty pool")
	}
}

func TestSelectForStoryUnknownAdapterIsFailure(t *testing.T) {
	client := &fakeDecisionClient{responses: []string{
		`{"selected": ["Oil Painting"], "reasoning": "invented"}`,
		`{"selected": ["Watercolor Wash"], "reasoning": "second try"}`,
	}}
	sel := NewSelector(client, retry.NewPolicy(3, retry.WithBackoff(0, 0)))

	got := sel.SelectForStory(context.Background(), testScenes(), testGroupMode(t))
	if len(got.Chosen) != 1 || got.Chosen[0].Name != "Watercolor Wash" {
		t.Fatalf("chosen = %+v", got.Chosen)
	}
	if client.calls != 2 {
		t.Fatalf("decision called %d times, want retry after invalid answer", client.calls)
	}
}

func TestSelectForStoryFallbackAfterBudget(t *testing.T) {
	const maxRetries = 2
	client := &fakeDecisionClient{err: errors.New("backend down")}
	policy := retry.NewPolicy(maxRetries, retry.WithBackoff(0, 0))
	sel := NewSelector(client, policy)

	got := sel.SelectForStory(context.Background(), testScenes(), testGroupMode(t))
	if len(got.Chosen) != 0 {
		t.Fatalf("degraded selection must be empty, got %+v", got.Chosen)
	}
	if client.calls != maxRetries+1 {
		t.Fatalf("decision attempted %d times, want %d", client.calls, maxRetries+1)
	}
	if !policy.Exhausted() {
		t.Fatal("shared counter must be exhausted")
	}

	// Any further decision in the same run goes straight to the fallback.
	before := client.calls
	got = sel.SelectForStory(context.Background(), testScenes(), testGroupMode(t))
	if client.calls != before {
		t.Fatal("exhausted run must not call the decision backend again")
	}
	if len(got.Chosen) != 0 {
		t.Fatalf("degraded selection must be empty, got %+v", got.Chosen)
	}
}

func TestSelectForStoryMalformedPayloadDegrades(t *testing.T) {
	client := &fakeDecisionClient{responses: []string{"not json at all"}}
	sel := NewSelector(client, retry.NewPolicy(1, retry.WithBackoff(0, 0)))

	got := sel.SelectForStory(context.Background(), testScenes(), testGroupMode(t))
	if len(got.Chosen) != 0 {
		t.Fatalf("chosen = %+v, want empty fallback", got.Chosen)
	}
}

func TestSelectForSceneUsesSameContract(t *testing.T) {
	client := &fakeDecisionClient{responses: []string{
		`{"selected": [], "reasoning": "plain scene"}`,
	}}
	sel := NewSelector(client, retry.NewPolicy(3, retry.WithBackoff(0, 0)))

	got := sel.SelectForScene(context.Background(), testScenes()[0], testGroupMode(t))
	if len(got.Chosen) != 0 {
		t.Fatalf("chosen = %+v", got.Chosen)
	}
	if strings.Contains(client.lastUser, "Scene 2") {
		t.Fatal("per-scene variant must only present one scene")
	}
}
