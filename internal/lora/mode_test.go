package lora

import (
	"errors"
	"testing"
)

func testLoRA(id, name string, required ...string) LoRA {
	return LoRA{
		ID:             id,
		Name:           name,
		File:           name + ".safetensors",
		Description:    name + " style",
		DisplayTrigger: name,
		TriggerWords:   &TriggerWords{Required: required},
		StrengthModel:  0.8,
		StrengthClip:   0.8,
	}
}

func TestGroupModeRejectsOverlap(t *testing.T) {
	shared := testLoRA("1", "Shared")
	_, err := GroupMode([]LoRA{shared}, []LoRA{testLoRA("2", "Other"), shared})
	if err == nil {
		t.Fatal("expected overlap rejection")
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("error %v is not a configuration error", err)
	}
}

func TestGroupModeDisjointSetsAccepted(t *testing.T) {
	m, err := GroupMode([]LoRA{testLoRA("1", "Req")}, []LoRA{testLoRA("2", "Opt")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Kind() != ModeGroup {
		t.Fatalf("kind = %s", m.Kind())
	}
	if len(m.Required()) != 1 || len(m.Optional()) != 1 {
		t.Fatalf("required/optional = %d/%d", len(m.Required()), len(m.Optional()))
	}
}

func TestAllModeRequiresAdapters(t *testing.T) {
	if _, err := AllMode(nil); err == nil {
		t.Fatal("expected rejection of empty all mode")
	}
	if _, err := AllMode([]Selected{{LoRA: testLoRA("1", "A"), StrengthModel: 1.5, StrengthClip: 0.5}}); err == nil {
		t.Fatal("expected rejection of out-of-range strength")
	}
}

func TestResolve(t *testing.T) {
	req := testLoRA("1", "Req", "ink lines")
	opt := testLoRA("2", "Opt", "watercolor")

	t.Run("none", func(t *testing.T) {
		set := NoneMode().Resolve(StorySelection{})
		if !set.Empty() {
			t.Fatalf("none mode resolved %d adapters", len(set.Active))
		}
	})

	t.Run("all", func(t *testing.T) {
		m, err := AllMode([]Selected{{LoRA: req, StrengthModel: 0.7, StrengthClip: 0.6}})
		if err != nil {
			t.Fatalf("AllMode: %v", err)
		}
		set := m.Resolve(StorySelection{Chosen: []LoRA{opt}}) // selection ignored outside group mode
		if len(set.Active) != 1 || set.Active[0].StrengthModel != 0.7 {
			t.Fatalf("resolved = %+v", set.Active)
		}
	})

	t.Run("group", func(t *testing.T) {
		m, err := GroupMode([]LoRA{req}, []LoRA{opt})
		if err != nil {
			t.Fatalf("GroupMode: %v", err)
		}
		set := m.Resolve(StorySelection{Chosen: []LoRA{opt}})
		if len(set.Active) != 2 {
			t.Fatalf("resolved %d adapters, want 2", len(set.Active))
		}
		// Required adapters come first, then the chosen optional ones.
		if set.Active[0].LoRA.ID != "1" || set.Active[1].LoRA.ID != "2" {
			t.Fatalf("order = %s, %s", set.Active[0].LoRA.ID, set.Active[1].LoRA.ID)
		}
	})

	t.Run("group with empty sets", func(t *testing.T) {
		m, err := GroupMode(nil, []LoRA{opt})
		if err != nil {
			t.Fatalf("GroupMode: %v", err)
		}
		set := m.Resolve(StorySelection{})
		if !set.Empty() {
			t.Fatalf("expected empty set, got %d", len(set.Active))
		}
	})
}

func TestTriggerWordsDedupe(t *testing.T) {
	a := testLoRA("1", "A", "watercolor", "soft wash")
	b := testLoRA("2", "B", "Watercolor", "pixel art")

	set := ResolvedSet{Active: []Selected{SelectDefault(a), SelectDefault(b)}}
	words := set.TriggerWords()
	want := []string{"watercolor", "soft wash", "pixel art"}
	if len(words) != len(want) {
		t.Fatalf("words = %v, want %v", words, want)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Fatalf("words[%d] = %q, want %q", i, words[i], want[i])
		}
	}
	if got := set.CombinedTrigger(); got != "watercolor, soft wash, pixel art" {
		t.Fatalf("combined = %q", got)
	}
}
