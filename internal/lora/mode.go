package lora

import (
	"fmt"
	"strings"
)

// ModeKind tags the adapter selection mode for a run.
type ModeKind string

const (
	// ModeNone applies no adapters.
	ModeNone ModeKind = "none"
	// ModeAll applies a fixed adapter set uniformly to every image.
	ModeAll ModeKind = "all"
	// ModeGroup always applies a required subset and lets the selector pick
	// from an optional subset once per story.
	ModeGroup ModeKind = "group"
)

// Mode is the tagged selection-mode variant for one run. Constructed once
// from user input at run start and immutable afterwards.
type Mode struct {
	kind     ModeKind
	all      []Selected
	required []LoRA
	optional []LoRA
}

// Selected pairs an adapter with the strengths it will be applied at.
type Selected struct {
	LoRA          LoRA
	StrengthModel float64
	StrengthClip  float64
}

// SelectDefault wraps an adapter with its catalog default strengths.
func SelectDefault(l LoRA) Selected {
	return Selected{LoRA: l, StrengthModel: l.StrengthModel, StrengthClip: l.StrengthClip}
}

// NoneMode builds the adapter-free mode.
func NoneMode() Mode {
	return Mode{kind: ModeNone}
}

// AllMode builds the fixed-set mode. The adapter list must be non-empty and
// every strength must already be in range.
func AllMode(adapters []Selected) (Mode, error) {
	if len(adapters) == 0 {
		return Mode{}, fmt.Errorf("%w: all mode requires at least one adapter", ErrConfiguration)
	}
	for _, a := range adapters {
		if err := validateStrength(a.StrengthModel); err != nil {
			return Mode{}, fmt.Errorf("%w: adapter %q strength_model: %v", ErrConfiguration, a.LoRA.Name, err)
		}
		if err := validateStrength(a.StrengthClip); err != nil {
			return Mode{}, fmt.Errorf("%w: adapter %q strength_clip: %v", ErrConfiguration, a.LoRA.Name, err)
		}
	}
	return Mode{kind: ModeAll, all: append([]Selected(nil), adapters...)}, nil
}

// GroupMode builds the dynamic mode. Required and optional sets must be
// disjoint; overlap is rejected before any generation call is attempted.
func GroupMode(required, optional []LoRA) (Mode, error) {
	seen := make(map[string]struct{}, len(required))
	for _, l := range required {
		seen[l.ID] = struct{}{}
	}
	for _, l := range optional {
		if _, dup := seen[l.ID]; dup {
			return Mode{}, fmt.Errorf("%w: adapter %q is both required and optional", ErrConfiguration, l.ID)
		}
	}
	return Mode{
		kind:     ModeGroup,
		required: append([]LoRA(nil), required...),
		optional: append([]LoRA(nil), optional...),
	}, nil
}

// Kind returns the mode tag. Consumers switch exhaustively on it.
func (m Mode) Kind() ModeKind { return m.kind }

// All returns the fixed adapter set of an All mode.
func (m Mode) All() []Selected { return m.all }

// Required returns the always-active adapters of a Group mode.
func (m Mode) Required() []LoRA { return m.required }

// Optional returns the selectable adapter pool of a Group mode.
func (m Mode) Optional() []LoRA { return m.optional }

// StorySelection is the selector's decision for a whole story. Reasoning is
// diagnostic only and never affects downstream behavior.
type StorySelection struct {
	Chosen    []LoRA `json:"chosen"`
	Reasoning string `json:"reasoning"`
}

// ResolvedSet is the final ordered adapter list handed to the composer.
// Order matters: composition chains model/clip tensors sequentially.
type ResolvedSet struct {
	Active []Selected
}

// Resolve collapses a mode plus a story selection into the adapter list for
// composition. The selection is only consulted in Group mode.
func (m Mode) Resolve(selection StorySelection) ResolvedSet {
	switch m.kind {
	case ModeAll:
		return ResolvedSet{Active: append([]Selected(nil), m.all...)}
	case ModeGroup:
		active := make([]Selected, 0, len(m.required)+len(selection.Chosen))
		for _, l := range m.required {
			active = append(active, SelectDefault(l))
		}
		for _, l := range selection.Chosen {
			active = append(active, SelectDefault(l))
		}
		return ResolvedSet{Active: active}
	default:
		return ResolvedSet{}
	}
}

// Empty reports whether composition can skip adapter nodes entirely.
func (s ResolvedSet) Empty() bool { return len(s.Active) == 0 }

// TriggerWords returns every required trigger word of the active adapters in
// adapter order, deduplicated case-insensitively. The joined phrase is built
// once, at the prompt-construction boundary.
func (s ResolvedSet) TriggerWords() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, sel := range s.Active {
		for _, w := range sel.LoRA.RequiredTriggers() {
			w = strings.TrimSpace(w)
			if w == "" {
				continue
			}
			key := strings.ToLower(w)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}

// CombinedTrigger joins the required trigger words with commas.
func (s ResolvedSet) CombinedTrigger() string {
	return strings.Join(s.TriggerWords(), ", ")
}
