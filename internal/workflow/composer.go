package workflow

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"

	"github.com/IAMD3/ykgen/internal/lora"
)

// BaselineNegative is always merged into the negative prompt, regardless of
// adapter selection. Generated images must never contain rendered text, so
// writing-related terms sit here alongside the usual quality exclusions.
const BaselineNegative = "lowres, bad anatomy, bad hands, missing fingers, extra digits, " +
	"jpeg artifacts, worst quality, low quality, blurry, watermark, signature, " +
	"text, words, letters, writing, captions, subtitles"

// Seeds live in [1, maxSeed), per the renderer's accepted range.
const maxSeed = int64(1)<<31 - 1

// ErrTemplate marks composition against a template missing expected nodes.
// This is a catalog/template mismatch, fatal and never retried.
var ErrTemplate = errors.New("workflow template error")

// Request carries one scene's inputs for composition. Composition is pure:
// the same request and adapter set always produce the same graph, so a
// composed request can be re-submitted verbatim on render retry.
type Request struct {
	PositivePrompt string
	NegativePrompt string
	// Seed overrides the sampler seed when positive; otherwise a fresh
	// random seed is drawn per request.
	Seed int64
}

// Compose builds one render request graph from a resolved adapter set. All
// three selection modes funnel through here, parameterized only by the
// adapter list.
func Compose(tmpl *Template, set lora.ResolvedSet, req Request) (*Graph, error) {
	g, roles := tmpl.instantiate()
	if err := checkRoles(g, roles, RoleCheckpoint, RoleLoRA, RolePositive, RoleNegative, RoleSampler); err != nil {
		return nil, err
	}

	ckpt := roles[RoleCheckpoint]
	slot := roles[RoleLoRA]
	sampler := roles[RoleSampler]

	switch len(set.Active) {
	case 0:
		// No adapters: drop the slot and wire encoders and sampler straight
		// to the checkpoint.
		g.Remove(slot)
		g.SetInput(roles[RolePositive], "clip", ckpt.Out(1))
		g.SetInput(roles[RoleNegative], "clip", ckpt.Out(1))
		g.SetInput(sampler, "model", ckpt.Out(0))
	case 1:
		sel := set.Active[0]
		g.SetInput(slot, "lora_name", sel.LoRA.File)
		g.SetInput(slot, "strength_model", sel.StrengthModel)
		g.SetInput(slot, "strength_clip", sel.StrengthClip)
	default:
		// Multiple adapters: replace the single slot with a linear chain,
		// each link consuming the previous link's model and clip outputs.
		g.Remove(slot)
		prevModel, prevClip := ckpt.Out(0), ckpt.Out(1)
		for _, sel := range set.Active {
			link := g.Add(classLoraLoader, map[string]interface{}{
				"lora_name":      sel.LoRA.File,
				"strength_model": sel.StrengthModel,
				"strength_clip":  sel.StrengthClip,
				"model":          prevModel,
				"clip":           prevClip,
			})
			prevModel, prevClip = link.Out(0), link.Out(1)
		}
		g.SetInput(roles[RolePositive], "clip", prevClip)
		g.SetInput(roles[RoleNegative], "clip", prevClip)
		g.SetInput(sampler, "model", prevModel)
	}

	g.SetInput(roles[RolePositive], "text", mergeTriggerPhrase(set, req.PositivePrompt))
	g.SetInput(roles[RoleNegative], "text", mergeNegative(req.NegativePrompt))

	applyRecommendedSettings(g, sampler, set)

	seed := req.Seed
	if seed <= 0 {
		seed = RandomSeed()
	}
	g.SetInput(sampler, "seed", seed)

	return g, nil
}

func checkRoles(g *Graph, roles map[Role]NodeRef, required ...Role) error {
	for _, role := range required {
		ref, ok := roles[role]
		if !ok {
			return fmt.Errorf("%w: template has no %q node", ErrTemplate, role)
		}
		if _, ok := g.Node(ref); !ok {
			return fmt.Errorf("%w: template %q node %s missing from graph", ErrTemplate, role, ref.ID())
		}
	}
	return nil
}

// mergeTriggerPhrase prepends the adapters' required trigger words to the
// positive prompt. Words already present (case-insensitive) are skipped so
// every trigger appears exactly once, and the phrase is prepended once for
// the whole chain, not once per adapter.
func mergeTriggerPhrase(set lora.ResolvedSet, positive string) string {
	lowered := strings.ToLower(positive)
	var missing []string
	for _, w := range set.TriggerWords() {
		if strings.Contains(lowered, strings.ToLower(w)) {
			continue
		}
		missing = append(missing, w)
	}
	if len(missing) == 0 {
		return positive
	}
	phrase := strings.Join(missing, ", ")
	if positive == "" {
		return phrase
	}
	return phrase + ", " + positive
}

// mergeNegative appends the caller's negative prompt to the fixed baseline.
func mergeNegative(negative string) string {
	negative = strings.TrimSpace(negative)
	if negative == "" {
		return BaselineNegative
	}
	return BaselineNegative + ", " + negative
}

// applyRecommendedSettings reconciles the adapters' recommended sampler
// settings with a first-wins policy: settings from different adapters may be
// mutually incompatible, so the first adapter carrying a block overrides the
// defaults and every later block is ignored and logged.
func applyRecommendedSettings(g *Graph, sampler NodeRef, set lora.ResolvedSet) {
	applied := ""
	for _, sel := range set.Active {
		rec := sel.LoRA.Recommended
		if rec == nil {
			continue
		}
		if applied != "" {
			log.Printf("[composer] ignoring recommended settings from %q (already applied from %q)", sel.LoRA.Name, applied)
			continue
		}
		applied = sel.LoRA.Name
		if rec.Steps > 0 {
			g.SetInput(sampler, "steps", rec.Steps)
		}
		if rec.CFG > 0 {
			g.SetInput(sampler, "cfg", rec.CFG)
		}
		if rec.SamplerName != "" {
			g.SetInput(sampler, "sampler_name", rec.SamplerName)
		}
	}
}

// RandomSeed returns a render seed in the accepted range.
func RandomSeed() int64 {
	return rand.Int63n(maxSeed-1) + 1
}
