package lora

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	// MinStrength and MaxStrength bound both the model and clip strengths.
	MinStrength = 0.1
	MaxStrength = 1.0

	defaultStrength = 1.0
)

// ErrConfiguration marks catalog or mode setup errors. These are fatal and
// never retried: they indicate a config bug, not backend flakiness.
var ErrConfiguration = errors.New("lora configuration error")

// TriggerWords holds the phrases that activate an adapter. Required words
// must appear in the positive prompt whenever the adapter is applied.
type TriggerWords struct {
	Required []string `yaml:"required" json:"required"`
	Optional []string `yaml:"optional" json:"optional"`
}

// SamplerSettings is a partial override of sampler defaults an adapter may
// recommend. Zero values mean "no opinion" for that field.
type SamplerSettings struct {
	Steps       int     `yaml:"steps" json:"steps"`
	CFG         float64 `yaml:"cfg" json:"cfg"`
	SamplerName string  `yaml:"sampler_name" json:"sampler_name"`
}

// LoRA describes one style adapter available to a base model. Instances are
// loaded once at startup and never mutated.
type LoRA struct {
	ID              string           `json:"id"`
	Name            string           `yaml:"name" json:"name"`
	File            string           `yaml:"file" json:"file"`
	Description     string           `yaml:"description" json:"description"`
	TriggerWords    *TriggerWords    `yaml:"trigger_words" json:"trigger_words"`
	DisplayTrigger  string           `yaml:"display_trigger" json:"display_trigger"`
	StrengthModel   float64          `yaml:"strength_model" json:"strength_model"`
	StrengthClip    float64          `yaml:"strength_clip" json:"strength_clip"`
	Recommended     *SamplerSettings `yaml:"recommended_settings,omitempty" json:"recommended_settings,omitempty"`
	EssentialTraits []string         `yaml:"essential_traits,omitempty" json:"essential_traits,omitempty"`
}

// RequiredTriggers returns the adapter's required trigger words, never nil.
func (l LoRA) RequiredTriggers() []string {
	if l.TriggerWords == nil {
		return nil
	}
	return l.TriggerWords.Required
}

// ModelEntry groups the adapters available for one base model.
type ModelEntry struct {
	Description string          `yaml:"description"`
	LoRAs       map[string]LoRA `yaml:"loras"`
}

// Catalog is the validated adapter registry, keyed by base model id. Loaded
// once at process start; lookups are read-only afterwards.
type Catalog struct {
	models map[string]ModelEntry
}

// LoadCatalog reads and validates a catalog file. Any validation failure is
// fatal to the caller.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lora catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a catalog from raw YAML and validates it.
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw map[string]ModelEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse lora catalog: %w", err)
	}

	// The choice id keys are not repeated inside the entries; stamp them on.
	for model, entry := range raw {
		for id, l := range entry.LoRAs {
			l.ID = id
			entry.LoRAs[id] = l
		}
		raw[model] = entry
	}

	c := &Catalog{models: raw}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every adapter entry. Violations are configuration errors.
func (c *Catalog) Validate() error {
	for model, entry := range c.models {
		if entry.Description == "" {
			return fmt.Errorf("%w: model %q missing description", ErrConfiguration, model)
		}
		for id, l := range entry.LoRAs {
			if err := validateLoRA(l); err != nil {
				return fmt.Errorf("%w: model %q lora %q: %v", ErrConfiguration, model, id, err)
			}
		}
	}
	return nil
}

func validateLoRA(l LoRA) error {
	switch {
	case l.Name == "":
		return errors.New("missing name")
	case l.File == "":
		return errors.New("missing file")
	case l.Description == "":
		return errors.New("missing description")
	case l.DisplayTrigger == "":
		return errors.New("missing display_trigger")
	case l.TriggerWords == nil:
		return errors.New("missing trigger_words")
	}
	if err := validateStrength(l.StrengthModel); err != nil {
		return fmt.Errorf("strength_model: %v", err)
	}
	if err := validateStrength(l.StrengthClip); err != nil {
		return fmt.Errorf("strength_clip: %v", err)
	}
	return nil
}

func validateStrength(v float64) error {
	if v < MinStrength || v > MaxStrength {
		return fmt.Errorf("value %.2f outside [%.1f, %.1f]", v, MinStrength, MaxStrength)
	}
	return nil
}

// Models lists the base model ids in the catalog, sorted for stable output.
func (c *Catalog) Models() []string {
	out := make([]string, 0, len(c.models))
	for model := range c.models {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}

// ModelDescription returns the catalog description for a base model.
func (c *Catalog) ModelDescription(model string) (string, bool) {
	entry, ok := c.models[model]
	return entry.Description, ok
}

// LoRAs returns the adapters for a base model in choice-id order.
func (c *Catalog) LoRAs(model string) []LoRA {
	entry, ok := c.models[model]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(entry.LoRAs))
	for id := range entry.LoRAs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]LoRA, 0, len(ids))
	for _, id := range ids {
		out = append(out, entry.LoRAs[id])
	}
	return out
}

// ByID looks up one adapter by its choice id.
func (c *Catalog) ByID(model, id string) (LoRA, bool) {
	entry, ok := c.models[model]
	if !ok {
		return LoRA{}, false
	}
	l, ok := entry.LoRAs[id]
	return l, ok
}

// ByIDWithStrength resolves a single "id[:sModel[,sClip]]" override spec
// against the catalog. A bare id keeps 1.0/1.0; one value sets both
// strengths; two values set model and clip independently.
func (c *Catalog) ByIDWithStrength(model, spec string) (Selected, error) {
	id, sm, sc, err := parseStrengthSpec(spec)
	if err != nil {
		return Selected{}, err
	}
	l, ok := c.ByID(model, id)
	if !ok {
		return Selected{}, fmt.Errorf("%w: lora %q not found for model %q", ErrConfiguration, id, model)
	}
	return Selected{LoRA: l, StrengthModel: sm, StrengthClip: sc}, nil
}

// ByIDsWithStrength resolves a comma-separated list of override specs, e.g.
// "3:0.7,5:0.6,7". A comma after an "id:s" token is read as the clip
// strength only when it parses as a valid strength value; otherwise it
// starts the next entry.
func (c *Catalog) ByIDsWithStrength(model, specs string) ([]Selected, error) {
	parts, err := SplitSpecList(specs)
	if err != nil {
		return nil, err
	}
	out := make([]Selected, 0, len(parts))
	for _, spec := range parts {
		sel, err := c.ByIDWithStrength(model, spec)
		if err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	return out, nil
}

// SplitSpecList splits a comma-separated override list into individual
// "id[:sModel[,sClip]]" specs, keeping a clip strength attached to its id.
func SplitSpecList(specs string) ([]string, error) {
	specs = strings.TrimSpace(specs)
	if specs == "" {
		return nil, fmt.Errorf("%w: empty lora spec list", ErrConfiguration)
	}

	tokens := strings.Split(specs, ",")
	var parts []string
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		// A strength-ranged number following an "id:s" token is that
		// entry's clip strength, not a new id.
		if len(parts) > 0 && isClipContinuation(parts[len(parts)-1], tok) {
			parts[len(parts)-1] += "," + tok
			continue
		}
		parts = append(parts, tok)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty lora spec list", ErrConfiguration)
	}
	return parts, nil
}

func isClipContinuation(prev, tok string) bool {
	if !strings.Contains(prev, ":") || strings.Contains(prev, ",") {
		return false
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return false
	}
	return v >= MinStrength && v <= MaxStrength
}

// parseStrengthSpec parses one "id[:sModel[,sClip]]" spec.
func parseStrengthSpec(spec string) (id string, sModel, sClip float64, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", 0, 0, fmt.Errorf("%w: empty lora spec", ErrConfiguration)
	}

	id, rest, hasStrength := strings.Cut(spec, ":")
	id = strings.TrimSpace(id)
	if id == "" {
		return "", 0, 0, fmt.Errorf("%w: lora spec %q missing id", ErrConfiguration, spec)
	}
	if !hasStrength {
		return id, defaultStrength, defaultStrength, nil
	}

	first, second, hasClip := strings.Cut(rest, ",")
	sModel, err = parseStrengthValue(spec, first)
	if err != nil {
		return "", 0, 0, err
	}
	if !hasClip {
		// A single value applies to both strengths.
		return id, sModel, sModel, nil
	}
	sClip, err = parseStrengthValue(spec, second)
	if err != nil {
		return "", 0, 0, err
	}
	return id, sModel, sClip, nil
}

func parseStrengthValue(spec, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: lora spec %q has invalid strength %q", ErrConfiguration, spec, raw)
	}
	if err := validateStrength(v); err != nil {
		return 0, fmt.Errorf("%w: lora spec %q: %v", ErrConfiguration, spec, err)
	}
	return v, nil
}
