package lora

import (
	"errors"
	"strings"
	"testing"
)

const catalogYAML = `
sdxl:
  description: "SDXL base"
  loras:
    "3":
      name: "Watercolor Wash"
      file: "watercolor_v2.safetensors"
      description: "Soft painterly watercolor style"
      display_trigger: "watercolor"
      trigger_words:
        required: ["watercolor", "soft wash"]
        optional: ["paper texture"]
      strength_model: 0.8
      strength_clip: 0.7
    "5":
      name: "Pixel Quest"
      file: "pixelquest.safetensors"
      description: "Retro pixel-art rendering"
      display_trigger: "pixel art"
      trigger_words:
        required: ["pixel art"]
        optional: []
      strength_model: 1.0
      strength_clip: 1.0
      recommended_settings:
        steps: 20
        cfg: 5.5
        sampler_name: "euler"
    "7":
      name: "Ink Outline"
      file: "ink_outline.safetensors"
      description: "Heavy ink outlines"
      display_trigger: "ink lines"
      trigger_words:
        required: []
        optional: []
      strength_model: 0.6
      strength_clip: 0.6
`

func mustCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := ParseCatalog([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	return c
}

func TestParseCatalog(t *testing.T) {
	c := mustCatalog(t)

	desc, ok := c.ModelDescription("sdxl")
	if !ok || desc != "SDXL base" {
		t.Fatalf("ModelDescription = %q, %v", desc, ok)
	}

	l, ok := c.ByID("sdxl", "3")
	if !ok {
		t.Fatal("lora 3 not found")
	}
	if l.ID != "3" || l.Name != "Watercolor Wash" {
		t.Fatalf("unexpected lora: %+v", l)
	}
	if got := l.RequiredTriggers(); len(got) != 2 || got[0] != "watercolor" {
		t.Fatalf("required triggers = %v", got)
	}

	if got := len(c.LoRAs("sdxl")); got != 3 {
		t.Fatalf("LoRAs count = %d, want 3", got)
	}
	if c.LoRAs("unknown") != nil {
		t.Fatal("unknown model should list no adapters")
	}
}

func TestValidateRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "missing name",
			yaml: `
m:
  description: "d"
  loras:
    "1":
      file: "f.safetensors"
      description: "d"
      display_trigger: "t"
      trigger_words: {required: [], optional: []}
      strength_model: 0.5
      strength_clip: 0.5
`,
		},
		{
			name: "missing trigger_words",
			yaml: `
m:
  description: "d"
  loras:
    "1":
      name: "n"
      file: "f.safetensors"
      description: "d"
      display_trigger: "t"
      strength_model: 0.5
      strength_clip: 0.5
`,
		},
		{
			name: "strength out of range",
			yaml: `
m:
  description: "d"
  loras:
    "1":
      name: "n"
      file: "f.safetensors"
      description: "d"
      display_trigger: "t"
      trigger_words: {required: [], optional: []}
      strength_model: 1.5
      strength_clip: 0.5
`,
		},
		{
			name: "strength below minimum",
			yaml: `
m:
  description: "d"
  loras:
    "1":
      name: "n"
      file: "f.safetensors"
      description: "d"
      display_trigger: "t"
      trigger_words: {required: [], optional: []}
      strength_model: 0.5
      strength_clip: 0.05
`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("error %v is not a configuration error", err)
			}
		})
	}
}

func TestByIDWithStrength(t *testing.T) {
	c := mustCatalog(t)

	cases := []struct {
		spec          string
		wantID        string
		wantModel     float64
		wantClip      float64
		wantErrSubstr string
	}{
		{spec: "3", wantID: "3", wantModel: 1.0, wantClip: 1.0},
		{spec: "5:0.6", wantID: "5", wantModel: 0.6, wantClip: 0.6},
		{spec: "5:0.6,0.9", wantID: "5", wantModel: 0.6, wantClip: 0.9},
		{spec: "5:1.5", wantErrSubstr: "outside"},
		{spec: "5:abc", wantErrSubstr: "invalid strength"},
		{spec: "99", wantErrSubstr: "not found"},
		{spec: "", wantErrSubstr: "empty"},
	}

	for _, tc := range cases {
		t.Run(tc.spec, func(t *testing.T) {
			sel, err := c.ByIDWithStrength("sdxl", tc.spec)
			if tc.wantErrSubstr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErrSubstr) {
					t.Fatalf("err = %v, want substring %q", err, tc.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sel.LoRA.ID != tc.wantID || sel.StrengthModel != tc.wantModel || sel.StrengthClip != tc.wantClip {
				t.Fatalf("got %s (%.2f, %.2f), want %s (%.2f, %.2f)",
					sel.LoRA.ID, sel.StrengthModel, sel.StrengthClip, tc.wantID, tc.wantModel, tc.wantClip)
			}
		})
	}
}

func TestByIDsWithStrengthList(t *testing.T) {
	c := mustCatalog(t)

	// A bare id after an "id:s" token is a new entry, not a clip strength,
	// because 7 is not a valid strength value.
	sels, err := c.ByIDsWithStrength("sdxl", "3:0.7,5:0.6,7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sels) != 3 {
		t.Fatalf("got %d entries, want 3", len(sels))
	}
	if sels[0].LoRA.ID != "3" || sels[0].StrengthModel != 0.7 || sels[0].StrengthClip != 0.7 {
		t.Fatalf("entry 0 = %s (%.2f, %.2f)", sels[0].LoRA.ID, sels[0].StrengthModel, sels[0].StrengthClip)
	}
	if sels[1].LoRA.ID != "5" || sels[1].StrengthModel != 0.6 || sels[1].StrengthClip != 0.6 {
		t.Fatalf("entry 1 = %s (%.2f, %.2f)", sels[1].LoRA.ID, sels[1].StrengthModel, sels[1].StrengthClip)
	}
	if sels[2].LoRA.ID != "7" || sels[2].StrengthModel != 1.0 || sels[2].StrengthClip != 1.0 {
		t.Fatalf("entry 2 = %s (%.2f, %.2f)", sels[2].LoRA.ID, sels[2].StrengthModel, sels[2].StrengthClip)
	}

	// An in-range number after "id:s" binds as that entry's clip strength.
	sels, err = c.ByIDsWithStrength("sdxl", "5:0.6,0.9,3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sels) != 2 {
		t.Fatalf("got %d entries, want 2", len(sels))
	}
	if sels[0].LoRA.ID != "5" || sels[0].StrengthClip != 0.9 {
		t.Fatalf("entry 0 = %s clip %.2f", sels[0].LoRA.ID, sels[0].StrengthClip)
	}
	if sels[1].LoRA.ID != "3" {
		t.Fatalf("entry 1 = %s, want 3", sels[1].LoRA.ID)
	}
}
