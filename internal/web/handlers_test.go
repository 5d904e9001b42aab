package web

import (
	"strings"
	"testing"

	"github.com/IAMD3/ykgen/internal/config"
	"github.com/IAMD3/ykgen/internal/engine"
	"github.com/IAMD3/ykgen/internal/generators"
	"github.com/IAMD3/ykgen/internal/lora"
)

const catalogYAML = `
sdxl:
  description: "test model"
  loras:
    "1":
      name: "Watercolor Wash"
      file: "watercolor.safetensors"
      description: "soft watercolor"
      display_trigger: "watercolor"
      trigger_words:
        required: ["watercolor"]
      strength_model: 0.8
      strength_clip: 0.8
    "2":
      name: "Ink Outline"
      file: "ink.safetensors"
      description: "bold ink lines"
      display_trigger: "ink lines"
      trigger_words:
        required: ["ink lines"]
      strength_model: 0.9
      strength_clip: 0.9
`

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	catalog, err := lora.ParseCatalog([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	cfg := &config.Config{}
	cfg.Generation.BaseModel = "sdxl"
	queue := generators.NewImageQueue(nil, nil, 1)
	eng := engine.NewEngine(nil, catalog, queue, nil, nil, nil, config.ComfyUIConfig{}, cfg.Generation)
	return NewHandlers(cfg, nil, eng, nil, nil, nil)
}

func TestBuildModeNone(t *testing.T) {
	h := newTestHandlers(t)

	for _, raw := range []string{"", "none", "None"} {
		mode, err := h.buildMode("sdxl", GenerateRequest{Mode: raw})
		if err != nil {
			t.Fatalf("buildMode(%q): %v", raw, err)
		}
		if mode.Kind() != lora.ModeNone {
			t.Errorf("buildMode(%q) kind = %q, want none", raw, mode.Kind())
		}
	}
}

func TestBuildModeAllDefaultsToWholeCatalog(t *testing.T) {
	h := newTestHandlers(t)

	mode, err := h.buildMode("sdxl", GenerateRequest{Mode: "all"})
	if err != nil {
		t.Fatalf("buildMode: %v", err)
	}
	if mode.Kind() != lora.ModeAll {
		t.Fatalf("kind = %q, want all", mode.Kind())
	}
	if len(mode.All()) != 2 {
		t.Errorf("got %d adapters, want the whole catalog (2)", len(mode.All()))
	}
}

func TestBuildModeAllWithStrengthSpecs(t *testing.T) {
	h := newTestHandlers(t)

	mode, err := h.buildMode("sdxl", GenerateRequest{Mode: "all", Adapters: "1:0.5,2:0.6,0.7"})
	if err != nil {
		t.Fatalf("buildMode: %v", err)
	}
	all := mode.All()
	if len(all) != 2 {
		t.Fatalf("got %d adapters, want 2", len(all))
	}
	if all[0].StrengthModel != 0.5 || all[0].StrengthClip != 0.5 {
		t.Errorf("adapter 1 strengths = (%v, %v), want (0.5, 0.5)", all[0].StrengthModel, all[0].StrengthClip)
	}
	if all[1].StrengthModel != 0.6 || all[1].StrengthClip != 0.7 {
		t.Errorf("adapter 2 strengths = (%v, %v), want (0.6, 0.7)", all[1].StrengthModel, all[1].StrengthClip)
	}
}

func TestBuildModeGroupDefaultsOptionalPool(t *testing.T) {
	h := newTestHandlers(t)

	mode, err := h.buildMode("sdxl", GenerateRequest{Mode: "group", Required: "1"})
	if err != nil {
		t.Fatalf("buildMode: %v", err)
	}
	if mode.Kind() != lora.ModeGroup {
		t.Fatalf("kind = %q, want group", mode.Kind())
	}
	if len(mode.Required()) != 1 || mode.Required()[0].ID != "1" {
		t.Errorf("required = %+v", mode.Required())
	}
	// Unlisted catalog adapters become the optional pool.
	if len(mode.Optional()) != 1 || mode.Optional()[0].ID != "2" {
		t.Errorf("optional = %+v, want adapter 2", mode.Optional())
	}
}

func TestBuildModeRejectsUnknown(t *testing.T) {
	h := newTestHandlers(t)

	if _, err := h.buildMode("sdxl", GenerateRequest{Mode: "sometimes"}); err == nil {
		t.Error("unknown mode accepted")
	}
	if _, err := h.buildMode("sdxl", GenerateRequest{Mode: "group", Required: "99"}); err == nil {
		t.Error("unknown adapter id accepted")
	}
	_, err := h.buildMode("sd15", GenerateRequest{Mode: "all"})
	if err == nil || !strings.Contains(err.Error(), "no adapters") {
		t.Errorf("unknown model error = %v", err)
	}
}
