package prompts

import (
	"strings"
	"testing"
)

func TestRenderSubstitutesVariables(t *testing.T) {
	e := NewTemplateEngine()
	e.RegisterTemplate(&Template{
		Name:    "greeting",
		Content: "Hello {{name}}, welcome to {{place}}.",
	})

	got, err := e.Render("greeting", map[string]string{"name": "Tomas", "place": "the harbor"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Hello Tomas, welcome to the harbor." {
		t.Errorf("Render = %q", got)
	}
}

func TestRenderKeepsUnknownPlaceholders(t *testing.T) {
	e := NewTemplateEngine()
	e.RegisterTemplate(&Template{Name: "partial", Content: "{{known}} and {{unknown}}"})

	got, err := e.Render("partial", map[string]string{"known": "value"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "value and {{unknown}}" {
		t.Errorf("Render = %q, want the unknown placeholder kept verbatim", got)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	e := NewTemplateEngine()
	if _, err := e.Render("no_such_template", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestParseTemplateVariables(t *testing.T) {
	vars := ParseTemplateVariables("{{a}} {{b}} {{a}}")
	if len(vars) != 2 || vars[0] != "a" || vars[1] != "b" {
		t.Errorf("vars = %v, want [a b]", vars)
	}
}

func TestDefaultTemplatesRegistered(t *testing.T) {
	e := NewTemplateEngine()
	for _, name := range []string{TemplateStory, TemplateCharacters, TemplateScenes, TemplateImagePrompt} {
		tmpl, err := e.GetTemplate(name)
		if err != nil {
			t.Errorf("default template %q missing: %v", name, err)
			continue
		}
		if len(tmpl.Variables) == 0 {
			t.Errorf("template %q has no variables", name)
		}
	}
}

func TestSceneTemplateCarriesContext(t *testing.T) {
	e := NewTemplateEngine()
	got, err := e.Render(TemplateScenes, map[string]string{
		"story":       "a story about the sea",
		"scene_count": "3",
		"characters":  "Tomas: a fisherman",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"a story about the sea", "exactly 3 scenes", "Tomas: a fisherman"} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered template missing %q", want)
		}
	}
}
