package prompts

import (
	"fmt"
	"regexp"
	"sync"
)

// Template names used by the generation pipeline.
const (
	TemplateStory       = "story_generation"
	TemplateCharacters  = "character_extraction"
	TemplateScenes      = "scene_planning"
	TemplateImagePrompt = "image_prompt"
)

// TemplateEngine manages prompt templates
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// Template represents a prompt template with variables
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Description string   `json:"description"`
}

// NewTemplateEngine creates a new template engine
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerDefaults()
	return e
}

// RegisterTemplate registers a new template
func (e *TemplateEngine) RegisterTemplate(tmpl *Template) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(tmpl.Variables) == 0 {
		tmpl.Variables = ParseTemplateVariables(tmpl.Content)
	}
	e.templates[tmpl.Name] = tmpl
}

// GetTemplate retrieves a template by name
func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render renders a template with the given variables. Unknown placeholders
// are kept verbatim so missing context is visible in the prompt.
func (e *TemplateEngine) Render(name string, vars map[string]string) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}

	return varRegex.ReplaceAllStringFunc(tmpl.Content, func(match string) string {
		varName := varRegex.FindStringSubmatch(match)[1]
		if value, ok := vars[varName]; ok {
			return value
		}
		return match
	}), nil
}

// ParseTemplateVariables extracts variables from a template
func ParseTemplateVariables(templateContent string) []string {
	matches := varRegex.FindAllStringSubmatch(templateContent, -1)

	seen := make(map[string]bool)
	var vars []string
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}
	return vars
}

func (e *TemplateEngine) registerDefaults() {
	templates := []*Template{
		{
			Name:        TemplateStory,
			Description: "Expands the user prompt into a complete short story",
			Content: `You are a storyteller writing a short illustrated story.

## Source prompt
{{prompt}}

## Requirements
1. Write a complete, self-contained story of 300-600 words.
2. Keep a small cast of recurring characters.
3. Write concrete, visual scenes; avoid abstract narration.
4. Keep the tone and imagery of the source prompt, including poetry prompts.

Write the story now:`,
		},
		{
			Name:        TemplateCharacters,
			Description: "Extracts the recurring characters from a story",
			Content: `Extract every recurring character from the story below.

## Story
{{story}}

Respond with JSON only:
{"characters": [{"name": "...", "description": "visual description, 1-2 sentences"}]}`,
		},
		{
			Name:        TemplateScenes,
			Description: "Splits a story into illustratable scenes",
			Content: `Split the story below into exactly {{scene_count}} scenes suitable for
illustration. Every scene needs a concrete location, a time of day, one
clear action and the characters present in it.

## Story
{{story}}

## Known characters
{{characters}}

Respond with JSON only:
{"scenes": [{"location": "...", "time": "...", "action": "...", "characters": [{"name": "...", "description": "..."}]}]}`,
		},
		{
			Name:        TemplateImagePrompt,
			Description: "Turns one scene into positive/negative image prompts",
			Content: `Write an image-generation prompt for the scene below.

Location: {{location}}
Time: {{time}}
Action: {{action}}
Characters: {{characters}}

Requirements:
1. The positive prompt is a comma-separated tag list, most important first.
2. Describe characters by appearance, never by name.
3. The negative prompt lists only things to avoid beyond standard quality terms.
4. The image must not contain any text or writing.

Respond with JSON only:
{"positive_prompt": "...", "negative_prompt": "..."}`,
		},
	}

	for _, tmpl := range templates {
		e.RegisterTemplate(tmpl)
	}
}
