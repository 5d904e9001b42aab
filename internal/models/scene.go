package models

import "strings"

// Character is a named actor that can appear in scenes.
type Character struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Scene is one illustrated beat of a story. The text fields come from the
// scene-planning stage; the prompt fields are filled by the image-prompt
// stage and read verbatim by the composer.
type Scene struct {
	Location       string      `json:"location"`
	Time           string      `json:"time"`
	Action         string      `json:"action"`
	Characters     []Character `json:"characters"`
	PositivePrompt string      `json:"positive_prompt,omitempty"`
	NegativePrompt string      `json:"negative_prompt,omitempty"`
	Seed           int64       `json:"seed,omitempty"`
}

// CharacterNames joins the scene's character names for display and prompts.
func (s Scene) CharacterNames() string {
	names := make([]string, 0, len(s.Characters))
	for _, c := range s.Characters {
		names = append(names, c.Name)
	}
	return strings.Join(names, ", ")
}
