package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/IAMD3/ykgen/internal/config"
	"github.com/IAMD3/ykgen/internal/generators"
	"github.com/IAMD3/ykgen/internal/lora"
	"github.com/IAMD3/ykgen/internal/models"
	"github.com/IAMD3/ykgen/internal/prompts"
	"github.com/IAMD3/ykgen/internal/retry"
	"github.com/IAMD3/ykgen/internal/storage"
	"github.com/IAMD3/ykgen/internal/workflow"
)

// Pipeline stages, used in progress events and logs.
const (
	StageStory      = "story"
	StageCharacters = "characters"
	StageScenes     = "scenes"
	StagePrompts    = "prompts"
	StageSelection  = "selection"
	StageCompose    = "compose"
	StageRender     = "render"
	StageDone       = "done"
)

// EventSink receives pipeline progress events, typically a websocket hub.
type EventSink interface {
	Publish(event models.RunEvent)
}

// RunRequest describes one story-generation run.
type RunRequest struct {
	RunID      string // assigned when empty
	Prompt     string
	Mode       lora.Mode
	BaseModel  string
	SceneCount int
	Seed       int64 // base seed; scene i renders with Seed+i. 0 = random per scene.
}

// SceneImage is the render outcome of one scene.
type SceneImage struct {
	SceneIndex int    `json:"scene_index"`
	Path       string `json:"path,omitempty"`
	Seed       int64  `json:"seed"`
	Cached     bool   `json:"cached,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunResult is the terminal state of one run.
type RunResult struct {
	RunID      string              `json:"run_id"`
	Status     string              `json:"status"`
	Story      string              `json:"story"`
	Characters []models.Character  `json:"characters"`
	Scenes     []models.Scene      `json:"scenes"`
	Selection  lora.StorySelection `json:"selection"`
	Images     []SceneImage        `json:"images"`
	Degraded   bool                `json:"degraded"`
}

// Engine runs the story pipeline: story text, characters, scenes, image
// prompts, adapter selection, workflow composition and render fan-out.
type Engine struct {
	llm     ChatBackend
	catalog *lora.Catalog
	prompts *prompts.TemplateEngine
	queue   *generators.ImageQueue

	mysql  *storage.MySQLStore // optional
	redis  *storage.RedisStore // optional
	events EventSink           // optional

	comfy config.ComfyUIConfig
	gen   config.GenerationConfig

	retryOpts []retry.Option
}

// NewEngine wires the pipeline. mysql, redis and events may be nil; the
// pipeline then runs without persistence or progress streaming.
func NewEngine(
	llm ChatBackend,
	catalog *lora.Catalog,
	queue *generators.ImageQueue,
	mysql *storage.MySQLStore,
	redis *storage.RedisStore,
	events EventSink,
	comfy config.ComfyUIConfig,
	gen config.GenerationConfig,
) *Engine {
	return &Engine{
		llm:     llm,
		catalog: catalog,
		prompts: prompts.NewTemplateEngine(),
		queue:   queue,
		mysql:   mysql,
		redis:   redis,
		events:  events,
		comfy:   comfy,
		gen:     gen,
	}
}

// Catalog exposes the adapter catalog backing this engine.
func (e *Engine) Catalog() *lora.Catalog { return e.catalog }

// GenerateStory runs the full pipeline for one request. The retry budget is
// scoped to this call: every generation step in the run draws from the same
// counter, a fallback never fails the run, and an exhausted budget marks the
// run degraded. Only workflow composition errors abort a run, since they
// indicate misconfiguration rather than backend flakiness.
func (e *Engine) GenerateStory(ctx context.Context, req RunRequest) (*RunResult, error) {
	policy := retry.NewPolicy(e.gen.MaxRetries, e.retryOpts...)
	runID := req.RunID
	if runID == "" {
		runID = fmt.Sprintf("run_%d", time.Now().UnixNano())
	}
	log.Printf("[engine] run %s started: mode=%s scenes=%d", runID, req.Mode.Kind(), req.SceneCount)

	run := &models.GenerationRun{
		ID:        runID,
		Prompt:    req.Prompt,
		Mode:      string(req.Mode.Kind()),
		BaseModel: req.BaseModel,
		Status:    models.RunStatusRunning,
	}
	if e.mysql != nil {
		if err := e.mysql.SaveRun(run); err != nil {
			log.Printf("[engine] run %s: %v", runID, err)
		}
	}

	result := &RunResult{RunID: runID}

	// Story text
	e.emit(runID, StageStory, -1, "expanding prompt into a story", "")
	result.Story = e.generateStoryText(ctx, policy, req.Prompt)

	// Characters
	e.emit(runID, StageCharacters, -1, "extracting characters", "")
	result.Characters = e.extractCharacters(ctx, policy, result.Story)

	// Scenes
	sceneCount := req.SceneCount
	if sceneCount <= 0 {
		sceneCount = e.gen.SceneCount
	}
	e.emit(runID, StageScenes, -1, fmt.Sprintf("planning %d scenes", sceneCount), "")
	result.Scenes = e.planScenes(ctx, policy, result.Story, result.Characters, sceneCount)

	// Per-scene image prompts
	for i := range result.Scenes {
		e.emit(runID, StagePrompts, i, "writing image prompt", "")
		e.writeImagePrompt(ctx, policy, &result.Scenes[i])
	}

	// Adapter selection. Group mode decides once for the whole story so
	// every scene renders with the same style; None and All never call
	// the decision backend.
	if req.Mode.Kind() == lora.ModeGroup {
		e.emit(runID, StageSelection, -1, "selecting style adapters", "")
		selector := lora.NewSelector(e.llm, policy)
		result.Selection = selector.SelectForStory(ctx, result.Scenes, req.Mode)
		log.Printf("[engine] run %s selection: %d adapters (%s)", runID, len(result.Selection.Chosen), result.Selection.Reasoning)
	}
	set := req.Mode.Resolve(result.Selection)

	// Compose one workflow per scene from a single shared template.
	tmpl := workflow.NewTextToImageTemplate(workflow.TemplateConfig{
		Checkpoint:     e.comfy.Checkpoint,
		Width:          e.comfy.Width,
		Height:         e.comfy.Height,
		Steps:          e.comfy.Steps,
		CFG:            e.comfy.CFG,
		SamplerName:    e.comfy.SamplerName,
		Scheduler:      e.comfy.Scheduler,
		FilenamePrefix: runID,
	})

	jobs := make([]generators.RenderJob, 0, len(result.Scenes))
	seeds := make([]int64, len(result.Scenes))
	for i, scene := range result.Scenes {
		seed := workflow.RandomSeed()
		if req.Seed > 0 {
			seed = req.Seed + int64(i)
		}
		seeds[i] = seed
		result.Scenes[i].Seed = seed

		e.emit(runID, StageCompose, i, "composing render workflow", "")
		g, err := workflow.Compose(tmpl, set, workflow.Request{
			PositivePrompt: scene.PositivePrompt,
			NegativePrompt: scene.NegativePrompt,
			Seed:           seed,
		})
		if err != nil {
			// Composition failures are configuration errors; retrying
			// with the same template cannot fix them.
			run.Status = models.RunStatusFailed
			e.finishRun(run, result)
			e.emit(runID, StageCompose, i, "", err.Error())
			return nil, fmt.Errorf("run %s: failed to compose scene %d: %w", runID, i, err)
		}
		jobs = append(jobs, generators.RenderJob{SceneIndex: i, Graph: g})
	}

	// Render fan-out. A failed scene does not fail the run.
	e.emit(runID, StageRender, -1, fmt.Sprintf("rendering %d scenes", len(jobs)), "")
	outcomes := e.queue.RenderAll(ctx, jobs)
	result.Images = make([]SceneImage, len(outcomes))
	rendered := 0
	for i, out := range outcomes {
		img := SceneImage{SceneIndex: out.SceneIndex, Seed: seeds[out.SceneIndex], Cached: out.Cached}
		if out.Err != nil {
			img.Error = out.Err.Error()
			e.emit(runID, StageRender, out.SceneIndex, "", out.Err.Error())
		} else {
			img.Path = e.storeImage(runID, out, seeds[out.SceneIndex])
			rendered++
			e.emit(runID, StageRender, out.SceneIndex, "scene rendered", "")
		}
		result.Images[i] = img
	}

	result.Degraded = policy.Exhausted()
	switch {
	case rendered == 0 && len(jobs) > 0:
		run.Status = models.RunStatusFailed
	case result.Degraded || rendered < len(jobs):
		run.Status = models.RunStatusDegraded
	default:
		run.Status = models.RunStatusCompleted
	}
	result.Status = run.Status

	e.finishRun(run, result)
	e.emit(runID, StageDone, -1, fmt.Sprintf("run %s: %d/%d scenes rendered", run.Status, rendered, len(jobs)), "")
	log.Printf("[engine] run %s finished: status=%s rendered=%d/%d attempts=%d", runID, run.Status, rendered, len(jobs), policy.Attempts())
	return result, nil
}

// generateStoryText expands the user prompt into a story. On budget
// exhaustion the prompt itself becomes the story.
func (e *Engine) generateStoryText(ctx context.Context, policy *retry.Policy, prompt string) string {
	return retry.Do(ctx, policy, "story",
		func(ctx context.Context) (string, error) {
			rendered, err := e.prompts.Render(prompts.TemplateStory, map[string]string{"prompt": prompt})
			if err != nil {
				return "", err
			}
			story, err := e.llm.Complete(ctx, "You are a storyteller.", rendered)
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(story) == "" {
				return "", retry.Badf("empty story response")
			}
			return story, nil
		},
		func() string { return prompt },
	)
}

// extractCharacters pulls the recurring cast out of the story. The fallback
// is an empty cast; scene planning tolerates it.
func (e *Engine) extractCharacters(ctx context.Context, policy *retry.Policy, story string) []models.Character {
	return retry.Do(ctx, policy, "characters",
		func(ctx context.Context) ([]models.Character, error) {
			rendered, err := e.prompts.Render(prompts.TemplateCharacters, map[string]string{"story": story})
			if err != nil {
				return nil, err
			}
			var payload struct {
				Characters []models.Character `json:"characters"`
			}
			if err := e.completeJSON(ctx, rendered, &payload); err != nil {
				return nil, err
			}
			return payload.Characters, nil
		},
		func() []models.Character { return nil },
	)
}

// planScenes splits the story into renderable scenes. The fallback slices
// the story text mechanically by paragraph.
func (e *Engine) planScenes(ctx context.Context, policy *retry.Policy, story string, characters []models.Character, count int) []models.Scene {
	return retry.Do(ctx, policy, "scenes",
		func(ctx context.Context) ([]models.Scene, error) {
			rendered, err := e.prompts.Render(prompts.TemplateScenes, map[string]string{
				"story":       story,
				"scene_count": fmt.Sprintf("%d", count),
				"characters":  describeCharacters(characters),
			})
			if err != nil {
				return nil, err
			}
			var payload struct {
				Scenes []models.Scene `json:"scenes"`
			}
			if err := e.completeJSON(ctx, rendered, &payload); err != nil {
				return nil, err
			}
			if len(payload.Scenes) == 0 {
				return nil, retry.Badf("no scenes in response")
			}
			if len(payload.Scenes) > count {
				payload.Scenes = payload.Scenes[:count]
			}
			return payload.Scenes, nil
		},
		func() []models.Scene { return splitStoryScenes(story, count) },
	)
}

// writeImagePrompt fills the scene's positive/negative prompts. The fallback
// assembles a mechanical prompt from the scene fields.
func (e *Engine) writeImagePrompt(ctx context.Context, policy *retry.Policy, scene *models.Scene) {
	type promptPair struct {
		Positive string
		Negative string
	}
	pair := retry.Do(ctx, policy, "image_prompt",
		func(ctx context.Context) (promptPair, error) {
			rendered, err := e.prompts.Render(prompts.TemplateImagePrompt, map[string]string{
				"location":   scene.Location,
				"time":       scene.Time,
				"action":     scene.Action,
				"characters": describeCharacters(scene.Characters),
			})
			if err != nil {
				return promptPair{}, err
			}
			var payload struct {
				PositivePrompt string `json:"positive_prompt"`
				NegativePrompt string `json:"negative_prompt"`
			}
			if err := e.completeJSON(ctx, rendered, &payload); err != nil {
				return promptPair{}, err
			}
			if strings.TrimSpace(payload.PositivePrompt) == "" {
				return promptPair{}, retry.Badf("empty positive prompt")
			}
			return promptPair{Positive: payload.PositivePrompt, Negative: payload.NegativePrompt}, nil
		},
		func() promptPair {
			return promptPair{Positive: mechanicalPrompt(*scene)}
		},
	)
	scene.PositivePrompt = pair.Positive
	scene.NegativePrompt = pair.Negative
}

// completeJSON runs a JSON-constrained completion and decodes it into out.
// Decode failures are classified as bad structured output so the retry
// policy backs off faster.
func (e *Engine) completeJSON(ctx context.Context, prompt string, out interface{}) error {
	raw, err := e.llm.CompleteJSON(ctx, "Respond with a single JSON object and nothing else.", prompt)
	if err != nil {
		return err
	}
	raw = stripFence(raw)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return retry.Badf("failed to decode response: %v", err)
	}
	return nil
}

// storeImage writes rendered bytes to the output dir and records the asset.
// Storage failures degrade to logging; the image was still rendered.
func (e *Engine) storeImage(runID string, out generators.RenderOutcome, seed int64) string {
	if err := os.MkdirAll(e.gen.OutputDir, 0o755); err != nil {
		log.Printf("[engine] run %s: failed to create output dir: %v", runID, err)
		return ""
	}
	name := out.Filename
	if name == "" {
		name = fmt.Sprintf("%s_scene%02d.png", runID, out.SceneIndex)
	}
	path := filepath.Join(e.gen.OutputDir, name)
	if err := os.WriteFile(path, out.ImageData, 0o644); err != nil {
		log.Printf("[engine] run %s: failed to write image: %v", runID, err)
		return ""
	}

	if e.mysql != nil {
		asset := &models.ImageAsset{
			ID:         fmt.Sprintf("%s_img%d", runID, out.SceneIndex),
			RunID:      runID,
			SceneIndex: out.SceneIndex,
			Filename:   name,
			Seed:       seed,
		}
		if err := e.mysql.SaveImage(asset); err != nil {
			log.Printf("[engine] run %s: %v", runID, err)
		}
	}
	return path
}

// finishRun persists the terminal state of the run and its scenes.
func (e *Engine) finishRun(run *models.GenerationRun, result *RunResult) {
	run.Story = result.Story
	run.SelectionReasoning = result.Selection.Reasoning
	run.Degraded = result.Degraded
	chosen := make([]string, 0, len(result.Selection.Chosen))
	for _, l := range result.Selection.Chosen {
		chosen = append(chosen, l.Name)
	}
	run.ChosenLoRAs = strings.Join(chosen, ", ")

	if e.mysql == nil {
		return
	}
	if err := e.mysql.UpdateRun(run); err != nil {
		log.Printf("[engine] run %s: %v", run.ID, err)
	}

	records := make([]models.SceneRecord, len(result.Scenes))
	for i, scene := range result.Scenes {
		status := models.RunStatusCompleted
		if i < len(result.Images) && result.Images[i].Error != "" {
			status = models.RunStatusFailed
		}
		records[i] = models.SceneRecord{
			ID:             fmt.Sprintf("%s_scene%d", run.ID, i),
			RunID:          run.ID,
			Index:          i,
			Location:       scene.Location,
			Time:           scene.Time,
			Action:         scene.Action,
			Characters:     scene.CharacterNames(),
			PositivePrompt: scene.PositivePrompt,
			NegativePrompt: scene.NegativePrompt,
			Status:         status,
		}
	}
	if err := e.mysql.SaveScenes(records); err != nil {
		log.Printf("[engine] run %s: %v", run.ID, err)
	}
}

// emit publishes a progress event to the hub and the run's event stream.
func (e *Engine) emit(runID, stage string, sceneIndex int, message, errMsg string) {
	event := models.RunEvent{
		RunID:      runID,
		Stage:      stage,
		SceneIndex: sceneIndex,
		Message:    message,
		Error:      errMsg,
		Timestamp:  time.Now().Unix(),
	}
	if e.events != nil {
		e.events.Publish(event)
	}
	if e.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.redis.AppendRunEvent(ctx, event); err != nil {
			log.Printf("[engine] run %s: %v", runID, err)
		}
	}
}

// describeCharacters formats a cast for prompt interpolation.
func describeCharacters(characters []models.Character) string {
	if len(characters) == 0 {
		return "none listed"
	}
	parts := make([]string, len(characters))
	for i, c := range characters {
		parts[i] = fmt.Sprintf("%s: %s", c.Name, c.Description)
	}
	return strings.Join(parts, "\n")
}

// splitStoryScenes is the deterministic scene fallback: paragraphs become
// scenes, padded by repeating the last paragraph when there are too few.
func splitStoryScenes(story string, count int) []models.Scene {
	var paragraphs []string
	for _, p := range strings.Split(story, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs = append(paragraphs, strings.TrimSpace(p))
		}
	}
	if len(paragraphs) == 0 {
		paragraphs = []string{strings.TrimSpace(story)}
	}

	scenes := make([]models.Scene, count)
	for i := 0; i < count; i++ {
		action := paragraphs[len(paragraphs)-1]
		if i < len(paragraphs) {
			action = paragraphs[i]
		}
		scenes[i] = models.Scene{
			Location: "unspecified",
			Time:     "unspecified",
			Action:   action,
		}
	}
	return scenes
}

// mechanicalPrompt builds a usable positive prompt straight from scene
// fields when the prompt-writing stage is out of budget.
func mechanicalPrompt(scene models.Scene) string {
	parts := []string{scene.Action}
	if scene.Location != "" && scene.Location != "unspecified" {
		parts = append(parts, scene.Location)
	}
	if scene.Time != "" && scene.Time != "unspecified" {
		parts = append(parts, scene.Time)
	}
	for _, c := range scene.Characters {
		if c.Description != "" {
			parts = append(parts, c.Description)
		}
	}
	parts = append(parts, "detailed illustration, high quality")
	return strings.Join(parts, ", ")
}

// stripFence removes a markdown code fence wrapper if present.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
