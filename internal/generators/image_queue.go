package generators

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/IAMD3/ykgen/internal/workflow"
)

// Renderer turns a composed workflow graph into image bytes.
type Renderer interface {
	Render(ctx context.Context, g *workflow.Graph) (*RenderResult, error)
}

// RenderCache stores rendered images keyed by the graph that produced them.
// A nil cache disables caching.
type RenderCache interface {
	GetRender(ctx context.Context, key string) ([]byte, bool)
	PutRender(ctx context.Context, key string, data []byte)
}

// RenderJob is one scene's render request.
type RenderJob struct {
	SceneIndex int
	Graph      *workflow.Graph
}

// RenderOutcome is the terminal state of one render job. A failed job
// carries its error; the other jobs are unaffected.
type RenderOutcome struct {
	SceneIndex int
	ImageData  []byte
	Filename   string
	Cached     bool
	Duration   time.Duration
	Err        error
}

// ImageQueue fans render jobs out across a bounded pool of workers.
type ImageQueue struct {
	renderer   Renderer
	cache      RenderCache
	maxWorkers int
}

// NewImageQueue creates a queue running at most maxWorkers concurrent renders.
func NewImageQueue(renderer Renderer, cache RenderCache, maxWorkers int) *ImageQueue {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &ImageQueue{renderer: renderer, cache: cache, maxWorkers: maxWorkers}
}

// RenderAll renders every job and returns one outcome per job, ordered by
// scene index. It always returns len(jobs) outcomes; individual failures
// are recorded in the outcome rather than aborting the batch.
func (q *ImageQueue) RenderAll(ctx context.Context, jobs []RenderJob) []RenderOutcome {
	outcomes := make([]RenderOutcome, len(jobs))
	jobCh := make(chan int)

	var wg sync.WaitGroup
	workers := q.maxWorkers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobCh {
				outcomes[idx] = q.renderOne(ctx, jobs[idx])
			}
		}()
	}

	for i := range jobs {
		select {
		case jobCh <- i:
		case <-ctx.Done():
			outcomes[i] = RenderOutcome{SceneIndex: jobs[i].SceneIndex, Err: ctx.Err()}
		}
	}
	close(jobCh)
	wg.Wait()

	return outcomes
}

// renderOne renders a single job, consulting the cache first.
func (q *ImageQueue) renderOne(ctx context.Context, job RenderJob) RenderOutcome {
	out := RenderOutcome{SceneIndex: job.SceneIndex}

	key, keyErr := graphKey(job.Graph)
	if q.cache != nil && keyErr == nil {
		if data, ok := q.cache.GetRender(ctx, key); ok {
			log.Printf("[queue] scene %d served from render cache", job.SceneIndex)
			out.ImageData = data
			out.Cached = true
			return out
		}
	}

	start := time.Now()
	result, err := q.renderer.Render(ctx, job.Graph)
	out.Duration = time.Since(start)
	if err != nil {
		out.Err = fmt.Errorf("scene %d render failed: %w", job.SceneIndex, err)
		return out
	}

	out.ImageData = result.ImageData
	out.Filename = result.Filename
	if q.cache != nil && keyErr == nil {
		q.cache.PutRender(ctx, key, result.ImageData)
	}
	return out
}

// graphKey derives a stable cache key from the graph's JSON form. Identical
// graphs, including seeds, map to the same key.
func graphKey(g *workflow.Graph) (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("render:%x", md5.Sum(data)), nil
}
