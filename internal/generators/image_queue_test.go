package generators

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/IAMD3/ykgen/internal/workflow"
)

type fakeRenderer struct {
	mu      sync.Mutex
	active  int32
	peak    int32
	fail    map[int]bool // by prompt text length, see testGraph
	renders int32
}

func (r *fakeRenderer) Render(ctx context.Context, g *workflow.Graph) (*RenderResult, error) {
	cur := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)
	atomic.AddInt32(&r.renders, 1)

	r.mu.Lock()
	if cur > r.peak {
		r.peak = cur
	}
	fail := r.fail[g.Len()]
	r.mu.Unlock()

	if fail {
		return nil, errors.New("backend refused")
	}
	return &RenderResult{ImageData: []byte("img"), Filename: "out.png"}, nil
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]byte)}
}

func (c *memoryCache) GetRender(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.data[key]
	return data, ok
}

func (c *memoryCache) PutRender(ctx context.Context, key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
}

// testGraph builds a graph with n nodes so Graph.Len distinguishes jobs.
func testGraph(n int) *workflow.Graph {
	g := workflow.NewGraph()
	for i := 0; i < n; i++ {
		g.Add("KSampler", map[string]interface{}{"seed": int64(i + 1)})
	}
	return g
}

func TestRenderAllReturnsOutcomePerJob(t *testing.T) {
	renderer := &fakeRenderer{fail: map[int]bool{2: true}}
	queue := NewImageQueue(renderer, nil, 2)

	jobs := []RenderJob{
		{SceneIndex: 0, Graph: testGraph(1)},
		{SceneIndex: 1, Graph: testGraph(2)}, // fails
		{SceneIndex: 2, Graph: testGraph(3)},
	}

	outcomes := queue.RenderAll(context.Background(), jobs)
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outcomes))
	}

	for i, out := range outcomes {
		if out.SceneIndex != i {
			t.Errorf("outcome %d has scene index %d", i, out.SceneIndex)
		}
	}
	if outcomes[0].Err != nil || outcomes[2].Err != nil {
		t.Errorf("healthy jobs failed: %v, %v", outcomes[0].Err, outcomes[2].Err)
	}
	if outcomes[1].Err == nil {
		t.Error("failing job reported no error")
	}
	if string(outcomes[0].ImageData) != "img" {
		t.Errorf("outcome 0 data = %q", outcomes[0].ImageData)
	}
}

func TestRenderAllBoundsConcurrency(t *testing.T) {
	renderer := &fakeRenderer{}
	queue := NewImageQueue(renderer, nil, 2)

	jobs := make([]RenderJob, 8)
	for i := range jobs {
		jobs[i] = RenderJob{SceneIndex: i, Graph: testGraph(i + 1)}
	}

	queue.RenderAll(context.Background(), jobs)
	if renderer.peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", renderer.peak)
	}
}

func TestRenderAllUsesCache(t *testing.T) {
	renderer := &fakeRenderer{}
	cache := newMemoryCache()
	queue := NewImageQueue(renderer, cache, 1)

	jobs := []RenderJob{{SceneIndex: 0, Graph: testGraph(1)}}

	first := queue.RenderAll(context.Background(), jobs)
	if first[0].Err != nil {
		t.Fatalf("first render failed: %v", first[0].Err)
	}
	if first[0].Cached {
		t.Error("first render reported as cached")
	}

	second := queue.RenderAll(context.Background(), jobs)
	if second[0].Err != nil {
		t.Fatalf("second render failed: %v", second[0].Err)
	}
	if !second[0].Cached {
		t.Error("identical graph not served from cache")
	}
	if renderer.renders != 1 {
		t.Errorf("renderer called %d times, want 1", renderer.renders)
	}
	if string(second[0].ImageData) != "img" {
		t.Errorf("cached data = %q", second[0].ImageData)
	}
}

func TestRenderAllDifferentSeedsMissCache(t *testing.T) {
	renderer := &fakeRenderer{}
	cache := newMemoryCache()
	queue := NewImageQueue(renderer, cache, 1)

	g1 := workflow.NewGraph()
	g1.Add("KSampler", map[string]interface{}{"seed": int64(1)})
	g2 := workflow.NewGraph()
	g2.Add("KSampler", map[string]interface{}{"seed": int64(2)})

	queue.RenderAll(context.Background(), []RenderJob{{SceneIndex: 0, Graph: g1}})
	out := queue.RenderAll(context.Background(), []RenderJob{{SceneIndex: 0, Graph: g2}})
	if out[0].Cached {
		t.Error("graph with a different seed hit the cache")
	}
	if renderer.renders != 2 {
		t.Errorf("renderer called %d times, want 2", renderer.renders)
	}
}
