package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/IAMD3/ykgen/internal/config"
	"github.com/IAMD3/ykgen/internal/engine"
	"github.com/IAMD3/ykgen/internal/infra"
	"github.com/IAMD3/ykgen/internal/lora"
	"github.com/IAMD3/ykgen/internal/storage"
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

type Handlers struct {
	config     *config.Config
	hub        *EventHub
	engine     *engine.Engine
	mysqlStore *storage.MySQLStore
	redisStore *storage.RedisStore
	monitor    *infra.RendererMonitor
}

func NewHandlers(
	cfg *config.Config,
	hub *EventHub,
	eng *engine.Engine,
	mysqlStore *storage.MySQLStore,
	redisStore *storage.RedisStore,
	monitor *infra.RendererMonitor,
) *Handlers {
	return &Handlers{
		config:     cfg,
		hub:        hub,
		engine:     eng,
		mysqlStore: mysqlStore,
		redisStore: redisStore,
		monitor:    monitor,
	}
}

// GenerateRequest is the story generation API payload.
type GenerateRequest struct {
	Prompt     string `json:"prompt"`
	Mode       string `json:"mode"`               // none | all | group
	Model      string `json:"model,omitempty"`    // base model key in the catalog
	Adapters   string `json:"adapters,omitempty"` // all mode: "id[:sm[,sc]]" list; empty = every adapter
	Required   string `json:"required,omitempty"` // group mode: comma-separated adapter ids
	Optional   string `json:"optional,omitempty"` // group mode: comma-separated adapter ids; empty = rest of catalog
	SceneCount int    `json:"scene_count,omitempty"`
	Seed       int64  `json:"seed,omitempty"`
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "ykgen",
	})
}

// GenerateStory validates the request, resolves the adapter mode against the
// catalog and starts the run in the background. The run id is returned
// immediately; progress streams over the events websocket.
func (h *Handlers) GenerateStory(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}

	model := req.Model
	if model == "" {
		model = h.config.Generation.BaseModel
	}

	mode, err := h.buildMode(model, req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	runID := fmt.Sprintf("run_%d", time.Now().UnixNano())
	runReq := engine.RunRequest{
		RunID:      runID,
		Prompt:     req.Prompt,
		Mode:       mode,
		BaseModel:  model,
		SceneCount: req.SceneCount,
		Seed:       req.Seed,
	}

	go func() {
		if _, err := h.engine.GenerateStory(context.Background(), runReq); err != nil {
			log.Printf("[api] run %s failed: %v", runID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "running",
	})
}

// buildMode resolves the requested adapter mode against the catalog.
func (h *Handlers) buildMode(model string, req GenerateRequest) (lora.Mode, error) {
	catalog := h.engine.Catalog()

	switch strings.ToLower(strings.TrimSpace(req.Mode)) {
	case "", "none":
		return lora.NoneMode(), nil

	case "all":
		if req.Adapters != "" {
			selected, err := catalog.ByIDsWithStrength(model, req.Adapters)
			if err != nil {
				return lora.Mode{}, err
			}
			return lora.AllMode(selected)
		}
		all := catalog.LoRAs(model)
		if len(all) == 0 {
			return lora.Mode{}, fmt.Errorf("no adapters configured for model %q", model)
		}
		selected := make([]lora.Selected, len(all))
		for i, l := range all {
			selected[i] = lora.SelectDefault(l)
		}
		return lora.AllMode(selected)

	case "group":
		required, err := h.lookupIDs(model, req.Required)
		if err != nil {
			return lora.Mode{}, err
		}
		var optional []lora.LoRA
		if req.Optional != "" {
			optional, err = h.lookupIDs(model, req.Optional)
			if err != nil {
				return lora.Mode{}, err
			}
		} else {
			requiredIDs := make(map[string]bool, len(required))
			for _, l := range required {
				requiredIDs[l.ID] = true
			}
			for _, l := range catalog.LoRAs(model) {
				if !requiredIDs[l.ID] {
					optional = append(optional, l)
				}
			}
		}
		return lora.GroupMode(required, optional)

	default:
		return lora.Mode{}, fmt.Errorf("unknown mode %q, expected none, all or group", req.Mode)
	}
}

// lookupIDs resolves a comma-separated id list against the catalog.
func (h *Handlers) lookupIDs(model, ids string) ([]lora.LoRA, error) {
	catalog := h.engine.Catalog()
	var out []lora.LoRA
	for _, id := range strings.Split(ids, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		l, ok := catalog.ByID(model, id)
		if !ok {
			return nil, fmt.Errorf("unknown adapter id %q for model %q", id, model)
		}
		out = append(out, l)
	}
	return out, nil
}

// GetRun returns the persisted state of a run with its scenes and images.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.mysqlStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run persistence not configured"})
		return
	}

	runID := chi.URLParam(r, "run_id")
	run, scenes, images, err := h.mysqlStore.GetRun(runID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("run %s not found", runID)})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":    run,
		"scenes": scenes,
		"images": images,
	})
}

// ListRuns returns recent runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.mysqlStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run persistence not configured"})
		return
	}

	runs, err := h.mysqlStore.ListRuns(20)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GetRunEvents returns the stored progress events of a run.
func (h *Handlers) GetRunEvents(w http.ResponseWriter, r *http.Request) {
	if h.redisStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event storage not configured"})
		return
	}

	runID := chi.URLParam(r, "run_id")
	events, err := h.redisStore.GetRunEvents(r.Context(), runID, 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// GetAdapters lists the catalog for a base model.
func (h *Handlers) GetAdapters(w http.ResponseWriter, r *http.Request) {
	catalog := h.engine.Catalog()

	model := r.URL.Query().Get("model")
	if model == "" {
		model = h.config.Generation.BaseModel
	}

	description, ok := catalog.ModelDescription(model)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown model %q", model)})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":       model,
		"description": description,
		"adapters":    catalog.LoRAs(model),
	})
}

// GetModels lists the base models in the catalog.
func (h *Handlers) GetModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": h.engine.Catalog().Models(),
	})
}

// GetRendererStatus reports the render backend health.
func (h *Handlers) GetRendererStatus(w http.ResponseWriter, r *http.Request) {
	if h.monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "renderer monitor not initialized"})
		return
	}

	status, lastProbe, lastError := h.monitor.Snapshot()
	resp := map[string]interface{}{
		"status": string(status),
		"url":    h.monitor.URL(),
	}
	if !lastProbe.IsZero() {
		resp["last_probe"] = lastProbe.Unix()
	}
	if lastError != "" {
		resp["last_error"] = lastError
	}
	writeJSON(w, http.StatusOK, resp)
}

// EventStream upgrades the connection and streams run progress events.
func (h *Handlers) EventStream(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "hub not initialized"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:   generateClientID(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Hub:  h.hub,
	}

	h.hub.register <- client

	welcome, _ := json.Marshal(map[string]interface{}{
		"type": "connected",
		"id":   client.ID,
		"time": time.Now().Unix(),
	})
	select {
	case client.Send <- welcome:
	default:
	}

	go client.readPump()
}

// NewRouter wires all HTTP routes.
func NewRouter(cfg *config.Config, handlers *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Request logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("REQUEST: %s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	})
	r.Use(corsMiddleware)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/story", func(r chi.Router) {
			r.Post("/generate", handlers.GenerateStory)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", handlers.ListRuns)
			r.Get("/{run_id}", handlers.GetRun)
			r.Get("/{run_id}/events", handlers.GetRunEvents)
		})

		r.Get("/loras", handlers.GetAdapters)
		r.Get("/models", handlers.GetModels)
		r.Get("/renderer/status", handlers.GetRendererStatus)
		r.Get("/events", handlers.EventStream)
	})

	return r
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// generateClientID generates a unique client ID
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b)
}
