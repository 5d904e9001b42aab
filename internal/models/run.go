package models

import (
	"time"

	"gorm.io/gorm"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusDegraded  = "degraded"
	RunStatusFailed    = "failed"
)

// GenerationRun is one story-generation run as persisted.
type GenerationRun struct {
	ID                 string         `gorm:"primaryKey;size:64" json:"id"`
	Prompt             string         `gorm:"type:text" json:"prompt"`
	Mode               string         `gorm:"size:32" json:"mode"`
	BaseModel          string         `gorm:"size:128" json:"base_model"`
	Status             string         `gorm:"size:32" json:"status"`
	Story              string         `gorm:"type:text" json:"story"`
	ChosenLoRAs        string         `gorm:"type:text" json:"chosen_loras"`
	SelectionReasoning string         `gorm:"type:text" json:"selection_reasoning"`
	Degraded           bool           `json:"degraded"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}

// SceneRecord is one scene of a run as persisted.
type SceneRecord struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	RunID          string    `gorm:"index;size:64" json:"run_id"`
	Index          int       `json:"index"`
	Location       string    `gorm:"size:255" json:"location"`
	Time           string    `gorm:"size:128" json:"time"`
	Action         string    `gorm:"type:text" json:"action"`
	Characters     string    `gorm:"type:text" json:"characters"`
	PositivePrompt string    `gorm:"type:text" json:"positive_prompt"`
	NegativePrompt string    `gorm:"type:text" json:"negative_prompt"`
	Status         string    `gorm:"size:32" json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// ImageAsset records one rendered image for a scene.
type ImageAsset struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	RunID      string    `gorm:"index;size:64" json:"run_id"`
	SceneIndex int       `json:"scene_index"`
	Filename   string    `gorm:"size:255" json:"filename"`
	Seed       int64     `json:"seed"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunEvent is a progress update pushed to websocket clients and appended to
// the run's event stream.
type RunEvent struct {
	RunID      string `json:"run_id"`
	Stage      string `json:"stage"`
	SceneIndex int    `json:"scene_index,omitempty"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}
