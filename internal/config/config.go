package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	LLM        LLMConfig        `yaml:"llm"`
	ComfyUI    ComfyUIConfig    `yaml:"comfyui"`
	Generation GenerationConfig `yaml:"generation"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type ComfyUIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	Checkpoint  string        `yaml:"checkpoint"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	Steps       int           `yaml:"steps"`
	CFG         float64       `yaml:"cfg"`
	SamplerName string        `yaml:"sampler_name"`
	Scheduler   string        `yaml:"scheduler"`
}

type GenerationConfig struct {
	CatalogFile string `yaml:"catalog_file"`
	BaseModel   string `yaml:"base_model"`
	MaxRetries  int    `yaml:"max_retries"`
	MaxWorkers  int    `yaml:"max_workers"`
	SceneCount  int    `yaml:"scene_count"`
	OutputDir   string `yaml:"output_dir"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("LLM_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if comfyURL := os.Getenv("COMFYUI_URL"); comfyURL != "" {
		cfg.ComfyUI.BaseURL = comfyURL
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ComfyUI.BaseURL == "" {
		c.ComfyUI.BaseURL = "http://localhost:8188"
	}
	if c.ComfyUI.Timeout == 0 {
		c.ComfyUI.Timeout = 300 * time.Second
	}
	if c.Generation.MaxRetries == 0 {
		c.Generation.MaxRetries = 3
	}
	if c.Generation.MaxWorkers == 0 {
		c.Generation.MaxWorkers = 2
	}
	if c.Generation.SceneCount == 0 {
		c.Generation.SceneCount = 4
	}
	if c.Generation.CatalogFile == "" {
		c.Generation.CatalogFile = "configs/loras.yaml"
	}
	if c.Generation.OutputDir == "" {
		c.Generation.OutputDir = "./data/images"
	}
}
