package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"caseline/internal/adapt"
	"caseline/internal/llm"
)

// Document is one case file ingested into the retrieval index at startup.
type Document struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
	// HTML documents are stripped to their readable text before indexing.
	HTML bool `yaml:"html"`
}

type Scheduler struct {
	Concurrency        int `yaml:"concurrency"`
	FeedbackTimeoutSec int `yaml:"feedback_timeout_seconds"`
	// Fallback applied to a step whose feedback request times out:
	// skip, retry or abort.
	FeedbackFallback string `yaml:"feedback_fallback"`
}

func (s Scheduler) FeedbackTimeout() time.Duration {
	return time.Duration(s.FeedbackTimeoutSec) * time.Second
}

type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type Config struct {
	LogPath     string       `yaml:"log_path"`
	StorePath   string       `yaml:"store_path"`
	CatalogPath string       `yaml:"catalog_path"`
	LLM         llm.Config   `yaml:"llm"`
	Scheduler   Scheduler    `yaml:"scheduler"`
	Adaptation  adapt.Config `yaml:"adaptation"`
	RateLimit   RateLimit    `yaml:"rate_limit"`
	Documents   []Document   `yaml:"documents"`
}

func Default() Config {
	return Config{
		LogPath:   "caseline.log",
		StorePath: "caseline.db",
		LLM: llm.Config{
			Backend: "gemini",
		},
		Scheduler: Scheduler{
			Concurrency:        4,
			FeedbackTimeoutSec: 120,
			FeedbackFallback:   "skip",
		},
		Adaptation: adapt.DefaultConfig(),
		RateLimit: RateLimit{
			PerSecond: 2,
			Burst:     4,
		},
	}
}

// Load reads the YAML config at path, layered over the defaults. A missing
// file is not an error; the defaults stand alone.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Scheduler.Concurrency <= 0 {
		cfg.Scheduler.Concurrency = Default().Scheduler.Concurrency
	}
	if cfg.Scheduler.FeedbackTimeoutSec <= 0 {
		cfg.Scheduler.FeedbackTimeoutSec = Default().Scheduler.FeedbackTimeoutSec
	}
	if cfg.RateLimit.PerSecond <= 0 {
		cfg.RateLimit = Default().RateLimit
	}
	return cfg, nil
}
