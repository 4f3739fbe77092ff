package main

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/theimaginaryfoundation/survey-linker/internal/config"
	"github.com/theimaginaryfoundation/survey-linker/linkage"
)

// Options is what the command line carries before the layered config is loaded.
type Options struct {
	ConfigPath string
	EnvFile    string
	APIKey     string

	// Overrides holds only the flags that were set, keyed by config key.
	Overrides map[string]any
}

type Config struct {
	SurveyPath   string
	MessagesPath string
	ArchivePath  string
	PriorPath    string

	OutputDir        string
	ConsolidatedPath string
	RegistryPath     string

	Columns        linkage.SurveyColumns
	Tiers          []linkage.Tier
	ReferenceScale time.Duration

	LLMModel     string
	LLMMaxTokens int
	LLMCachePath string
	LLMAttempts  int
	APIKey       string

	LogLevel zerolog.Level
}

func (c Config) Validate() error {
	if c.SurveyPath == "" {
		return errors.New("missing -survey")
	}
	if c.MessagesPath == "" && c.ArchivePath == "" {
		return errors.New("missing -messages (or -archive)")
	}
	if c.MessagesPath != "" && c.ArchivePath != "" {
		return errors.New("-messages and -archive are mutually exclusive")
	}
	if c.OutputDir == "" {
		return errors.New("missing -out")
	}
	if c.ConsolidatedPath == "" {
		return errors.New("missing -consolidated")
	}
	if err := linkage.ValidateTiers(c.Tiers); err != nil {
		return err
	}
	if c.ReferenceScale <= 0 {
		return errors.New("reference scale must be > 0")
	}
	if c.LLMModel != "" && c.APIKey == "" {
		return errors.New("missing OPENAI_API_KEY (or pass -api-key) for -llm-model")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		OutputDir:        "out",
		ConsolidatedPath: filepath.Join("out", "consolidated.csv"),
		Columns:          linkage.DefaultSurveyColumns(),
		Tiers:            linkage.DefaultTiers(),
		ReferenceScale:   linkage.DefaultReferenceScale,
		LLMMaxTokens:     256,
		LLMAttempts:      3,
		LogLevel:         zerolog.InfoLevel,
	}
}

// fromSettings resolves layered settings into a run configuration. Bare file names for the consolidated
// table and the identifier cache are placed inside the output directory.
func fromSettings(s *config.Config, apiKey string) (Config, error) {
	if err := config.Validate(s); err != nil {
		return Config{}, err
	}
	cfg := defaultConfig()
	cfg.SurveyPath = cleanPath(s.Inputs.Survey)
	cfg.MessagesPath = cleanPath(s.Inputs.Messages)
	cfg.ArchivePath = cleanPath(s.Inputs.Archive)
	cfg.PriorPath = cleanPath(s.Inputs.Prior)
	cfg.OutputDir = cleanPath(s.Outputs.Dir)
	cfg.ConsolidatedPath = inDir(cfg.OutputDir, s.Outputs.Consolidated)
	cfg.RegistryPath = cleanPath(s.Outputs.Registry)

	var err error
	if cfg.Columns, err = s.SurveyColumns(); err != nil {
		return Config{}, err
	}
	if cfg.Tiers, err = s.TierList(); err != nil {
		return Config{}, err
	}
	if cfg.ReferenceScale, err = s.Scale(); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = s.LogLevel(); err != nil {
		return Config{}, err
	}

	cfg.LLMModel = s.LLM.Model
	cfg.LLMMaxTokens = s.LLM.MaxOutputTokens
	cfg.LLMAttempts = s.LLM.Attempts
	if s.LLM.CachePath != "" {
		cfg.LLMCachePath = inDir(cfg.OutputDir, s.LLM.CachePath)
	}
	cfg.APIKey = apiKey
	return cfg, nil
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

func inDir(dir, name string) string {
	if name == "" {
		return ""
	}
	if filepath.Base(name) == name && dir != "" {
		return filepath.Join(dir, name)
	}
	return filepath.Clean(name)
}
