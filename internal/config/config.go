// Package config loads survey-linker settings from defaults, a TOML file, SURVEY_LINKER_* environment
// variables and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/theimaginaryfoundation/survey-linker/linkage"
)

// EnvPrefix prefixes environment overrides: SURVEY_LINKER_MATCHING_TIERS sets matching.tiers.
const EnvPrefix = "SURVEY_LINKER_"

// DefaultPaths are tried in order when no config path is given.
var DefaultPaths = []string{"./survey-linker.toml", "$HOME/.survey-linker.toml"}

// Config holds every setting shared by the commands.
type Config struct {
	Inputs struct {
		Survey   string `koanf:"survey"`
		Messages string `koanf:"messages"`
		Archive  string `koanf:"archive"`
		Prior    string `koanf:"prior"`
	} `koanf:"inputs"`

	Outputs struct {
		Dir          string `koanf:"dir"`
		Consolidated string `koanf:"consolidated"`
		Registry     string `koanf:"registry"`
	} `koanf:"outputs"`

	Survey struct {
		ResponseID string `koanf:"response_id"`
		StartDate  string `koanf:"start_date"`
		EndDate    string `koanf:"end_date"`
		StatedID   string `koanf:"stated_id"`
		Treatment  string `koanf:"treatment"`
		// Arms is "column=Label,..." in priority order.
		Arms string `koanf:"arms"`
	} `koanf:"survey"`

	Matching struct {
		Tiers          string `koanf:"tiers"`
		ReferenceScale string `koanf:"reference_scale"`
	} `koanf:"matching"`

	LLM struct {
		Model           string `koanf:"model"`
		MaxOutputTokens int    `koanf:"max_output_tokens"`
		CachePath       string `koanf:"cache_path"`
		Attempts        int    `koanf:"attempts"`
	} `koanf:"llm"`

	Logging struct {
		Level string `koanf:"level"`
	} `koanf:"logging"`
}

// Defaults returns the built-in settings as flat koanf keys.
func Defaults() map[string]any {
	return map[string]any{
		"outputs.dir":              "out",
		"outputs.consolidated":     "consolidated.csv",
		"survey.response_id":       "ResponseId",
		"survey.start_date":        "StartDate",
		"survey.end_date":          "EndDate",
		"survey.stated_id":         "UserID",
		"survey.treatment":         "treatment",
		"survey.arms":              "control=Control,ai_assist=AI-assisted,ai_guided=AI-guided",
		"matching.tiers":           FormatTiers(linkage.DefaultTiers()),
		"matching.reference_scale": linkage.DefaultReferenceScale.String(),
		"llm.max_output_tokens":    256,
		"llm.cache_path":           "identifier_cache.json",
		"llm.attempts":             3,
		"logging.level":            "info",
	}
}

// Load layers defaults, the TOML file at path (or the first existing DefaultPaths entry), environment
// variables and overrides. Overrides use flat keys such as "inputs.survey".
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("Load: defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("Load: %s: %w", path, err)
		}
	} else {
		for _, p := range DefaultPaths {
			p = os.ExpandEnv(p)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			if err := k.Load(file.Provider(p), toml.Parser()); err != nil {
				return nil, fmt.Errorf("Load: %s: %w", p, err)
			}
			break
		}
	}

	// Section names carry no underscore, so only the first one separates section from key.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("Load: env: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("Load: overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("Load: unmarshal: %w", err)
	}
	return &cfg, nil
}

const sampleConfig = `# survey-linker configuration

[inputs]
survey = "data/survey.csv"
messages = "data/messages.csv"
# archive = "data/conversations.json"
# prior = "out/consolidated.csv"

[outputs]
dir = "out"
consolidated = "consolidated.csv"
# registry = "out/registry.db"

[survey]
response_id = "ResponseId"
start_date = "StartDate"
end_date = "EndDate"
stated_id = "UserID"
treatment = "treatment"
arms = "control=Control,ai_assist=AI-assisted,ai_guided=AI-guided"

[matching]
tiers = "Timestamp=30m,Timestamp24h=24h,Timestamp7d=7d,Timestamp14d=14d,Timestamp30d=30d"
reference_scale = "1h"

[llm]
# model = "gpt-4.1-mini"
max_output_tokens = 256
cache_path = "identifier_cache.json"
attempts = 3

[logging]
level = "info"
`

// Init writes a sample configuration file. It refuses to overwrite.
func Init(path string) error {
	if path == "" {
		return errors.New("Init: path is empty")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("Init: configuration file already exists at %s", path)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// Validate checks values that do not depend on which command runs.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Survey.ResponseID) == "" {
		return errors.New("survey.response_id is required")
	}
	if strings.TrimSpace(cfg.Survey.StartDate) == "" {
		return errors.New("survey.start_date is required")
	}
	if _, err := cfg.SurveyColumns(); err != nil {
		return err
	}
	if _, err := cfg.TierList(); err != nil {
		return err
	}
	if _, err := cfg.Scale(); err != nil {
		return err
	}
	if cfg.LLM.MaxOutputTokens < 0 {
		return errors.New("llm.max_output_tokens must be >= 0")
	}
	if cfg.LLM.Attempts < 0 {
		return errors.New("llm.attempts must be >= 0")
	}
	if _, err := cfg.LogLevel(); err != nil {
		return err
	}
	return nil
}

// SurveyColumns converts the survey section.
func (c *Config) SurveyColumns() (linkage.SurveyColumns, error) {
	cols := linkage.SurveyColumns{
		ResponseID: strings.TrimSpace(c.Survey.ResponseID),
		StartDate:  strings.TrimSpace(c.Survey.StartDate),
		EndDate:    strings.TrimSpace(c.Survey.EndDate),
		StatedID:   strings.TrimSpace(c.Survey.StatedID),
		Treatment:  strings.TrimSpace(c.Survey.Treatment),
	}
	for _, part := range strings.Split(c.Survey.Arms, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		col, label, ok := strings.Cut(part, "=")
		col, label = strings.TrimSpace(col), strings.TrimSpace(label)
		if !ok || col == "" || label == "" {
			return linkage.SurveyColumns{}, fmt.Errorf("survey.arms: %q is not column=Label", part)
		}
		cols.Arms = append(cols.Arms, linkage.ArmColumn{Column: col, Label: label})
	}
	return cols, nil
}

// TierList parses matching.tiers.
func (c *Config) TierList() ([]linkage.Tier, error) {
	tiers, err := linkage.ParseTiers(c.Matching.Tiers)
	if err != nil {
		return nil, fmt.Errorf("matching.tiers: %w", err)
	}
	return tiers, nil
}

// Scale parses matching.reference_scale.
func (c *Config) Scale() (time.Duration, error) {
	d, err := linkage.ParseTolerance(c.Matching.ReferenceScale)
	if err != nil {
		return 0, fmt.Errorf("matching.reference_scale: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("matching.reference_scale must be > 0")
	}
	return d, nil
}

// LogLevel parses logging.level.
func (c *Config) LogLevel() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Logging.Level)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

// FormatTiers renders tiers in the form ParseTiers reads.
func FormatTiers(tiers []linkage.Tier) string {
	parts := make([]string, len(tiers))
	for i, t := range tiers {
		parts[i] = t.Label + "=" + formatTolerance(t.Tolerance)
	}
	return strings.Join(parts, ",")
}

func formatTolerance(d time.Duration) string {
	const day = 24 * time.Hour
	switch {
	case d >= day && d%day == 0:
		return fmt.Sprintf("%dd", d/day)
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return d.String()
}
