package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/theimaginaryfoundation/survey-linker/internal/config"
	"github.com/theimaginaryfoundation/survey-linker/linkage"
	"github.com/theimaginaryfoundation/survey-linker/linkage/provider"
)

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := loadEnvFile(opts.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = newLogger(os.Stderr, cfg.LogLevel).WithContext(ctx)

	var fallback linkage.IdentifierFallback
	if cfg.LLMModel != "" {
		client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
		fallback = openAIIdentifierFallback{
			client:    &client.Responses,
			model:     cfg.LLMModel,
			maxTokens: cfg.LLMMaxTokens,
			policy:    provider.RetryPolicy{Attempts: uint(max(cfg.LLMAttempts, 1)), Delay: 5 * time.Second, MaxJitter: 2 * time.Second},
		}
	}

	sum, err := run(ctx, cfg, fallback)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, sum.String())
}

// settingFlag binds a command-line flag to a layered config key.
type settingFlag struct {
	name  string
	key   string
	usage string
}

var settingFlags = []settingFlag{
	{"survey", "inputs.survey", "Path to the survey export CSV"},
	{"messages", "inputs.messages", "Path to the message table CSV (one row per message, or one row per conversation with a mapping column)"},
	{"archive", "inputs.archive", "Path to a conversations.json export (alternative to -messages)"},
	{"prior", "inputs.prior", "Consolidated CSV of a previous run; its participant IDs and matches are kept"},
	{"out", "outputs.dir", "Directory for the consolidated CSV and reports"},
	{"consolidated", "outputs.consolidated", "Consolidated CSV file name (inside -out) or path"},
	{"registry", "outputs.registry", "SQLite registry of participant IDs and matches (optional)"},
	{"response-id-column", "survey.response_id", "Survey column holding the response id"},
	{"start-column", "survey.start_date", "Survey column holding the start time"},
	{"end-column", "survey.end_date", "Survey column holding the end time"},
	{"id-column", "survey.stated_id", "Survey column where respondents typed their identifier (optional)"},
	{"treatment-column", "survey.treatment", "Survey column holding the experimental arm (optional)"},
	{"arms", "survey.arms", "Arm indicator columns as column=Label,... in priority order"},
	{"tiers", "matching.tiers", "Timestamp tiers as Label=tolerance,... (e.g. Timestamp=30m,Timestamp24h=24h,Timestamp7d=7d)"},
	{"reference-scale", "matching.reference_scale", "Time delta at which timestamp confidence reaches zero"},
	{"llm-model", "llm.model", "OpenAI model for identifier extraction when no rule matches (empty disables)"},
	{"llm-max-tokens", "llm.max_output_tokens", "Max output tokens per identifier request"},
	{"llm-cache", "llm.cache_path", "Identifier answer cache file name (inside -out) or path"},
	{"log-level", "logging.level", "Log level (debug, info, warn, error)"},
}

func parseFlags(fs *flag.FlagSet, args []string) (Options, error) {
	var opts Options
	fs.SetOutput(os.Stderr)

	fs.StringVar(&opts.ConfigPath, "config", "", "TOML config file (default: ./survey-linker.toml if present)")
	fs.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file to load before reading the environment (ignored when missing)")
	fs.StringVar(&opts.APIKey, "api-key", "", "OpenAI API key (overrides OPENAI_API_KEY env var)")
	for _, sf := range settingFlags {
		fs.String(sf.name, "", sf.usage)
	}

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nSettings come from defaults, then -config, then SURVEY_LINKER_* env vars, then flags.")
		fmt.Fprintln(fs.Output(), "\nExamples:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/survey-linker -survey data/survey.csv -messages data/messages.csv")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/survey-linker -survey data/survey.csv -archive data/conversations.json -prior out/consolidated.csv")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/survey-linker -config survey-linker.toml -llm-model gpt-4.1-mini")
	}

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if fs.NArg() > 0 {
		return Options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	keys := make(map[string]string, len(settingFlags))
	for _, sf := range settingFlags {
		keys[sf.name] = sf.key
	}
	opts.Overrides = make(map[string]any)
	fs.Visit(func(f *flag.Flag) {
		if key, ok := keys[f.Name]; ok {
			opts.Overrides[key] = f.Value.String()
		}
	})
	return opts, nil
}

func loadConfig(opts Options) (Config, error) {
	s, err := config.Load(opts.ConfigPath, opts.Overrides)
	if err != nil {
		return Config{}, err
	}
	apiKey := opts.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return fromSettings(s, apiKey)
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Str("cmd", "survey-linker").
		Logger()
}
