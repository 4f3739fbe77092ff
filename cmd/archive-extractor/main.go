package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/theimaginaryfoundation/survey-linker/linkage"
	"github.com/theimaginaryfoundation/survey-linker/linkage/fileutils"
)

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Str("cmd", "archive-extractor").Logger().WithContext(ctx)

	if _, err := extract(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

type extractResult struct {
	Conversations int
	Messages      int
	Skipped       int
	Truncated     bool
}

func extract(ctx context.Context, cfg Config, stdout io.Writer) (extractResult, error) {
	if !cfg.Overwrite && fileutils.FileExists(cfg.OutputPath) {
		return extractResult{}, errors.New("output exists (pass -overwrite): " + cfg.OutputPath)
	}
	archive, err := linkage.ReadConversationArchive(ctx, cfg.InputPath, linkage.ArchiveOptions{ArrayField: cfg.ArrayField})
	if err != nil {
		return extractResult{}, err
	}
	if dir := filepath.Dir(cfg.OutputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return extractResult{}, fmt.Errorf("create output dir: %w", err)
		}
	}
	n, err := linkage.WriteMessagesCSV(cfg.OutputPath, archive.Conversations)
	if err != nil {
		return extractResult{}, err
	}
	res := extractResult{
		Conversations: len(archive.Conversations),
		Messages:      n,
		Skipped:       archive.Skipped,
		Truncated:     archive.Truncated,
	}
	fmt.Fprintf(stdout, "conversations=%d messages=%d skipped=%d truncated=%t out=%s\n",
		res.Conversations, res.Messages, res.Skipped, res.Truncated, cfg.OutputPath)
	return res, nil
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.InputPath, "in", cfg.InputPath, "Path to conversations.json (ChatGPT export)")
	fs.StringVar(&cfg.OutputPath, "out", cfg.OutputPath, "Message table CSV to write (one row per message)")
	fs.StringVar(&cfg.ArrayField, "array-field", "", "If top-level JSON is an object, name of field containing conversations array (e.g. conversations)")
	fs.BoolVar(&cfg.Overwrite, "overwrite", false, "Overwrite an existing output file")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExamples:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/archive-extractor -overwrite")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/archive-extractor -in export/conversations.json -out data/messages.csv")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.InputPath = filepath.Clean(cfg.InputPath)
	cfg.OutputPath = filepath.Clean(cfg.OutputPath)
	return cfg, nil
}
