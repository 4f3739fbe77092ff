package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/theimaginaryfoundation/survey-linker/internal/config"
	"github.com/theimaginaryfoundation/survey-linker/linkage/fileutils"
)

var allStages = []string{"extract", "link", "dictionary"}

// stageOptions selects which stages run.
type stageOptions struct {
	FromStage string
	OnlyStage string
	Overwrite bool
}

func (o stageOptions) Validate() error {
	if o.OnlyStage != "" && o.FromStage != "" {
		return errors.New("use only one of --only-stage or --from-stage")
	}
	for _, s := range []string{o.OnlyStage, o.FromStage} {
		if s != "" && !isStage(s) {
			return fmt.Errorf("unknown stage %q (want %s)", s, strings.Join(allStages, "|"))
		}
	}
	return nil
}

// step is one planned `go run` invocation. A non-empty Skip explains why it will not run.
type step struct {
	Stage string
	Args  []string
	Skip  string
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the pipeline stages in order",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from-stage", Usage: "Start at stage: " + strings.Join(allStages, "|")},
			&cli.StringFlag{Name: "only-stage", Usage: "Run only one stage: " + strings.Join(allStages, "|")},
			&cli.BoolFlag{Name: "overwrite", Usage: "Re-extract the message table even when it exists"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Print the commands without running them"},
		},
		Action: runPipeline,
	}
}

func runPipeline(c *cli.Context) error {
	opts := stageOptions{
		FromStage: strings.ToLower(strings.TrimSpace(c.String("from-stage"))),
		OnlyStage: strings.ToLower(strings.TrimSpace(c.String("only-stage"))),
		Overwrite: c.Bool("overwrite"),
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	configPath := c.String("config")
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	steps, err := planSteps(cfg, configPath, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	for _, s := range steps {
		if s.Skip != "" {
			fmt.Fprintf(os.Stdout, "skip %s: %s\n", s.Stage, s.Skip)
			continue
		}
		if c.Bool("dry-run") {
			fmt.Fprintln(os.Stdout, "go "+strings.Join(s.Args, " "))
			continue
		}
		if err := runGo(ctx, s.Args...); err != nil {
			return fmt.Errorf("stage %s: %w", s.Stage, err)
		}
	}
	return nil
}

// planSteps turns the layered config into the commands each stage runs. When an archive is configured
// the extract stage writes the message table into the output directory and the link stage reads it.
func planSteps(cfg *config.Config, configPath string, opts stageOptions) ([]step, error) {
	stages := allStages
	if opts.OnlyStage != "" {
		stages = []string{opts.OnlyStage}
	} else if opts.FromStage != "" {
		stages = stagesFrom(stages, opts.FromStage)
	}

	outDir := filepath.Clean(cfg.Outputs.Dir)
	messages := cfg.Inputs.Messages
	archive := cfg.Inputs.Archive
	if archive != "" && messages == "" {
		messages = filepath.Join(outDir, "messages.csv")
	}
	if cfg.Inputs.Survey == "" {
		return nil, errors.New("inputs.survey is not configured")
	}
	if messages == "" {
		return nil, errors.New("configure inputs.messages or inputs.archive")
	}

	var steps []step
	for _, stage := range stages {
		switch stage {
		case "extract":
			s := step{Stage: stage}
			switch {
			case archive == "":
				s.Skip = "no archive configured"
			case !opts.Overwrite && fileutils.FileExists(messages):
				s.Skip = "message table already exists"
			default:
				s.Args = []string{"run", "./cmd/archive-extractor", "-in", archive, "-out", messages}
				if opts.Overwrite {
					s.Args = append(s.Args, "-overwrite")
				}
			}
			steps = append(steps, s)
		case "link":
			args := []string{"run", "./cmd/survey-linker"}
			if configPath != "" {
				args = append(args, "-config", configPath)
			}
			args = append(args, "-messages", messages, "-archive=")
			steps = append(steps, step{Stage: stage, Args: args})
		case "dictionary":
			steps = append(steps, step{Stage: stage, Args: []string{"run", "./cmd/data-dictionary", "-out", outDir}})
		default:
			return nil, fmt.Errorf("unknown stage: %s", stage)
		}
	}
	return steps, nil
}

func runGo(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	start := time.Now()
	if err := cmd.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "command failed:", "go "+strings.Join(args, " "))
		return err
	}
	fmt.Fprintln(os.Stdout, "ok:", "go "+strings.Join(args, " "), "(", time.Since(start).Round(time.Millisecond).String()+")")
	return nil
}

func stagesFrom(stages []string, from string) []string {
	for i, s := range stages {
		if s == from {
			return stages[i:]
		}
	}
	return stages
}

func isStage(s string) bool {
	for _, st := range allStages {
		if st == s {
			return true
		}
	}
	return false
}
