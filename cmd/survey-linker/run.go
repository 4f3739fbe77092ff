package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/theimaginaryfoundation/survey-linker/internal/config"
	"github.com/theimaginaryfoundation/survey-linker/linkage"
	"github.com/theimaginaryfoundation/survey-linker/linkage/fileutils"
	"github.com/theimaginaryfoundation/survey-linker/linkage/store"
)

// Summary is printed as the final stdout line.
type Summary struct {
	RunID                  string
	Responses              int
	Conversations          int
	Profiled               int
	Matched                int
	MatchRate              float64
	UnmatchedConversations int
	Consolidated           string
	OutputDir              string
}

func (s Summary) String() string {
	return fmt.Sprintf("run_id=%s responses=%d conversations=%d profiled=%d matched=%d match_rate=%.2f unmatched_conversations=%d consolidated=%s out_dir=%s",
		s.RunID, s.Responses, s.Conversations, s.Profiled, s.Matched, s.MatchRate, s.UnmatchedConversations, s.Consolidated, s.OutputDir)
}

func run(ctx context.Context, cfg Config, fallback linkage.IdentifierFallback) (Summary, error) {
	log := zerolog.Ctx(ctx)
	start := time.Now()

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("create output dir: %w", err)
	}

	survey, sstats, err := linkage.ReadSurveyCSV(ctx, cfg.SurveyPath, cfg.Columns)
	if err != nil {
		return Summary{}, err
	}
	log.Info().Str("path", cfg.SurveyPath).Int("responses", len(survey.Responses)).
		Int("metadata_rows", sstats.MetadataRows).Int("blank_rows", sstats.BlankRows).
		Int("invalid_start", sstats.InvalidStartTime).Msg("survey loaded")

	convs, inputPath, err := loadConversations(ctx, cfg)
	if err != nil {
		return Summary{}, err
	}

	var cache *linkage.CachedFallback
	extractor := linkage.IdentifierExtractor{}
	if fallback != nil {
		cache = &linkage.CachedFallback{Inner: fallback, Path: cfg.LLMCachePath}
		extractor.Fallback = cache
	}
	profiles, pstats := linkage.ProfileConversations(ctx, convs, extractor)
	log.Info().Int("conversations", pstats.Conversations).Int("profiled", pstats.Profiled).
		Int("login_artifacts", pstats.LoginArtifacts).Int("no_user_message", pstats.NoUserMessage).
		Int("identified", pstats.Identified).Int("fallback_errors", pstats.FallbackErrors).Msg("conversations profiled")
	if cache != nil {
		if err := cache.Save(); err != nil {
			log.Warn().Err(err).Msg("could not save identifier cache")
		}
	}

	var registry *store.SQLite
	if cfg.RegistryPath != "" {
		registry, err = store.Open(ctx, cfg.RegistryPath)
		if err != nil {
			return Summary{}, err
		}
		defer registry.Close()
	}
	prior, err := loadPrior(ctx, cfg, registry)
	if err != nil {
		return Summary{}, err
	}

	asg, err := linkage.Resolve(ctx, survey.Responses, profiles, linkage.ResolveOptions{
		Tiers:          cfg.Tiers,
		ReferenceScale: cfg.ReferenceScale,
		Locked:         prior.Matches,
	})
	if err != nil {
		return Summary{}, err
	}

	rows, err := linkage.Consolidate(ctx, survey, asg, convs, prior)
	if err != nil {
		return Summary{}, err
	}

	runID, err := linkage.RunID(settingsFingerprint(cfg), cfg.SurveyPath, inputPath)
	if err != nil {
		return Summary{}, err
	}

	if ok, err := fileutils.CopyFileIfExists(cfg.ConsolidatedPath, cfg.ConsolidatedPath+".bak", true); err != nil {
		return Summary{}, fmt.Errorf("backup previous output: %w", err)
	} else if ok {
		log.Info().Str("path", cfg.ConsolidatedPath+".bak").Msg("previous output backed up")
	}
	if err := linkage.WriteConsolidatedCSV(cfg.ConsolidatedPath, survey, rows); err != nil {
		return Summary{}, err
	}

	rep, index := linkage.BuildMatchReport(linkage.ReportInput{
		RunID:         runID,
		Conversations: len(convs),
		Profiles:      profiles,
		ProfileStats:  pstats,
		Assignment:    asg,
		Rows:          rows,
	})
	if _, err := linkage.WriteReports(cfg.OutputDir, rep, index); err != nil {
		return Summary{}, err
	}

	if registry != nil {
		if err := registry.SaveRun(ctx, runID, rows); err != nil {
			return Summary{}, err
		}
	}

	log.Info().Str("run_id", runID).Int("matched", rep.Matched).Float64("match_rate", rep.MatchRate).
		Dur("elapsed", time.Since(start).Round(time.Millisecond)).Msg("linkage complete")
	return Summary{
		RunID:                  runID,
		Responses:              rep.Responses,
		Conversations:          rep.Conversations,
		Profiled:               rep.ProfiledConversations,
		Matched:                rep.Matched,
		MatchRate:              rep.MatchRate,
		UnmatchedConversations: len(rep.UnmatchedConversations),
		Consolidated:           cfg.ConsolidatedPath,
		OutputDir:              cfg.OutputDir,
	}, nil
}

func loadConversations(ctx context.Context, cfg Config) ([]linkage.Conversation, string, error) {
	log := zerolog.Ctx(ctx)
	if cfg.ArchivePath != "" {
		res, err := linkage.ReadConversationArchive(ctx, cfg.ArchivePath, linkage.ArchiveOptions{})
		if err != nil {
			return nil, "", err
		}
		ev := log.Info()
		if res.Truncated {
			ev = log.Warn()
		}
		ev.Str("path", cfg.ArchivePath).Int("conversations", len(res.Conversations)).
			Int("skipped", res.Skipped).Bool("truncated", res.Truncated).Msg("archive loaded")
		return res.Conversations, cfg.ArchivePath, nil
	}

	convs, st, err := linkage.ReadMessagesCSV(ctx, cfg.MessagesPath)
	if err != nil {
		return nil, "", err
	}
	log.Info().Str("path", cfg.MessagesPath).Int("rows", st.Rows).Int("conversations", st.Conversations).
		Int("skipped_rows", st.SkippedRows).Int("skipped", st.Skipped).Int("repaired_mappings", st.RepairedMappings).
		Msg("messages loaded")
	return convs, cfg.MessagesPath, nil
}

// loadPrior merges the registry (authoritative) with the prior consolidated CSV.
func loadPrior(ctx context.Context, cfg Config, registry *store.SQLite) (linkage.PriorState, error) {
	var states []linkage.PriorState
	var sources []linkage.LinkageStore
	if registry != nil {
		sources = append(sources, registry)
	}
	sources = append(sources, linkage.PriorOutputStore{Path: cfg.PriorPath})
	for _, s := range sources {
		st, err := s.LoadPrior(ctx)
		if err != nil {
			return linkage.PriorState{}, err
		}
		states = append(states, st)
	}
	return linkage.MergePrior(states...), nil
}

func settingsFingerprint(cfg Config) string {
	var arms []string
	for _, a := range cfg.Columns.Arms {
		arms = append(arms, a.Column+"="+a.Label)
	}
	return strings.Join([]string{
		config.FormatTiers(cfg.Tiers),
		cfg.ReferenceScale.String(),
		cfg.Columns.ResponseID, cfg.Columns.StartDate, cfg.Columns.EndDate, cfg.Columns.StatedID, cfg.Columns.Treatment,
		strings.Join(arms, ","),
		cfg.LLMModel,
	}, "|")
}
