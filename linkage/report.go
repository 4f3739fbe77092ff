package linkage

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/theimaginaryfoundation/survey-linker/linkage/fileutils"
)

const (
	firstMessagePreviewChars = 160
	day                      = 24 * 60 * 60
)

// Audit flags attached to matches worth a manual look. They never change the match.
const (
	FlagCrossDate = "cross_date"
	FlagBeyond24h = "beyond_24h"
	FlagLocked    = "carried_over"
)

// MatchIndexRecord is one row of matches.jsonl.
type MatchIndexRecord struct {
	ResponseID     string   `json:"response_id"`
	ParticipantID  string   `json:"participant_id"`
	ConversationID string   `json:"conversation_id"`
	MatchMethod    string   `json:"match_method"`
	Confidence     float64  `json:"match_confidence"`
	Quality        Quality  `json:"match_quality"`
	TimeDelta      *float64 `json:"time_delta_seconds,omitempty"`
	ExtractedID    string   `json:"extracted_id,omitempty"`

	SurveyStartISO       string `json:"survey_start_iso8601,omitempty"`
	ConversationStartISO string `json:"conversation_start_iso8601,omitempty"`

	// FirstMessage is shortened for quick scanning.
	FirstMessage string   `json:"first_message,omitempty"`
	Flags        []string `json:"flags,omitempty"`
}

// BuildMatchIndexRecord creates a stable index row for a matched participant.
func BuildMatchIndexRecord(p ConsolidatedParticipant, profile ConversationProfile) MatchIndexRecord {
	rec := MatchIndexRecord{
		ResponseID:     p.Response.ResponseID,
		ParticipantID:  p.ParticipantID,
		ConversationID: p.Match.ConversationID,
		MatchMethod:    p.MatchLabel(),
		Confidence:     p.Match.Confidence,
		Quality:        p.Quality(),
		ExtractedID:    p.Match.ExtractedID,

		SurveyStartISO:       FormatISO8601(p.Response.StartTime),
		ConversationStartISO: FormatISO8601(p.ConversationCreateTime),
		FirstMessage:         fileutils.Truncate(fileutils.SanitizeNewlines(profile.FirstMessage), firstMessagePreviewChars),
	}
	if p.Match.HasTimeDelta() {
		d := p.Match.TimeDelta
		rec.TimeDelta = &d
	}
	rec.Flags = dedupeStrings(auditFlags(p))
	return rec
}

func auditFlags(p ConsolidatedParticipant) []string {
	var flags []string
	if sd, cd := UTCDate(p.Response.StartTime), UTCDate(p.ConversationCreateTime); sd != "" && cd != "" && sd != cd {
		flags = append(flags, FlagCrossDate)
	}
	if p.Match.HasTimeDelta() && p.Match.TimeDelta > day {
		flags = append(flags, FlagBeyond24h)
	}
	if p.Match.Locked {
		flags = append(flags, FlagLocked)
	}
	return flags
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// UnmatchedConversation describes a profiled conversation no response claimed.
type UnmatchedConversation struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`
	CreateTimeISO  string `json:"create_time_iso8601,omitempty"`
	ExtractedID    string `json:"extracted_id,omitempty"`
	FirstMessage   string `json:"first_message,omitempty"`
}

// DeltaStats summarizes time deltas for one match label.
type DeltaStats struct {
	Label  string  `json:"label"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_seconds"`
	Median float64 `json:"median_seconds"`
	Max    float64 `json:"max_seconds"`
}

// MatchReport is the run summary written to match_report.json.
type MatchReport struct {
	RunID string `json:"run_id"`

	Responses              int `json:"responses"`
	Conversations          int `json:"conversations"`
	ProfiledConversations  int `json:"profiled_conversations"`
	LoginArtifacts         int `json:"login_artifacts"`
	ConversationsNoUserMsg int `json:"conversations_without_user_message"`
	IdentifiedByText       int `json:"conversations_with_identifier"`

	Matched   int     `json:"matched"`
	MatchRate float64 `json:"match_rate"`

	ByMethod  map[string]int `json:"by_method"`
	ByQuality map[string]int `json:"by_quality"`
	Steps     []TierStats    `json:"steps"`
	Deltas    []DeltaStats   `json:"deltas"`

	CrossDateMatches int      `json:"cross_date_matches"`
	Beyond24hMatches int      `json:"beyond_24h_matches"`
	Flagged          []string `json:"flagged_response_ids,omitempty"`

	UnmatchedConversations []UnmatchedConversation `json:"unmatched_conversations"`
}

// ReportInput gathers what BuildMatchReport summarizes.
type ReportInput struct {
	RunID         string
	Conversations int
	Profiles      []ConversationProfile
	ProfileStats  ProfileStats
	Assignment    Assignment
	Rows          []ConsolidatedParticipant
}

// BuildMatchReport summarizes a run and returns the per-match index in survey order.
func BuildMatchReport(in ReportInput) (MatchReport, []MatchIndexRecord) {
	profiles := make(map[string]ConversationProfile, len(in.Profiles))
	for _, p := range in.Profiles {
		profiles[p.ConversationID] = p
	}

	rep := MatchReport{
		RunID:                  in.RunID,
		Responses:              len(in.Rows),
		Conversations:          in.Conversations,
		ProfiledConversations:  in.ProfileStats.Profiled,
		LoginArtifacts:         in.ProfileStats.LoginArtifacts,
		ConversationsNoUserMsg: in.ProfileStats.NoUserMessage,
		IdentifiedByText:       in.ProfileStats.Identified,
		ByMethod:               make(map[string]int),
		ByQuality:              make(map[string]int),
		Steps:                  in.Assignment.Steps,
		UnmatchedConversations: []UnmatchedConversation{},
	}

	deltas := make(map[string][]float64)
	var labels []string
	var index []MatchIndexRecord
	for _, p := range in.Rows {
		label := p.MatchLabel()
		rep.ByMethod[label]++
		rep.ByQuality[string(p.Quality())]++
		if p.Match == nil {
			continue
		}
		rep.Matched++
		rec := BuildMatchIndexRecord(p, profiles[p.Match.ConversationID])
		index = append(index, rec)
		if slices.Contains(rec.Flags, FlagCrossDate) {
			rep.CrossDateMatches++
		}
		if slices.Contains(rec.Flags, FlagBeyond24h) {
			rep.Beyond24hMatches++
		}
		if slices.Contains(rec.Flags, FlagCrossDate) || slices.Contains(rec.Flags, FlagBeyond24h) {
			rep.Flagged = append(rep.Flagged, p.Response.ResponseID)
		}
		if p.Match.HasTimeDelta() {
			if _, ok := deltas[label]; !ok {
				labels = append(labels, label)
			}
			deltas[label] = append(deltas[label], p.Match.TimeDelta)
		}
	}
	if rep.Responses > 0 {
		rep.MatchRate = round2(100 * float64(rep.Matched) / float64(rep.Responses))
	}

	slices.Sort(labels)
	for _, l := range labels {
		rep.Deltas = append(rep.Deltas, summarizeDeltas(l, deltas[l]))
	}

	for _, id := range in.Assignment.UnmatchedConversations {
		p := profiles[id]
		rep.UnmatchedConversations = append(rep.UnmatchedConversations, UnmatchedConversation{
			ConversationID: id,
			Title:          p.Title,
			CreateTimeISO:  FormatISO8601(p.CreateTime),
			ExtractedID:    p.ExtractedID(),
			FirstMessage:   fileutils.Truncate(fileutils.SanitizeNewlines(p.FirstMessage), firstMessagePreviewChars),
		})
	}
	return rep, index
}

func summarizeDeltas(label string, ds []float64) DeltaStats {
	s := slices.Clone(ds)
	slices.Sort(s)
	var sum float64
	for _, d := range s {
		sum += d
	}
	median := s[len(s)/2]
	if len(s)%2 == 0 {
		median = (s[len(s)/2-1] + s[len(s)/2]) / 2
	}
	return DeltaStats{
		Label:  label,
		Count:  len(s),
		Mean:   round2(sum / float64(len(s))),
		Median: round2(median),
		Max:    s[len(s)-1],
	}
}

// ReportFiles names the artifacts written by WriteReports.
type ReportFiles struct {
	ReportJSON  string
	MatchesJSON string
	Unmatched   string
	Markdown    string
}

// WriteReports writes match_report.json, matches.jsonl, unmatched_conversations.jsonl and match_report.md.
func WriteReports(dir string, rep MatchReport, index []MatchIndexRecord) (ReportFiles, error) {
	if dir == "" {
		return ReportFiles{}, errors.New("WriteReports: dir is empty")
	}
	files := ReportFiles{
		ReportJSON:  filepath.Join(dir, "match_report.json"),
		MatchesJSON: filepath.Join(dir, "matches.jsonl"),
		Unmatched:   filepath.Join(dir, "unmatched_conversations.jsonl"),
		Markdown:    filepath.Join(dir, "match_report.md"),
	}
	if err := fileutils.WriteJSONFileAtomic(files.ReportJSON, rep, true); err != nil {
		return ReportFiles{}, fmt.Errorf("WriteReports: %w", err)
	}
	if err := fileutils.WriteJSONLinesAtomic(files.MatchesJSON, index); err != nil {
		return ReportFiles{}, fmt.Errorf("WriteReports: %w", err)
	}
	if err := fileutils.WriteJSONLinesAtomic(files.Unmatched, rep.UnmatchedConversations); err != nil {
		return ReportFiles{}, fmt.Errorf("WriteReports: %w", err)
	}
	if err := fileutils.WriteFileAtomicSameDir(files.Markdown, []byte(RenderReportMarkdown(rep, index)), 0o644); err != nil {
		return ReportFiles{}, fmt.Errorf("WriteReports: %w", err)
	}
	return files, nil
}

// runNamespace scopes run ids to this tool.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/theimaginaryfoundation/survey-linker/run"))

// RunID derives a deterministic identifier from the input files and a settings fingerprint, so the same
// inputs always produce the same run id.
func RunID(settings string, paths ...string) (string, error) {
	h := sha256.New()
	io.WriteString(h, settings)
	for _, p := range paths {
		if p == "" {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("RunID: %w", err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("RunID: %w", err)
		}
		h.Write([]byte{0})
	}
	return uuid.NewSHA1(runNamespace, h.Sum(nil)).String(), nil
}
