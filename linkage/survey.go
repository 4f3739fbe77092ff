package linkage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/theimaginaryfoundation/survey-linker/linkage/fileutils"
)

// ArmColumn maps a 0/1 indicator column to a treatment label.
type ArmColumn struct {
	Column string
	Label  string
}

// SurveyColumns names the survey export columns the pipeline reads.
type SurveyColumns struct {
	ResponseID string
	StartDate  string
	EndDate    string

	// StatedID is optional; when present it may carry a participant identifier typed by the respondent.
	StatedID string

	// Treatment is an optional free-text arm column; Arms are indicator columns used when it is absent or blank.
	Treatment string
	Arms      []ArmColumn
}

const (
	TreatmentControl    = "Control"
	TreatmentAIAssisted = "AI-assisted"
	TreatmentAIGuided   = "AI-guided"
)

// DefaultSurveyColumns matches a Qualtrics export with the study's arm indicator columns.
func DefaultSurveyColumns() SurveyColumns {
	return SurveyColumns{
		ResponseID: "ResponseId",
		StartDate:  "StartDate",
		EndDate:    "EndDate",
		StatedID:   "UserID",
		Treatment:  "treatment",
		Arms: []ArmColumn{
			{Column: "control", Label: TreatmentControl},
			{Column: "ai_assist", Label: TreatmentAIAssisted},
			{Column: "ai_guided", Label: TreatmentAIGuided},
		},
	}
}

// SurveyStats counts what ReadSurveyCSV skipped.
type SurveyStats struct {
	Rows             int
	MetadataRows     int
	BlankRows        int
	InvalidStartTime int
}

// ReadSurveyCSV loads the survey export.
func ReadSurveyCSV(ctx context.Context, path string, cols SurveyColumns) (SurveyTable, SurveyStats, error) {
	if path == "" {
		return SurveyTable{}, SurveyStats{}, errors.New("ReadSurveyCSV: path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return SurveyTable{}, SurveyStats{}, fmt.Errorf("ReadSurveyCSV: %w", err)
	}
	defer f.Close()
	return ParseSurveyCSV(ctx, f, cols)
}

// ParseSurveyCSV reads a survey table from r. Every original column is kept in header order. Qualtrics
// label and ImportId rows are skipped. Blank or duplicate response ids are an error.
func ParseSurveyCSV(ctx context.Context, r io.Reader, cols SurveyColumns) (SurveyTable, SurveyStats, error) {
	log := zerolog.Ctx(ctx)
	var stats SurveyStats

	tbl, err := fileutils.ParseCSV(r)
	if err != nil {
		return SurveyTable{}, stats, fmt.Errorf("ParseSurveyCSV: %w", err)
	}
	idCol := tbl.Column(cols.ResponseID)
	if idCol < 0 {
		return SurveyTable{}, stats, fmt.Errorf("ParseSurveyCSV: missing column %q", cols.ResponseID)
	}
	if tbl.Column(cols.StartDate) < 0 {
		return SurveyTable{}, stats, fmt.Errorf("ParseSurveyCSV: missing column %q", cols.StartDate)
	}

	out := SurveyTable{Headers: tbl.Headers}
	seen := make(map[string]int, len(tbl.Records))
	for i, rec := range tbl.Records {
		if isBlankRecord(rec) {
			stats.BlankRows++
			continue
		}
		id := strings.TrimSpace(rec[idCol])
		if isQualtricsMetadata(id) {
			stats.MetadataRows++
			continue
		}
		line := i + 2
		if id == "" {
			return SurveyTable{}, stats, fmt.Errorf("ParseSurveyCSV: line %d: empty %s", line, cols.ResponseID)
		}
		if prev, dup := seen[id]; dup {
			return SurveyTable{}, stats, fmt.Errorf("ParseSurveyCSV: line %d: duplicate %s %q (first on line %d)", line, cols.ResponseID, id, prev)
		}
		seen[id] = line

		fields := make(map[string]string, len(tbl.Headers))
		for j, h := range tbl.Headers {
			fields[h] = rec[j]
		}
		resp := SurveyResponse{
			ResponseID: id,
			StartTime:  NormalizeTimestamp(fields[cols.StartDate]),
			EndTime:    NormalizeTimestamp(fields[cols.EndDate]),
			StatedID:   strings.TrimSpace(fields[cols.StatedID]),
			Treatment:  treatmentFor(fields, cols),
			Row:        len(out.Responses),
			Fields:     fields,
		}
		if !ValidTimestamp(resp.StartTime) {
			stats.InvalidStartTime++
			log.Warn().Str("response_id", id).Str("value", fields[cols.StartDate]).Msg("survey start time is not a timestamp")
		}
		out.Responses = append(out.Responses, resp)
	}
	stats.Rows = len(out.Responses)
	return out, stats, nil
}

func isBlankRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func isQualtricsMetadata(id string) bool {
	return strings.EqualFold(id, "Response ID") || strings.HasPrefix(id, `{"ImportId"`)
}

func treatmentFor(fields map[string]string, cols SurveyColumns) string {
	if cols.Treatment != "" {
		if t := NormalizeTreatment(fields[cols.Treatment]); t != "" {
			return t
		}
	}
	for _, arm := range cols.Arms {
		if isTruthy(fields[arm.Column]) {
			return arm.Label
		}
	}
	return ""
}

var treatmentAliases = map[string]string{
	"control":     TreatmentControl,
	"assist":      TreatmentAIAssisted,
	"ai_assist":   TreatmentAIAssisted,
	"ai-assist":   TreatmentAIAssisted,
	"ai assist":   TreatmentAIAssisted,
	"ai-assisted": TreatmentAIAssisted,
	"ai_assisted": TreatmentAIAssisted,
	"ai assisted": TreatmentAIAssisted,
	"guided":      TreatmentAIGuided,
	"ai_guided":   TreatmentAIGuided,
	"ai-guided":   TreatmentAIGuided,
	"ai guided":   TreatmentAIGuided,
}

// NormalizeTreatment maps free-text arm names onto Control, AI-assisted or AI-guided.
// Unknown values are returned trimmed but otherwise unchanged.
func NormalizeTreatment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if t, ok := treatmentAliases[strings.ToLower(s)]; ok {
		return t
	}
	return s
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "1.0", "true", "yes", "y", "x":
		return true
	}
	return false
}
