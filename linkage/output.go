package linkage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/theimaginaryfoundation/survey-linker/linkage/fileutils"
)

// ParticipantRecord is the set of columns appended to every survey row. Field order is column order.
type ParticipantRecord struct {
	ResponseID             string  `json:"response_id" jsonschema:"description=Survey response identifier (copy of the survey's own id column)"`
	StartTimeUnix          string  `json:"start_time_unix" jsonschema:"description=Survey start time as UTC epoch seconds; empty when unparsable"`
	EndTimeUnix            string  `json:"end_time_unix" jsonschema:"description=Survey end time as UTC epoch seconds; empty when unparsable"`
	TreatmentClean         string  `json:"treatment_clean" jsonschema:"description=Experimental arm (Control or AI-assisted or AI-guided); empty when unknown"`
	Session                string  `json:"Session" jsonschema:"description=Study session label ordered by UTC survey date"`
	ParticipantID          string  `json:"participant_id" jsonschema:"description=Stable participant identifier; reused across re-runs"`
	ParticipantIDSource    string  `json:"participant_id_source" jsonschema:"description=How participant_id was first derived,enum=registry,enum=explicit,enum=timestamp,enum=response"`
	ConversationID         string  `json:"conversation_id" jsonschema:"description=Linked conversation; empty when unmatched"`
	ConversationCreateTime string  `json:"conversation_create_time" jsonschema:"description=Linked conversation's first message time as UTC epoch seconds"`
	MatchMethod            string  `json:"MatchMethod" jsonschema:"description=ExplicitID or a timestamp tier label (Timestamp or Timestamp24h or Timestamp7d ...) or Unmatched"`
	MatchConfidence        float64 `json:"match_confidence" jsonschema:"description=Match confidence 0-100; 100 for explicit identifiers; 0 when unmatched"`
	MatchQuality           string  `json:"match_quality" jsonschema:"description=Confidence bucket,enum=high,enum=medium,enum=low,enum=none"`
	TimeDeltaSeconds       string  `json:"time_delta_seconds" jsonschema:"description=Absolute seconds between survey start and conversation start; empty when unknown"`
	ExtractedID            string  `json:"extracted_id" jsonschema:"description=Participant identifier found in the conversation's first user message"`
	HasMatch               bool    `json:"HasMatch" jsonschema:"description=Whether the response was linked to a conversation"`
	MessageCount           int     `json:"MessageCount" jsonschema:"description=Total messages in the linked conversation"`
	UserMessageCount       int     `json:"UserMessageCount" jsonschema:"description=User-authored messages"`
	AIMessageCount         int     `json:"AIMessageCount" jsonschema:"description=Assistant-authored messages"`
	AverageUserLength      float64 `json:"AverageUserMessageLength" jsonschema:"description=Mean characters per user message"`
	AverageAILength        float64 `json:"AverageAIMessageLength" jsonschema:"description=Mean characters per assistant message"`
	ConversationDuration   float64 `json:"ConversationDuration" jsonschema:"description=Seconds between first and last timestamped message"`
	DurationMinutes        float64 `json:"ConversationDurationMinutes" jsonschema:"description=ConversationDuration in minutes"`
	TurnCount              int     `json:"TurnCount" jsonschema:"description=User-led turns"`
	MessageRatio           float64 `json:"MessageRatio" jsonschema:"description=User messages per assistant message; 0 without assistant messages"`
}

// NewParticipantRecord derives the appended columns for one consolidated row.
func NewParticipantRecord(p ConsolidatedParticipant) ParticipantRecord {
	rec := ParticipantRecord{
		ResponseID:          p.Response.ResponseID,
		StartTimeUnix:       formatEpoch(p.Response.StartTime),
		EndTimeUnix:         formatEpoch(p.Response.EndTime),
		TreatmentClean:      p.Response.Treatment,
		Session:             p.Session,
		ParticipantID:       p.ParticipantID,
		ParticipantIDSource: string(p.ParticipantIDSource),
		MatchMethod:         p.MatchLabel(),
		MatchQuality:        string(p.Quality()),
		HasMatch:            p.HasMatch(),
	}
	if m := p.Match; m != nil {
		rec.ConversationID = m.ConversationID
		rec.ConversationCreateTime = formatEpoch(p.ConversationCreateTime)
		rec.MatchConfidence = m.Confidence
		if m.HasTimeDelta() {
			rec.TimeDeltaSeconds = formatFloat(m.TimeDelta)
		}
		rec.ExtractedID = m.ExtractedID

		mt := p.Metrics
		rec.MessageCount = mt.MessageCount
		rec.UserMessageCount = mt.UserMessageCount
		rec.AIMessageCount = mt.AssistantMessageCount
		rec.AverageUserLength = mt.AverageUserMessageLength
		rec.AverageAILength = mt.AverageAssistantMessageLength
		rec.ConversationDuration = mt.Duration
		rec.DurationMinutes = mt.DurationMinutes()
		rec.TurnCount = mt.TurnCount
		rec.MessageRatio = mt.MessageRatio
	}
	return rec
}

type outputColumn struct {
	name  string
	value func(r ParticipantRecord) string
}

var outputColumns = []outputColumn{
	{"response_id", func(r ParticipantRecord) string { return r.ResponseID }},
	{"start_time_unix", func(r ParticipantRecord) string { return r.StartTimeUnix }},
	{"end_time_unix", func(r ParticipantRecord) string { return r.EndTimeUnix }},
	{"treatment_clean", func(r ParticipantRecord) string { return r.TreatmentClean }},
	{"Session", func(r ParticipantRecord) string { return r.Session }},
	{"participant_id", func(r ParticipantRecord) string { return r.ParticipantID }},
	{"participant_id_source", func(r ParticipantRecord) string { return r.ParticipantIDSource }},
	{"conversation_id", func(r ParticipantRecord) string { return r.ConversationID }},
	{"conversation_create_time", func(r ParticipantRecord) string { return r.ConversationCreateTime }},
	{"MatchMethod", func(r ParticipantRecord) string { return r.MatchMethod }},
	{"match_confidence", func(r ParticipantRecord) string { return strconv.FormatFloat(r.MatchConfidence, 'f', 2, 64) }},
	{"match_quality", func(r ParticipantRecord) string { return r.MatchQuality }},
	{"time_delta_seconds", func(r ParticipantRecord) string { return r.TimeDeltaSeconds }},
	{"extracted_id", func(r ParticipantRecord) string { return r.ExtractedID }},
	{"HasMatch", func(r ParticipantRecord) string { return strconv.FormatBool(r.HasMatch) }},
	{"MessageCount", func(r ParticipantRecord) string { return strconv.Itoa(r.MessageCount) }},
	{"UserMessageCount", func(r ParticipantRecord) string { return strconv.Itoa(r.UserMessageCount) }},
	{"AIMessageCount", func(r ParticipantRecord) string { return strconv.Itoa(r.AIMessageCount) }},
	{"AverageUserMessageLength", func(r ParticipantRecord) string { return strconv.FormatFloat(r.AverageUserLength, 'f', 2, 64) }},
	{"AverageAIMessageLength", func(r ParticipantRecord) string { return strconv.FormatFloat(r.AverageAILength, 'f', 2, 64) }},
	{"ConversationDuration", func(r ParticipantRecord) string { return formatFloat(r.ConversationDuration) }},
	{"ConversationDurationMinutes", func(r ParticipantRecord) string { return strconv.FormatFloat(r.DurationMinutes, 'f', 2, 64) }},
	{"TurnCount", func(r ParticipantRecord) string { return strconv.Itoa(r.TurnCount) }},
	{"MessageRatio", func(r ParticipantRecord) string { return strconv.FormatFloat(r.MessageRatio, 'f', 2, 64) }},
}

// OutputColumnNames lists the appended columns in order.
func OutputColumnNames() []string {
	names := make([]string, len(outputColumns))
	for i, c := range outputColumns {
		names[i] = c.name
	}
	return names
}

// ConsolidatedHeaders is the full header row: survey columns that do not clash with an appended
// column, followed by the appended columns.
func ConsolidatedHeaders(survey SurveyTable) []string {
	appended := OutputColumnNames()
	out := make([]string, 0, len(survey.Headers)+len(appended))
	for _, h := range survey.Headers {
		if !slices.Contains(appended, h) {
			out = append(out, h)
		}
	}
	return append(out, appended...)
}

// ConsolidatedRows renders rows in the order of ConsolidatedHeaders.
func ConsolidatedRows(survey SurveyTable, rows []ConsolidatedParticipant) [][]string {
	appended := OutputColumnNames()
	var kept []string
	for _, h := range survey.Headers {
		if !slices.Contains(appended, h) {
			kept = append(kept, h)
		}
	}

	out := make([][]string, 0, len(rows))
	for _, p := range rows {
		rec := NewParticipantRecord(p)
		line := make([]string, 0, len(kept)+len(outputColumns))
		for _, h := range kept {
			line = append(line, p.Response.Fields[h])
		}
		for _, c := range outputColumns {
			line = append(line, c.value(rec))
		}
		out = append(out, line)
	}
	return out
}

// WriteConsolidatedCSV writes the consolidated table atomically.
func WriteConsolidatedCSV(path string, survey SurveyTable, rows []ConsolidatedParticipant) error {
	if path == "" {
		return errors.New("WriteConsolidatedCSV: path is empty")
	}
	if err := fileutils.WriteCSVFileAtomic(path, ConsolidatedHeaders(survey), ConsolidatedRows(survey, rows)); err != nil {
		return fmt.Errorf("WriteConsolidatedCSV: %w", err)
	}
	return nil
}

// ReadPriorOutput recovers participant IDs and matches from a consolidated CSV written by an earlier run.
// A missing file yields an empty state.
func ReadPriorOutput(ctx context.Context, path string) (PriorState, error) {
	st := PriorState{
		ParticipantIDs: make(map[string]string),
		Sources:        make(map[string]ParticipantIDSource),
	}
	if path == "" {
		return st, nil
	}
	tbl, err := fileutils.ReadCSV(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return PriorState{}, fmt.Errorf("ReadPriorOutput: %w", err)
	}
	for _, col := range []string{"response_id", "participant_id", "conversation_id", "MatchMethod"} {
		if tbl.Column(col) < 0 {
			return PriorState{}, fmt.Errorf("ReadPriorOutput: %s has no %q column; is it a consolidated table?", path, col)
		}
	}

	get := columnGetter(tbl)
	for _, rec := range tbl.Records {
		rid := get(rec, "response_id")
		if rid == "" {
			continue
		}
		if pid := get(rec, "participant_id"); pid != "" {
			st.ParticipantIDs[rid] = pid
			if src := get(rec, "participant_id_source"); src != "" {
				st.Sources[rid] = ParticipantIDSource(src)
			}
		}
		cid := get(rec, "conversation_id")
		label := get(rec, "MatchMethod")
		if cid == "" || label == "" || label == string(MethodUnmatched) {
			continue
		}
		m := Match{
			ResponseID:     rid,
			ConversationID: cid,
			Method:         MethodTimestamp,
			Tier:           label,
			ExtractedID:    get(rec, "extracted_id"),
		}
		if label == string(MethodExplicitID) {
			m.Method = MethodExplicitID
			m.Tier = ""
		}
		st.Matches = append(st.Matches, m)
	}
	zerolog.Ctx(ctx).Info().Str("path", path).Int("participants", len(st.ParticipantIDs)).Int("matches", len(st.Matches)).Msg("loaded prior output")
	return st, nil
}
