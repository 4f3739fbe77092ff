package linkage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// ParticipantIDSource records where a participant_id came from.
type ParticipantIDSource string

const (
	SourceRegistry  ParticipantIDSource = "registry"
	SourceExplicit  ParticipantIDSource = "explicit"
	SourceTimestamp ParticipantIDSource = "timestamp"
	SourceResponse  ParticipantIDSource = "response"
)

// SessionColumn is the survey column holding the session label.
const SessionColumn = "Session"

// ConsolidatedParticipant is one row of the consolidated table.
type ConsolidatedParticipant struct {
	Response            SurveyResponse
	ParticipantID       string
	ParticipantIDSource ParticipantIDSource
	Session             string

	// Match is nil for unmatched responses.
	Match                  *Match
	ConversationCreateTime float64
	Metrics                ConversationMetrics
}

// HasMatch reports whether the response was linked to a conversation.
func (p ConsolidatedParticipant) HasMatch() bool {
	return p.Match != nil
}

// MatchLabel is the MatchMethod column value.
func (p ConsolidatedParticipant) MatchLabel() string {
	if p.Match == nil {
		return string(MethodUnmatched)
	}
	return p.Match.Label()
}

// Quality is the match_quality column value.
func (p ConsolidatedParticipant) Quality() Quality {
	return MatchQuality(p.Match)
}

// Consolidate joins every survey response with its match and conversation metrics, in survey order.
// Unmatched responses keep zeroed metrics and an Unmatched method.
func Consolidate(ctx context.Context, survey SurveyTable, asg Assignment, convs []Conversation, prior PriorState) ([]ConsolidatedParticipant, error) {
	if ctx == nil {
		return nil, errors.New("Consolidate: ctx is nil")
	}
	byID := make(map[string]*Conversation, len(convs))
	for i := range convs {
		if _, dup := byID[convs[i].ConversationID]; !dup {
			byID[convs[i].ConversationID] = &convs[i]
		}
	}

	sessions := AssignSessions(survey)
	rows := make([]ConsolidatedParticipant, len(survey.Responses))
	for i, r := range survey.Responses {
		row := ConsolidatedParticipant{
			Response:               r,
			Session:                sessions[r.ResponseID],
			ConversationCreateTime: InvalidTimestamp(),
		}
		if m, ok := asg.ForResponse(r.ResponseID); ok {
			conv, found := byID[m.ConversationID]
			if !found {
				return nil, fmt.Errorf("Consolidate: match for %q refers to unknown conversation %q", r.ResponseID, m.ConversationID)
			}
			row.Match = &m
			row.ConversationCreateTime = conv.CreateTime
			row.Metrics = ComputeMetrics(*conv)
		}
		rows[i] = row
	}

	assignParticipantIDs(ctx, rows, prior)
	return rows, nil
}

// assignParticipantIDs fills ParticipantID using, in priority order: the prior run's assignment, an explicit
// identifier, an ID generated from the survey start time, and finally one derived from the response id.
// IDs already handed out (in this run or a prior one) are never reused for another response. A reused
// ID keeps the source recorded when it was first derived.
func assignParticipantIDs(ctx context.Context, rows []ConsolidatedParticipant, prior PriorState) {
	log := zerolog.Ctx(ctx)
	taken := make(map[string]string, len(rows)+len(prior.ParticipantIDs))
	for rid, pid := range prior.ParticipantIDs {
		if pid != "" {
			if owner, dup := taken[pid]; !dup || rid < owner {
				taken[pid] = rid
			}
		}
	}

	for i := range rows {
		rid := rows[i].Response.ResponseID
		pid, ok := prior.ParticipantIDs[rid]
		if !ok || pid == "" || taken[pid] != rid {
			continue
		}
		rows[i].ParticipantID = pid
		rows[i].ParticipantIDSource = SourceRegistry
		if src := prior.Sources[rid]; src != "" {
			rows[i].ParticipantIDSource = src
		}
	}

	order := make([]int, 0, len(rows))
	for i := range rows {
		if rows[i].ParticipantID == "" {
			order = append(order, i)
		}
	}
	slices.SortStableFunc(order, func(a, b int) int {
		ra, rb := rows[a].Response, rows[b].Response
		va, vb := ValidTimestamp(ra.StartTime), ValidTimestamp(rb.StartTime)
		switch {
		case va && !vb:
			return -1
		case !va && vb:
			return 1
		case va && vb:
			if c := cmp.Compare(ra.StartTime, rb.StartTime); c != 0 {
				return c
			}
		}
		return cmp.Compare(ra.Row, rb.Row)
	})

	claim := func(i int, pid string, src ParticipantIDSource) bool {
		if pid == "" {
			return false
		}
		if _, used := taken[pid]; used {
			return false
		}
		taken[pid] = rows[i].Response.ResponseID
		rows[i].ParticipantID = pid
		rows[i].ParticipantIDSource = src
		return true
	}

	for _, i := range order {
		if claim(i, explicitParticipantID(rows[i]), SourceExplicit) {
			continue
		}
		if stamp := FormatIdentifierStamp(rows[i].Response.StartTime); stamp != "" {
			for seq := 1; ; seq++ {
				if claim(i, fmt.Sprintf("%s_%d", stamp, seq), SourceTimestamp) {
					break
				}
			}
			continue
		}
		base := responseDerivedID(rows[i].Response.ResponseID)
		if claim(i, base, SourceResponse) {
			continue
		}
		for n := 2; !claim(i, fmt.Sprintf("%s_%d", base, n), SourceResponse); n++ {
		}
		log.Debug().Str("response_id", rows[i].Response.ResponseID).Str("participant_id", rows[i].ParticipantID).Msg("participant id collided; suffixed")
	}
}

func explicitParticipantID(p ConsolidatedParticipant) string {
	if p.Match != nil && p.Match.Method == MethodExplicitID && p.Match.ExtractedID != "" {
		return p.Match.ExtractedID
	}
	if id, ok := ParseIdentifier(p.Response.StatedID); ok {
		return id.String()
	}
	return ""
}

func responseDerivedID(responseID string) string {
	s := strings.TrimSpace(responseID)
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	return "SURVEY_" + s
}

// AssignSessions labels responses "Session 1", "Session 2", ... by ascending UTC date of their start time.
// When the survey already has a Session column its values are kept.
func AssignSessions(survey SurveyTable) map[string]string {
	out := make(map[string]string, len(survey.Responses))
	if slices.Contains(survey.Headers, SessionColumn) {
		for _, r := range survey.Responses {
			out[r.ResponseID] = r.Fields[SessionColumn]
		}
		return out
	}

	var dates []string
	for _, r := range survey.Responses {
		if d := UTCDate(r.StartTime); d != "" && !slices.Contains(dates, d) {
			dates = append(dates, d)
		}
	}
	slices.Sort(dates)
	for _, r := range survey.Responses {
		if d := UTCDate(r.StartTime); d != "" {
			out[r.ResponseID] = fmt.Sprintf("Session %d", slices.Index(dates, d)+1)
		}
	}
	return out
}
