package linkage

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ConversationProfile is the matching-relevant view of a conversation.
type ConversationProfile struct {
	ConversationID string
	Title          string
	CreateTime     float64
	FirstMessage   string

	// Identifier is set when the first user message carried a participant identifier.
	Identifier *Identifier
}

// ExtractedID returns the canonical identifier or "".
func (p ConversationProfile) ExtractedID() string {
	if p.Identifier == nil {
		return ""
	}
	return p.Identifier.String()
}

// ProfileStats counts what happened while profiling conversations.
type ProfileStats struct {
	Conversations  int
	Profiled       int
	LoginArtifacts int
	NoUserMessage  int
	Identified     int
	FallbackErrors int
}

// ProfileConversations builds one profile per matchable conversation. Login artifacts and conversations
// without a user message are left out and counted.
func ProfileConversations(ctx context.Context, convs []Conversation, extractor IdentifierExtractor) ([]ConversationProfile, ProfileStats) {
	log := zerolog.Ctx(ctx)
	stats := ProfileStats{Conversations: len(convs)}
	out := make([]ConversationProfile, 0, len(convs))

	for _, c := range convs {
		if c.IsLoginArtifact() {
			stats.LoginArtifacts++
			log.Debug().Str("conversation_id", c.ConversationID).Msg("skip login artifact")
			continue
		}
		first, ok := c.FirstUserMessage()
		if !ok {
			stats.NoUserMessage++
			log.Debug().Str("conversation_id", c.ConversationID).Msg("skip conversation without user message")
			continue
		}

		p := ConversationProfile{
			ConversationID: c.ConversationID,
			Title:          c.Title,
			CreateTime:     c.CreateTime,
			FirstMessage:   first,
		}
		id, found, err := extractor.Extract(ctx, first)
		if err != nil {
			stats.FallbackErrors++
			log.Warn().Err(err).Str("conversation_id", c.ConversationID).Msg("identifier fallback failed")
		}
		if found {
			p.Identifier = &id
			stats.Identified++
		}
		out = append(out, p)
		stats.Profiled++
	}
	return out, stats
}

// Candidate is a proposed pairing, not yet accepted.
type Candidate struct {
	ResponseID     string
	ConversationID string
	Method         MatchMethod
	TimeDelta      float64
	ExtractedID    string

	responseStart float64
	responseRow   int
	convCreate    float64
}

func newCandidate(r SurveyResponse, p ConversationProfile, method MatchMethod) Candidate {
	return Candidate{
		ResponseID:     r.ResponseID,
		ConversationID: p.ConversationID,
		Method:         method,
		TimeDelta:      TimeDelta(r.StartTime, p.CreateTime),
		ExtractedID:    p.ExtractedID(),
		responseStart:  r.StartTime,
		responseRow:    r.Row,
		convCreate:     p.CreateTime,
	}
}

// ExplicitCandidates pairs conversations whose extracted identifier names a response, either through
// its response_id or its stated identifier field. No time filter is applied.
func ExplicitCandidates(responses []SurveyResponse, profiles []ConversationProfile) []Candidate {
	var out []Candidate
	for _, p := range profiles {
		extracted := p.ExtractedID()
		if extracted == "" {
			continue
		}
		for _, r := range responses {
			if identifiersMatch(extracted, r.ResponseID) || identifiersMatch(extracted, statedIdentifier(r.StatedID)) {
				out = append(out, newCandidate(r, p, MethodExplicitID))
			}
		}
	}
	return out
}

// statedIdentifier canonicalizes a survey-side identifier when it parses; otherwise it is used as typed.
func statedIdentifier(s string) string {
	s = strings.TrimSpace(s)
	if id, ok := ParseIdentifier(s); ok {
		return id.String()
	}
	return s
}

// stampPrefix is the DDMMYYYY_HHMM head an identifier fragment needs before substring matching applies.
var stampPrefix = regexp.MustCompile(`^\d{8}_\d{4}`)

// identifiersMatch compares case-insensitively. Containment in either direction also counts when the
// shorter side starts with a full date-time stamp.
func identifiersMatch(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	return stampPrefix.MatchString(short) && strings.Contains(long, short)
}

// TimestampCandidates returns every pair whose |start_time - create_time| is within tolerance.
// Pairs where either side lacks a valid timestamp are never produced.
func TimestampCandidates(responses []SurveyResponse, profiles []ConversationProfile, tolerance time.Duration) []Candidate {
	tol := tolerance.Seconds()
	if tol < 0 {
		return nil
	}

	byTime := make([]ConversationProfile, 0, len(profiles))
	for _, p := range profiles {
		if ValidTimestamp(p.CreateTime) {
			byTime = append(byTime, p)
		}
	}
	sort.SliceStable(byTime, func(i, j int) bool {
		if byTime[i].CreateTime != byTime[j].CreateTime {
			return byTime[i].CreateTime < byTime[j].CreateTime
		}
		return byTime[i].ConversationID < byTime[j].ConversationID
	})

	var out []Candidate
	for _, r := range responses {
		if !ValidTimestamp(r.StartTime) {
			continue
		}
		lo := r.StartTime - tol
		hi := r.StartTime + tol
		i := sort.Search(len(byTime), func(i int) bool { return byTime[i].CreateTime >= lo })
		for ; i < len(byTime) && byTime[i].CreateTime <= hi; i++ {
			out = append(out, newCandidate(r, byTime[i], MethodTimestamp))
		}
	}
	return out
}
