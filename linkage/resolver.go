package linkage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Tier is one step of the tolerance escalation ladder.
type Tier struct {
	Label     string
	Tolerance time.Duration
}

// DefaultTiers is the escalation ladder used when none is configured.
func DefaultTiers() []Tier {
	return []Tier{
		{Label: "Timestamp", Tolerance: 30 * time.Minute},
		{Label: "Timestamp24h", Tolerance: 24 * time.Hour},
		{Label: "Timestamp7d", Tolerance: 7 * 24 * time.Hour},
		{Label: "Timestamp14d", Tolerance: 14 * 24 * time.Hour},
		{Label: "Timestamp30d", Tolerance: 30 * 24 * time.Hour},
	}
}

// ParseTolerance parses a Go duration, also accepting a whole-day suffix ("7d").
func ParseTolerance(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("ParseTolerance: %q: %w", s, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("ParseTolerance: %q is negative", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("ParseTolerance: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("ParseTolerance: %q is negative", s)
	}
	return d, nil
}

// ParseTiers parses "Label=30m,Label2=24h,..." into an ordered tier list.
func ParseTiers(s string) ([]Tier, error) {
	var tiers []Tier
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, tol, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("ParseTiers: %q is not label=tolerance", part)
		}
		d, err := ParseTolerance(tol)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, Tier{Label: strings.TrimSpace(label), Tolerance: d})
	}
	if err := ValidateTiers(tiers); err != nil {
		return nil, err
	}
	return tiers, nil
}

// ValidateTiers requires unique non-empty labels and non-decreasing tolerances.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return errors.New("no tiers configured")
	}
	seen := make(map[string]struct{}, len(tiers))
	for i, t := range tiers {
		if t.Label == "" {
			return fmt.Errorf("tier %d has an empty label", i)
		}
		if t.Label == string(MethodExplicitID) || t.Label == string(MethodUnmatched) {
			return fmt.Errorf("tier label %q is reserved", t.Label)
		}
		if _, ok := seen[t.Label]; ok {
			return fmt.Errorf("duplicate tier label %q", t.Label)
		}
		seen[t.Label] = struct{}{}
		if i > 0 && t.Tolerance < tiers[i-1].Tolerance {
			return fmt.Errorf("tier %q tolerance %s is below the previous tier", t.Label, t.Tolerance)
		}
	}
	return nil
}

// Pool holds the records still open for matching. Functions that consume a Pool return a new one and
// never modify their input.
type Pool struct {
	Responses     []SurveyResponse
	Conversations []ConversationProfile
}

func (p Pool) without(responses, conversations map[string]struct{}) Pool {
	out := Pool{
		Responses:     make([]SurveyResponse, 0, len(p.Responses)),
		Conversations: make([]ConversationProfile, 0, len(p.Conversations)),
	}
	for _, r := range p.Responses {
		if _, taken := responses[r.ResponseID]; !taken {
			out.Responses = append(out.Responses, r)
		}
	}
	for _, c := range p.Conversations {
		if _, taken := conversations[c.ConversationID]; !taken {
			out.Conversations = append(out.Conversations, c)
		}
	}
	return out
}

// AcceptExplicit accepts explicit-identifier candidates in conversation order, skipping any whose
// response or conversation was already taken.
func AcceptExplicit(pool Pool, cands []Candidate) ([]Match, Pool) {
	sorted := append([]Candidate(nil), cands...)
	slices.SortStableFunc(sorted, func(a, b Candidate) int {
		if c := cmp.Compare(a.convCreate, b.convCreate); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ConversationID, b.ConversationID); c != 0 {
			return c
		}
		return compareByResponse(a, b)
	})

	matches := make([]Match, 0, len(sorted))
	takenR := make(map[string]struct{})
	takenC := make(map[string]struct{})
	open := openSets(pool)
	for _, c := range sorted {
		if !open.has(c) {
			continue
		}
		if _, ok := takenR[c.ResponseID]; ok {
			continue
		}
		if _, ok := takenC[c.ConversationID]; ok {
			continue
		}
		takenR[c.ResponseID] = struct{}{}
		takenC[c.ConversationID] = struct{}{}
		matches = append(matches, Match{
			ResponseID:     c.ResponseID,
			ConversationID: c.ConversationID,
			Method:         MethodExplicitID,
			TimeDelta:      c.TimeDelta,
			Confidence:     explicitConfidence,
			ExtractedID:    c.ExtractedID,
		})
	}
	return matches, pool.without(takenR, takenC)
}

// AssignGreedy accepts candidates in ascending delta order so that each response and conversation
// is used at most once. Ties go to the earlier response start_time.
func AssignGreedy(pool Pool, cands []Candidate, tier Tier, scale time.Duration) ([]Match, Pool) {
	sorted := append([]Candidate(nil), cands...)
	slices.SortStableFunc(sorted, func(a, b Candidate) int {
		if c := cmp.Compare(a.TimeDelta, b.TimeDelta); c != 0 {
			return c
		}
		if c := compareByResponse(a, b); c != 0 {
			return c
		}
		if c := cmp.Compare(a.convCreate, b.convCreate); c != 0 {
			return c
		}
		return cmp.Compare(a.ConversationID, b.ConversationID)
	})

	matches := make([]Match, 0)
	takenR := make(map[string]struct{})
	takenC := make(map[string]struct{})
	open := openSets(pool)
	for _, c := range sorted {
		if math.IsNaN(c.TimeDelta) || c.TimeDelta > tier.Tolerance.Seconds() || !open.has(c) {
			continue
		}
		if _, ok := takenR[c.ResponseID]; ok {
			continue
		}
		if _, ok := takenC[c.ConversationID]; ok {
			continue
		}
		takenR[c.ResponseID] = struct{}{}
		takenC[c.ConversationID] = struct{}{}
		matches = append(matches, Match{
			ResponseID:     c.ResponseID,
			ConversationID: c.ConversationID,
			Method:         MethodTimestamp,
			Tier:           tier.Label,
			TimeDelta:      c.TimeDelta,
			Confidence:     Confidence(c.TimeDelta, scale.Seconds()),
			ExtractedID:    c.ExtractedID,
		})
	}
	return matches, pool.without(takenR, takenC)
}

// compareByResponse orders by start_time, then input row. NaN start times sort first.
func compareByResponse(a, b Candidate) int {
	if c := cmp.Compare(a.responseStart, b.responseStart); c != 0 {
		return c
	}
	if c := cmp.Compare(a.responseRow, b.responseRow); c != 0 {
		return c
	}
	return cmp.Compare(a.ResponseID, b.ResponseID)
}

type openSet struct {
	responses     map[string]struct{}
	conversations map[string]struct{}
}

func openSets(p Pool) openSet {
	s := openSet{
		responses:     make(map[string]struct{}, len(p.Responses)),
		conversations: make(map[string]struct{}, len(p.Conversations)),
	}
	for _, r := range p.Responses {
		s.responses[r.ResponseID] = struct{}{}
	}
	for _, c := range p.Conversations {
		s.conversations[c.ConversationID] = struct{}{}
	}
	return s
}

func (s openSet) has(c Candidate) bool {
	_, r := s.responses[c.ResponseID]
	_, cv := s.conversations[c.ConversationID]
	return r && cv
}

// ResolveOptions configures Resolve.
type ResolveOptions struct {
	Tiers          []Tier
	ReferenceScale time.Duration

	// Locked are matches confirmed by an earlier run. They are accepted before any strategy runs
	// and their endpoints are never reconsidered.
	Locked []Match
}

// TierStats counts the matches accepted in one resolution step.
type TierStats struct {
	Label      string `json:"label"`
	Candidates int    `json:"candidates"`
	Accepted   int    `json:"accepted"`
}

// Assignment is the final 1:1 pairing.
type Assignment struct {
	Matches []Match

	// UnmatchedConversations lists profiled conversations left without a response.
	UnmatchedConversations []string

	Steps []TierStats

	byResponse     map[string]int
	byConversation map[string]int
}

// ForResponse returns the match for a response, if any.
func (a Assignment) ForResponse(responseID string) (Match, bool) {
	i, ok := a.byResponse[responseID]
	if !ok {
		return Match{}, false
	}
	return a.Matches[i], true
}

// ForConversation returns the match for a conversation, if any.
func (a Assignment) ForConversation(conversationID string) (Match, bool) {
	i, ok := a.byConversation[conversationID]
	if !ok {
		return Match{}, false
	}
	return a.Matches[i], true
}

// Validate checks that no response or conversation appears in two matches.
func (a Assignment) Validate() error {
	rs := make(map[string]struct{}, len(a.Matches))
	cs := make(map[string]struct{}, len(a.Matches))
	for _, m := range a.Matches {
		if _, ok := rs[m.ResponseID]; ok {
			return fmt.Errorf("response %q matched twice", m.ResponseID)
		}
		if _, ok := cs[m.ConversationID]; ok {
			return fmt.Errorf("conversation %q matched twice", m.ConversationID)
		}
		rs[m.ResponseID] = struct{}{}
		cs[m.ConversationID] = struct{}{}
	}
	return nil
}

func newAssignment(matches []Match, rest Pool, steps []TierStats) Assignment {
	a := Assignment{
		Matches:        matches,
		Steps:          steps,
		byResponse:     make(map[string]int, len(matches)),
		byConversation: make(map[string]int, len(matches)),
	}
	for i, m := range matches {
		a.byResponse[m.ResponseID] = i
		a.byConversation[m.ConversationID] = i
	}
	for _, c := range rest.Conversations {
		a.UnmatchedConversations = append(a.UnmatchedConversations, c.ConversationID)
	}
	sort.Strings(a.UnmatchedConversations)
	return a
}

// Resolve runs locked matches, then the explicit-identifier strategy, then each timestamp tier over
// whatever remains. Accepted pairs are never reopened.
func Resolve(ctx context.Context, responses []SurveyResponse, profiles []ConversationProfile, opts ResolveOptions) (Assignment, error) {
	if ctx == nil {
		return Assignment{}, errors.New("Resolve: ctx is nil")
	}
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultTiers()
	}
	if err := ValidateTiers(opts.Tiers); err != nil {
		return Assignment{}, fmt.Errorf("Resolve: %w", err)
	}
	if opts.ReferenceScale <= 0 {
		opts.ReferenceScale = DefaultReferenceScale
	}
	log := zerolog.Ctx(ctx)

	pool := Pool{Responses: responses, Conversations: profiles}
	var (
		all   []Match
		steps []TierStats
	)

	if len(opts.Locked) > 0 {
		locked, rest := acceptLocked(ctx, pool, opts.Locked, opts.ReferenceScale)
		all = append(all, locked...)
		steps = append(steps, TierStats{Label: "Locked", Candidates: len(opts.Locked), Accepted: len(locked)})
		pool = rest
	}

	explicit := ExplicitCandidates(pool.Responses, pool.Conversations)
	perResponse := make(map[string]int, len(explicit))
	for _, c := range explicit {
		perResponse[c.ResponseID]++
	}
	for _, r := range pool.Responses {
		if n := perResponse[r.ResponseID]; n > 1 {
			log.Warn().Str("response_id", r.ResponseID).Int("candidates", n).Msg("response has several explicit identifier candidates")
		}
	}
	accepted, pool := AcceptExplicit(pool, explicit)
	all = append(all, accepted...)
	steps = append(steps, TierStats{Label: string(MethodExplicitID), Candidates: len(explicit), Accepted: len(accepted)})
	log.Info().Int("candidates", len(explicit)).Int("accepted", len(accepted)).Msg("explicit identifier pass")

	for _, tier := range opts.Tiers {
		if err := ctx.Err(); err != nil {
			return Assignment{}, err
		}
		if len(pool.Responses) == 0 || len(pool.Conversations) == 0 {
			steps = append(steps, TierStats{Label: tier.Label})
			continue
		}
		cands := TimestampCandidates(pool.Responses, pool.Conversations, tier.Tolerance)
		var got []Match
		got, pool = AssignGreedy(pool, cands, tier, opts.ReferenceScale)
		all = append(all, got...)
		steps = append(steps, TierStats{Label: tier.Label, Candidates: len(cands), Accepted: len(got)})
		log.Info().Str("tier", tier.Label).Dur("tolerance", tier.Tolerance).
			Int("candidates", len(cands)).Int("accepted", len(got)).
			Int("open_responses", len(pool.Responses)).Int("open_conversations", len(pool.Conversations)).
			Msg("timestamp tier pass")
	}

	a := newAssignment(all, pool, steps)
	if err := a.Validate(); err != nil {
		return Assignment{}, fmt.Errorf("Resolve: %w", err)
	}
	return a, nil
}

func acceptLocked(ctx context.Context, pool Pool, locked []Match, scale time.Duration) ([]Match, Pool) {
	log := zerolog.Ctx(ctx)
	responses := make(map[string]SurveyResponse, len(pool.Responses))
	for _, r := range pool.Responses {
		responses[r.ResponseID] = r
	}
	convs := make(map[string]ConversationProfile, len(pool.Conversations))
	for _, c := range pool.Conversations {
		convs[c.ConversationID] = c
	}

	takenR := make(map[string]struct{})
	takenC := make(map[string]struct{})
	var out []Match
	for _, m := range locked {
		r, okR := responses[m.ResponseID]
		c, okC := convs[m.ConversationID]
		if !okR || !okC {
			log.Warn().Str("response_id", m.ResponseID).Str("conversation_id", m.ConversationID).
				Msg("prior match refers to a record that is no longer present; dropping")
			continue
		}
		if _, dup := takenR[m.ResponseID]; dup {
			continue
		}
		if _, dup := takenC[m.ConversationID]; dup {
			log.Warn().Str("conversation_id", m.ConversationID).Msg("prior matches reuse a conversation; keeping the first")
			continue
		}
		takenR[m.ResponseID] = struct{}{}
		takenC[m.ConversationID] = struct{}{}

		delta := TimeDelta(r.StartTime, c.CreateTime)
		conf := float64(explicitConfidence)
		if m.Method != MethodExplicitID {
			conf = Confidence(delta, scale.Seconds())
		}
		extracted := m.ExtractedID
		if extracted == "" {
			extracted = c.ExtractedID()
		}
		out = append(out, Match{
			ResponseID:     m.ResponseID,
			ConversationID: m.ConversationID,
			Method:         m.Method,
			Tier:           m.Tier,
			TimeDelta:      delta,
			Confidence:     conf,
			ExtractedID:    extracted,
			Locked:         true,
		})
	}
	return out, pool.without(takenR, takenC)
}
