package linkage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func response(id string, start float64, row int) SurveyResponse {
	return SurveyResponse{ResponseID: id, StartTime: start, EndTime: InvalidTimestamp(), Row: row}
}

func profile(id string, create float64) ConversationProfile {
	return ConversationProfile{ConversationID: id, CreateTime: create, FirstMessage: "hi"}
}

type pair struct {
	Response     string
	Conversation string
	Label        string
}

func pairs(a Assignment) []pair {
	var out []pair
	for _, m := range a.Matches {
		out = append(out, pair{Response: m.ResponseID, Conversation: m.ConversationID, Label: m.Label()})
	}
	return out
}

func TestParseTiers(t *testing.T) {
	t.Parallel()

	got, err := ParseTiers("Timestamp=30m, Timestamp24h=1d,Timestamp7d=7d")
	if err != nil {
		t.Fatalf("ParseTiers: %v", err)
	}
	want := []Tier{
		{Label: "Timestamp", Tolerance: 30 * time.Minute},
		{Label: "Timestamp24h", Tolerance: 24 * time.Hour},
		{Label: "Timestamp7d", Tolerance: 7 * 24 * time.Hour},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tiers mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"", "Timestamp", "A=1h,B=30m", "A=1h,A=2h", "ExplicitID=1h", "Unmatched=1h", "A=-1d", "A=soon", "=1h"} {
		if _, err := ParseTiers(bad); err == nil {
			t.Errorf("ParseTiers(%q) expected error", bad)
		}
	}
}

func TestTimestampCandidates_SkipsInvalidTimes(t *testing.T) {
	t.Parallel()

	responses := []SurveyResponse{response("A", 1000, 0), response("B", InvalidTimestamp(), 1)}
	profiles := []ConversationProfile{profile("x", 1100), profile("y", InvalidTimestamp()), profile("z", 5000)}

	cands := TimestampCandidates(responses, profiles, 30*time.Minute)
	if len(cands) != 1 || cands[0].ResponseID != "A" || cands[0].ConversationID != "x" || cands[0].TimeDelta != 100 {
		t.Fatalf("candidates=%+v", cands)
	}
}

func TestAssignGreedy_SmallestDeltaAndTieBreak(t *testing.T) {
	t.Parallel()

	responses := []SurveyResponse{response("B", 1100, 0), response("A", 1000, 1)}
	profiles := []ConversationProfile{profile("x", 1050), profile("y", 1300)}
	pool := Pool{Responses: responses, Conversations: profiles}
	tier := Tier{Label: "Timestamp", Tolerance: 30 * time.Minute}

	matches, rest := AssignGreedy(pool, TimestampCandidates(responses, profiles, tier.Tolerance), tier, time.Hour)
	got := map[string]string{}
	for _, m := range matches {
		got[m.ResponseID] = m.ConversationID
	}
	// A and B are both 50s from x; A started earlier and wins it.
	if diff := cmp.Diff(map[string]string{"A": "x", "B": "y"}, got); diff != "" {
		t.Fatalf("matches mismatch (-want +got):\n%s", diff)
	}
	if len(rest.Responses) != 0 || len(rest.Conversations) != 0 {
		t.Fatalf("rest=%+v", rest)
	}
	if len(pool.Responses) != 2 || len(pool.Conversations) != 2 {
		t.Fatalf("input pool modified: %+v", pool)
	}
}

func TestResolve_TiersNeverReopen(t *testing.T) {
	t.Parallel()

	const base = 1_700_000_000
	responses := []SurveyResponse{response("A", base, 0), response("B", base+2*3600, 1)}
	profiles := []ConversationProfile{profile("x", base+600), profile("y", base+5*3600)}

	a, err := Resolve(context.Background(), responses, profiles, ResolveOptions{Tiers: []Tier{
		{Label: "Timestamp", Tolerance: 30 * time.Minute},
		{Label: "Timestamp24h", Tolerance: 24 * time.Hour},
	}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []pair{
		{Response: "A", Conversation: "x", Label: "Timestamp"},
		{Response: "B", Conversation: "y", Label: "Timestamp24h"},
	}
	if diff := cmp.Diff(want, pairs(a)); diff != "" {
		t.Fatalf("pairs mismatch (-want +got):\n%s", diff)
	}

	m, ok := a.ForResponse("B")
	if !ok || m.TimeDelta != 3*3600 || m.Confidence != 0 {
		t.Fatalf("B match=%+v", m)
	}
	wantSteps := []TierStats{
		{Label: "ExplicitID"},
		{Label: "Timestamp", Candidates: 1, Accepted: 1},
		{Label: "Timestamp24h", Candidates: 1, Accepted: 1},
	}
	if diff := cmp.Diff(wantSteps, a.Steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_ExplicitBeatsCloserTimestamp(t *testing.T) {
	t.Parallel()

	const base = 1_710_000_000
	id, _ := ParseIdentifier("15032024_0900_Participant3")
	r1 := response("R1", base, 0)
	r1.StatedID = "15032024_0900_participant3"
	r2 := response("R2", base+10, 1)
	z := profile("z", base+10)
	z.Identifier = &id

	a, err := Resolve(context.Background(), []SurveyResponse{r1, r2}, []ConversationProfile{z}, ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m, ok := a.ForConversation("z")
	if !ok {
		t.Fatalf("conversation z unmatched")
	}
	if m.ResponseID != "R1" || m.Method != MethodExplicitID || m.Confidence != 100 || m.ExtractedID != "15032024_0900_Participant3" {
		t.Fatalf("match=%+v", m)
	}
	if _, ok := a.ForResponse("R2"); ok {
		t.Fatalf("R2 should be unmatched")
	}
}

func TestResolve_LockedMatchesFirst(t *testing.T) {
	t.Parallel()

	responses := []SurveyResponse{response("A", 1000, 0), response("B", 1100, 1)}
	profiles := []ConversationProfile{profile("x", 1050), profile("y", 1300), profile("w", 90000)}
	locked := []Match{
		{ResponseID: "B", ConversationID: "x", Method: MethodTimestamp, Tier: "Timestamp24h"},
		{ResponseID: "gone", ConversationID: "y", Method: MethodTimestamp, Tier: "Timestamp"},
	}

	a, err := Resolve(context.Background(), responses, profiles, ResolveOptions{Locked: locked})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []pair{
		{Response: "B", Conversation: "x", Label: "Timestamp24h"},
		{Response: "A", Conversation: "y", Label: "Timestamp"},
	}
	if diff := cmp.Diff(want, pairs(a)); diff != "" {
		t.Fatalf("pairs mismatch (-want +got):\n%s", diff)
	}
	b, _ := a.ForResponse("B")
	if !b.Locked || b.TimeDelta != 50 || b.Confidence != 98.61 {
		t.Fatalf("locked match=%+v", b)
	}
	if a.Steps[0] != (TierStats{Label: "Locked", Candidates: 2, Accepted: 1}) {
		t.Fatalf("first step=%+v", a.Steps[0])
	}
	if diff := cmp.Diff([]string{"w"}, a.UnmatchedConversations); diff != "" {
		t.Fatalf("unmatched mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Resolve(ctx, []SurveyResponse{response("A", 1000, 0)}, []ConversationProfile{profile("x", 1000)}, ResolveOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestAssignment_Validate(t *testing.T) {
	t.Parallel()

	a := Assignment{Matches: []Match{
		{ResponseID: "A", ConversationID: "x"},
		{ResponseID: "B", ConversationID: "x"},
	}}
	if err := a.Validate(); err == nil {
		t.Fatalf("expected duplicate conversation error")
	}
}

func TestProfileConversations(t *testing.T) {
	t.Parallel()

	convs := []Conversation{
		{ConversationID: "c1", CreateTime: 1000, Messages: []Message{
			{Role: RoleUser, Text: "14032024_1030_Participant1 hello"},
			{Role: RoleAssistant, Text: "hi"},
		}},
		{ConversationID: "login", CreateTime: 1000, Messages: []Message{{Role: RoleUser, Text: " Login "}}},
		{ConversationID: "bot-only", CreateTime: 1000, Messages: []Message{{Role: RoleAssistant, Text: "anyone there?"}}},
		{ConversationID: "c2", CreateTime: 2000, Messages: []Message{{Role: RoleUser, Text: "login"}, {Role: RoleUser, Text: "help me"}}},
	}
	fb := &fakeFallback{err: errors.New("offline")}
	profiles, stats := ProfileConversations(context.Background(), convs, IdentifierExtractor{Fallback: fb})

	if len(profiles) != 2 || profiles[0].ConversationID != "c1" || profiles[1].ConversationID != "c2" {
		t.Fatalf("profiles=%+v", profiles)
	}
	if profiles[0].ExtractedID() != "14032024_1030_Participant1" || profiles[1].ExtractedID() != "" {
		t.Fatalf("extracted=%q,%q", profiles[0].ExtractedID(), profiles[1].ExtractedID())
	}
	want := ProfileStats{Conversations: 4, Profiled: 2, LoginArtifacts: 1, NoUserMessage: 1, Identified: 1, FallbackErrors: 1}
	if stats != want {
		t.Fatalf("stats=%+v, want %+v", stats, want)
	}
}

func TestResolve_StatedIDForOtherSessionFallsBackToTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	convs := []Conversation{
		{
			ConversationID: "c_login",
			CreateTime:     1701000100,
			Messages:       []Message{{Role: RoleUser, Text: "login", CreateTime: 1701000100}},
		},
		{
			ConversationID: "c_essay",
			CreateTime:     1701000900,
			Messages: []Message{
				{Role: RoleUser, Text: "My ID is 03122024_1000_Participant6", CreateTime: 1701000900},
				{Role: RoleAssistant, Text: "Thanks.", CreateTime: 1701000910},
			},
		},
	}
	profiles, stats := ProfileConversations(ctx, convs, IdentifierExtractor{})
	if stats.LoginArtifacts != 1 || len(profiles) != 1 || profiles[0].ExtractedID() != "03122024_1000_Participant6" {
		t.Fatalf("profiles=%+v stats=%+v", profiles, stats)
	}

	r := response("R_9xKpQ2mLs4TzWv8", 1701000000, 0)
	a, err := Resolve(ctx, []SurveyResponse{r}, profiles, ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	m, ok := a.ForResponse("R_9xKpQ2mLs4TzWv8")
	if !ok {
		t.Fatalf("response unmatched")
	}
	if m.ConversationID != "c_essay" || m.Method != MethodTimestamp || m.Tier != "Timestamp" || m.TimeDelta != 900 || m.Confidence != 75 {
		t.Fatalf("match=%+v", m)
	}
	if _, ok := a.ForConversation("c_login"); ok {
		t.Fatalf("login artifact matched")
	}
}

func TestExplicitCandidates_ShortStatedIDsDoNotFanOut(t *testing.T) {
	t.Parallel()

	idA, _ := ParseIdentifier("03122024_1000_Participant6")
	idB, _ := ParseIdentifier("04122024_1100_Participant16")
	a := profile("a", 1)
	a.Identifier = &idA
	b := profile("b", 2)
	b.Identifier = &idB

	short := response("R_short", 0, 0)
	short.StatedID = "Participant6"
	digit := response("R_digit", 0, 1)
	digit.StatedID = "6"
	stamp := response("R_stamp", 0, 2)
	stamp.StatedID = "03122024_1000"

	var got []pair
	for _, c := range ExplicitCandidates([]SurveyResponse{short, digit, stamp}, []ConversationProfile{a, b}) {
		got = append(got, pair{Response: c.ResponseID, Conversation: c.ConversationID, Label: string(c.Method)})
	}
	want := []pair{{Response: "R_stamp", Conversation: "a", Label: "ExplicitID"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}
}
