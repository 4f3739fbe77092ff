package linkage

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildMatchIndexRecord_Flags(t *testing.T) {
	t.Parallel()

	start := NormalizeTimestamp("2024-03-14 23:50:00")
	p := ConsolidatedParticipant{
		Response:               SurveyResponse{ResponseID: "R1", StartTime: start},
		ParticipantID:          "14032024_2350_1",
		Match:                  &Match{ResponseID: "R1", ConversationID: "c1", Method: MethodTimestamp, Tier: "Timestamp", TimeDelta: 1200, Confidence: 66.67, Locked: true},
		ConversationCreateTime: start + 1200,
	}
	rec := BuildMatchIndexRecord(p, ConversationProfile{FirstMessage: "line one\nline two"})
	if diff := cmp.Diff([]string{FlagCrossDate, FlagLocked}, rec.Flags); diff != "" {
		t.Fatalf("flags mismatch (-want +got):\n%s", diff)
	}
	if rec.Quality != QualityMedium || rec.TimeDelta == nil || *rec.TimeDelta != 1200 {
		t.Fatalf("rec=%+v", rec)
	}
	if rec.SurveyStartISO != "2024-03-14T23:50:00Z" || rec.ConversationStartISO != "2024-03-15T00:10:00Z" {
		t.Fatalf("iso=%q %q", rec.SurveyStartISO, rec.ConversationStartISO)
	}
	if strings.Contains(rec.FirstMessage, "\n") {
		t.Fatalf("FirstMessage=%q", rec.FirstMessage)
	}

	p.Match.TimeDelta = 2 * day
	p.Match.Locked = false
	p.ConversationCreateTime = start
	if got := BuildMatchIndexRecord(p, ConversationProfile{}).Flags; !cmp.Equal(got, []string{FlagBeyond24h}) {
		t.Fatalf("flags=%v", got)
	}
}

func TestBuildMatchReport(t *testing.T) {
	t.Parallel()

	survey, asg, convs := consolidationFixture()
	rows, err := Consolidate(context.Background(), survey, asg, convs, PriorState{})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	unclaimed := ConversationProfile{ConversationID: "c9", Title: "Stray | chat", CreateTime: 1710500000, FirstMessage: "hello?"}
	asg.UnmatchedConversations = []string{"c9"}
	asg.Steps = []TierStats{{Label: "ExplicitID"}, {Label: "Timestamp", Candidates: 1, Accepted: 1}}

	rep, index := BuildMatchReport(ReportInput{
		RunID:         "run-1",
		Conversations: 3,
		Profiles:      []ConversationProfile{{ConversationID: "c1", FirstMessage: "can you help"}, unclaimed},
		ProfileStats:  ProfileStats{Conversations: 3, Profiled: 2, LoginArtifacts: 1},
		Assignment:    asg,
		Rows:          rows,
	})

	if rep.Responses != 4 || rep.Matched != 1 || rep.MatchRate != 25 || rep.LoginArtifacts != 1 {
		t.Fatalf("rep=%+v", rep)
	}
	if diff := cmp.Diff(map[string]int{"Timestamp": 1, "Unmatched": 3}, rep.ByMethod); diff != "" {
		t.Fatalf("by method mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]int{"high": 1, "none": 3}, rep.ByQuality); diff != "" {
		t.Fatalf("by quality mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]DeltaStats{{Label: "Timestamp", Count: 1, Mean: 60, Median: 60, Max: 60}}, rep.Deltas); diff != "" {
		t.Fatalf("deltas mismatch (-want +got):\n%s", diff)
	}
	if len(index) != 1 || index[0].ParticipantID != "14032024_1030_1" || index[0].FirstMessage != "can you help" || len(index[0].Flags) != 0 {
		t.Fatalf("index=%+v", index)
	}
	if len(rep.UnmatchedConversations) != 1 || rep.UnmatchedConversations[0].CreateTimeISO == "" {
		t.Fatalf("unmatched=%+v", rep.UnmatchedConversations)
	}

	md := RenderReportMarkdown(rep, index)
	for _, want := range []string{
		"- run_id: `run-1`",
		"- matched: 1 (25.00%)",
		"| Timestamp | 1 |",
		"| high | 1 |",
		"| Timestamp | 1 | 1 |",
		"## Unmatched conversations",
		"- `c9` Stray \\| chat",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "## Matches to review") {
		t.Errorf("unexpected review section:\n%s", md)
	}

	dir := t.TempDir()
	files, err := WriteReports(dir, rep, index)
	if err != nil {
		t.Fatalf("WriteReports: %v", err)
	}
	if n := countLines(t, files.MatchesJSON); n != 1 {
		t.Fatalf("matches.jsonl lines=%d", n)
	}
	if n := countLines(t, files.Unmatched); n != 1 {
		t.Fatalf("unmatched_conversations.jsonl lines=%d", n)
	}
	for _, p := range []string{files.ReportJSON, files.Markdown} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n
}

func TestSummarizeDeltas(t *testing.T) {
	t.Parallel()

	got := summarizeDeltas("Timestamp24h", []float64{40, 10, 30, 20})
	want := DeltaStats{Label: "Timestamp24h", Count: 4, Mean: 25, Median: 25, Max: 40}
	if got != want {
		t.Fatalf("summarizeDeltas=%+v, want %+v", got, want)
	}
}

func TestMarkdownHelpers(t *testing.T) {
	t.Parallel()

	if got := escapeMarkdownInline(" a|b\nc "); got != `a\|b c` {
		t.Fatalf("escapeMarkdownInline=%q", got)
	}
	if got := sanitizeAnchor("R_1 X!"); got != "r_1-x" {
		t.Fatalf("sanitizeAnchor=%q", got)
	}
	if got := sanitizeAnchor(""); got != "response" {
		t.Fatalf("sanitizeAnchor(empty)=%q", got)
	}
}

func TestRunID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	if err := os.WriteFile(a, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	id1, err := RunID("tiers=30m", a)
	if err != nil {
		t.Fatalf("RunID: %v", err)
	}
	id2, _ := RunID("tiers=30m", a, "")
	if id1 != id2 {
		t.Fatalf("RunID not deterministic: %s vs %s", id1, id2)
	}
	if id3, _ := RunID("tiers=1h", a); id3 == id1 {
		t.Fatalf("RunID ignores settings")
	}
	if err := os.WriteFile(a, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}
	if id4, _ := RunID("tiers=30m", a); id4 == id1 {
		t.Fatalf("RunID ignores file contents")
	}
	if _, err := RunID("", filepath.Join(dir, "missing.csv")); err == nil {
		t.Fatalf("expected error for missing input")
	}
}
