package linkage

import (
	"fmt"
	"slices"
	"strings"
)

// RenderReportMarkdown renders a human-readable run report. Sections are ordered
// summary, tiers, flagged matches, unmatched conversations.
func RenderReportMarkdown(rep MatchReport, index []MatchIndexRecord) string {
	var b strings.Builder
	b.WriteString("# Survey linkage report\n\n")
	fmt.Fprintf(&b, "- run_id: `%s`\n", rep.RunID)
	fmt.Fprintf(&b, "- responses: %d\n", rep.Responses)
	fmt.Fprintf(&b, "- matched: %d (%.2f%%)\n", rep.Matched, rep.MatchRate)
	fmt.Fprintf(&b, "- conversations: %d (profiled %d, login artifacts %d, no user message %d)\n",
		rep.Conversations, rep.ProfiledConversations, rep.LoginArtifacts, rep.ConversationsNoUserMsg)
	fmt.Fprintf(&b, "- unmatched conversations: %d\n\n", len(rep.UnmatchedConversations))

	b.WriteString("## Match methods\n\n")
	b.WriteString("| method | responses |\n|---|---:|\n")
	for _, k := range sortedKeys(rep.ByMethod) {
		fmt.Fprintf(&b, "| %s | %d |\n", k, rep.ByMethod[k])
	}
	b.WriteString("\n| quality | responses |\n|---|---:|\n")
	for _, q := range []Quality{QualityHigh, QualityMedium, QualityLow, QualityNone} {
		fmt.Fprintf(&b, "| %s | %d |\n", q, rep.ByQuality[string(q)])
	}
	b.WriteString("\n")

	if len(rep.Steps) > 0 {
		b.WriteString("## Steps\n\n| step | candidates | accepted |\n|---|---:|---:|\n")
		for _, s := range rep.Steps {
			fmt.Fprintf(&b, "| %s | %d | %d |\n", s.Label, s.Candidates, s.Accepted)
		}
		b.WriteString("\n")
	}
	if len(rep.Deltas) > 0 {
		b.WriteString("## Time deltas (seconds)\n\n| method | n | mean | median | max |\n|---|---:|---:|---:|---:|\n")
		for _, d := range rep.Deltas {
			fmt.Fprintf(&b, "| %s | %d | %.2f | %.2f | %.0f |\n", d.Label, d.Count, d.Mean, d.Median, d.Max)
		}
		b.WriteString("\n")
	}

	var flagged []MatchIndexRecord
	for _, rec := range index {
		if slices.Contains(rec.Flags, FlagCrossDate) || slices.Contains(rec.Flags, FlagBeyond24h) {
			flagged = append(flagged, rec)
		}
	}
	if len(flagged) > 0 {
		b.WriteString("## Matches to review\n\n")
		for _, rec := range flagged {
			b.WriteString(renderMatchMarkdown(rec))
		}
	}

	if len(rep.UnmatchedConversations) > 0 {
		b.WriteString("## Unmatched conversations\n\n")
		for _, uc := range rep.UnmatchedConversations {
			title := escapeMarkdownInline(uc.Title)
			if title == "" {
				title = uc.ConversationID
			}
			fmt.Fprintf(&b, "- `%s` %s", uc.ConversationID, title)
			if uc.CreateTimeISO != "" {
				fmt.Fprintf(&b, " (%s)", uc.CreateTimeISO)
			}
			if uc.ExtractedID != "" {
				fmt.Fprintf(&b, " id `%s`", uc.ExtractedID)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderMatchMarkdown(rec MatchIndexRecord) string {
	anchor := "response-" + sanitizeAnchor(rec.ResponseID)

	var b strings.Builder
	fmt.Fprintf(&b, "<a id=\"%s\"></a>\n", anchor)
	fmt.Fprintf(&b, "### %s\n\n", escapeMarkdownInline(rec.ParticipantID))
	fmt.Fprintf(&b, "- response_id: `%s`\n", rec.ResponseID)
	fmt.Fprintf(&b, "- conversation_id: `%s`\n", rec.ConversationID)
	fmt.Fprintf(&b, "- method: %s (confidence %.2f, %s)\n", rec.MatchMethod, rec.Confidence, rec.Quality)
	if rec.TimeDelta != nil {
		fmt.Fprintf(&b, "- time_delta_seconds: `%.0f`\n", *rec.TimeDelta)
	}
	if rec.SurveyStartISO != "" || rec.ConversationStartISO != "" {
		fmt.Fprintf(&b, "- survey start `%s`, conversation start `%s`\n", rec.SurveyStartISO, rec.ConversationStartISO)
	}
	if len(rec.Flags) > 0 {
		fmt.Fprintf(&b, "- **flags**: %s\n", strings.Join(rec.Flags, ", "))
	}
	if rec.FirstMessage != "" {
		fmt.Fprintf(&b, "\n> %s\n", escapeMarkdownInline(rec.FirstMessage))
	}
	b.WriteString("\n")
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sanitizeAnchor(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "response"
	}
	var out strings.Builder
	out.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out.WriteRune(r)
		} else {
			out.WriteByte('-')
		}
	}
	return strings.Trim(out.String(), "-")
}

// escapeMarkdownInline keeps free text on one line so it cannot open a header or fence.
func escapeMarkdownInline(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.TrimSpace(s)
}
