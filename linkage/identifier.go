package linkage

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Identifier is a validated participant identifier of the form DDMMYYYY_HHMM_ParticipantN.
type Identifier struct {
	Day         int
	Month       int
	Year        int
	Hour        int
	Minute      int
	Participant int

	// Rule names the pattern that produced the identifier (empty when built directly).
	Rule string
}

// String renders the canonical form.
func (id Identifier) String() string {
	return fmt.Sprintf("%02d%02d%04d_%02d%02d_Participant%d", id.Day, id.Month, id.Year, id.Hour, id.Minute, id.Participant)
}

// IdentifierFallback is consulted when no rule matches a message. Implementations typically ask a
// language model; whatever they return is passed through NewIdentifier again.
type IdentifierFallback interface {
	ExtractIdentifier(ctx context.Context, text string) (Identifier, bool, error)
}

// NewIdentifier validates the components and normalizes two-digit years to 20YY.
func NewIdentifier(day, month, year, hour, minute, participant int) (Identifier, error) {
	switch {
	case year >= 0 && year < 100:
		year += 2000
	case year < 1000 || year > 9999:
		return Identifier{}, fmt.Errorf("year %d out of range", year)
	}
	if day < 1 || day > 31 {
		return Identifier{}, fmt.Errorf("day %d out of range", day)
	}
	if month < 1 || month > 12 {
		return Identifier{}, fmt.Errorf("month %d out of range", month)
	}
	if hour < 0 || hour > 23 {
		return Identifier{}, fmt.Errorf("hour %d out of range", hour)
	}
	if minute < 0 || minute > 59 {
		return Identifier{}, fmt.Errorf("minute %d out of range", minute)
	}
	if participant <= 0 {
		return Identifier{}, fmt.Errorf("participant %d out of range", participant)
	}
	return Identifier{Day: day, Month: month, Year: year, Hour: hour, Minute: minute, Participant: participant}, nil
}

type identifierRule struct {
	name    string
	pattern *regexp.Regexp
	extract func(re *regexp.Regexp, m []string) (Identifier, error)
}

// identifierRules is evaluated in order; the first occurrence that validates wins. Patterns carry no
// word-boundary anchors: "ID_03122024_1000_Participant6" is a valid hit. Matches cut out of a longer
// digit run are rejected by digitBounded.
var identifierRules = []identifierRule{
	{
		name:    "compact",
		pattern: regexp.MustCompile(`(?i)(?P<day>\d{2})(?P<month>\d{2})(?P<year>\d{4})[_\s-]*(?P<hour>\d{2})(?P<minute>\d{2})[_\s-]*Participant\s*(?P<participant>\d{1,3})`),
		extract: namedComponents,
	},
	{
		name:    "compact_colon",
		pattern: regexp.MustCompile(`(?i)(?P<day>\d{2})(?P<month>\d{2})(?P<year>\d{4})[_\s-]*(?P<hour>\d{2})[:h](?P<minute>\d{2})[_\s-]*Participant\s*(?P<participant>\d{1,3})`),
		extract: namedComponents,
	},
	{
		name:    "participant_first",
		pattern: regexp.MustCompile(`(?i)Participant\s*(?P<participant>\d{1,3})[_\s-]+(?P<day>\d{2})(?P<month>\d{2})(?P<year>\d{4})[_\s-]*(?P<hour>\d{2})(?P<minute>\d{2})`),
		extract: namedComponents,
	},
	{
		name:    "delimited_date",
		pattern: regexp.MustCompile(`(?i)(?P<day>\d{1,2})[/-](?P<month>\d{1,2})[/-](?P<year>\d{2,4})\D(?:.{0,39}?\D)??(?P<hour>\d{1,2})[:.h](?P<minute>\d{2})(?:\D.{0,39}?)??Participant\s*(?P<participant>\d{1,3})`),
		extract: namedComponents,
	},
	{
		name:    "participant_first_delimited",
		pattern: regexp.MustCompile(`(?i)Participant\s*(?P<participant>\d{1,3})\D(?:.{0,39}?\D)??(?P<day>\d{1,2})[/-](?P<month>\d{1,2})[/-](?P<year>\d{2,4})\D(?:.{0,39}?\D)??(?P<hour>\d{1,2})[:.h](?P<minute>\d{2})`),
		extract: namedComponents,
	},
	{
		name:    "digits_only",
		pattern: regexp.MustCompile(`(?P<day>\d{2})(?P<month>\d{2})(?P<year>\d{4})_(?P<hour>\d{2})(?P<minute>\d{2})_#?(?P<participant>\d{1,3})`),
		extract: namedComponents,
	},
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// digitBounded reports whether text[start:end] does not cut through a longer run of digits.
func digitBounded(text string, start, end int) bool {
	if start > 0 && isDigit(text[start-1]) && isDigit(text[start]) {
		return false
	}
	if end < len(text) && isDigit(text[end]) && isDigit(text[end-1]) {
		return false
	}
	return true
}

func submatches(text string, loc []int) []string {
	m := make([]string, len(loc)/2)
	for i := range m {
		if loc[2*i] >= 0 {
			m[i] = text[loc[2*i]:loc[2*i+1]]
		}
	}
	return m
}

func namedComponents(re *regexp.Regexp, m []string) (Identifier, error) {
	vals := make(map[string]int, 6)
	for i, name := range re.SubexpNames() {
		if name == "" || i >= len(m) {
			continue
		}
		n, err := strconv.Atoi(m[i])
		if err != nil {
			return Identifier{}, fmt.Errorf("%s %q: %w", name, m[i], err)
		}
		if name == "year" && len(m[i]) != 2 && n < 1000 {
			return Identifier{}, fmt.Errorf("year %q out of range", m[i])
		}
		vals[name] = n
	}
	return NewIdentifier(vals["day"], vals["month"], vals["year"], vals["hour"], vals["minute"], vals["participant"])
}

// ExtractIdentifier finds the first valid participant identifier in free text.
// Candidates whose components are out of range are skipped; the next occurrence and then the next
// rule are tried.
func ExtractIdentifier(text string) (Identifier, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Identifier{}, false
	}
	for _, rule := range identifierRules {
		for _, loc := range rule.pattern.FindAllStringSubmatchIndex(text, -1) {
			if !digitBounded(text, loc[0], loc[1]) {
				continue
			}
			id, err := rule.extract(rule.pattern, submatches(text, loc))
			if err != nil {
				continue
			}
			id.Rule = rule.name
			return id, true
		}
	}
	return Identifier{}, false
}

// ParseIdentifier accepts a canonical identifier or any text a rule understands.
func ParseIdentifier(s string) (Identifier, bool) {
	return ExtractIdentifier(s)
}

// IdentifierExtractor runs the rule table and, if configured, a fallback.
type IdentifierExtractor struct {
	Fallback IdentifierFallback
}

// Extract returns the identifier found in text. Fallback errors are returned so callers can log
// them; the text is then treated as carrying no identifier.
func (e IdentifierExtractor) Extract(ctx context.Context, text string) (Identifier, bool, error) {
	if id, ok := ExtractIdentifier(text); ok {
		return id, true, nil
	}
	if e.Fallback == nil || strings.TrimSpace(text) == "" {
		return Identifier{}, false, nil
	}
	id, ok, err := e.Fallback.ExtractIdentifier(ctx, text)
	if err != nil || !ok {
		return Identifier{}, false, err
	}
	valid, err := NewIdentifier(id.Day, id.Month, id.Year, id.Hour, id.Minute, id.Participant)
	if err != nil {
		return Identifier{}, false, nil
	}
	valid.Rule = "fallback"
	return valid, true, nil
}
