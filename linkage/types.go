package linkage

import (
	"math"
	"strings"
)

// Message is a single chat message inside a Conversation.
type Message struct {
	MessageID string `json:"message_id,omitempty"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	Text      string `json:"text"`

	// CreateTime is epoch seconds (UTC); NaN when the export had no usable timestamp.
	CreateTime float64 `json:"-"`
}

// Conversation is a chat session from the conversation log, with messages in chronological order.
type Conversation struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title,omitempty"`

	// CreateTime is the timestamp of the first message (epoch seconds, UTC) or NaN.
	CreateTime float64   `json:"-"`
	Messages   []Message `json:"messages"`
}

// FirstUserMessage returns the text of the first user-authored message.
func (c Conversation) FirstUserMessage() (string, bool) {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return m.Text, true
		}
	}
	return "", false
}

// IsLoginArtifact reports whether every user message in the conversation is the literal text "login".
// Such sessions are created by the study's sign-in step and carry no participant signal.
func (c Conversation) IsLoginArtifact() bool {
	seen := false
	for _, m := range c.Messages {
		if m.Role != RoleUser {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(m.Text), loginText) {
			return false
		}
		seen = true
	}
	return seen
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"

	loginText = "login"
)

// SurveyResponse is one survey submission.
type SurveyResponse struct {
	ResponseID string

	// StartTime and EndTime are epoch seconds (UTC) or NaN.
	StartTime float64
	EndTime   float64

	// Treatment is the normalized experimental arm label (empty when unknown).
	Treatment string

	// StatedID is an optional participant identifier the respondent typed into the survey.
	StatedID string

	// Row is the zero-based position of the response in the input table.
	Row int

	// Fields keeps every original column, keyed by header.
	Fields map[string]string
}

// SurveyTable is the survey export with its header order preserved.
type SurveyTable struct {
	Headers   []string
	Responses []SurveyResponse
}

// MatchMethod is the strategy that produced a match.
type MatchMethod string

const (
	MethodExplicitID MatchMethod = "ExplicitID"
	MethodTimestamp  MatchMethod = "Timestamp"
	MethodUnmatched  MatchMethod = "Unmatched"
)

// Match is an accepted 1:1 pairing between a survey response and a conversation.
type Match struct {
	ResponseID     string      `json:"response_id"`
	ConversationID string      `json:"conversation_id"`
	Method         MatchMethod `json:"method"`

	// Tier is the escalation tier label for timestamp matches ("Timestamp", "Timestamp24h", ...).
	Tier string `json:"tier,omitempty"`

	// TimeDelta is |start_time - create_time| in seconds, NaN when either side lacked a timestamp.
	TimeDelta  float64 `json:"-"`
	Confidence float64 `json:"confidence"`

	ExtractedID string `json:"extracted_id,omitempty"`

	// Locked marks a match carried over from a previous run.
	Locked bool `json:"locked,omitempty"`
}

// Label is the value written to the MatchMethod output column.
func (m Match) Label() string {
	if m.Method == MethodTimestamp && m.Tier != "" {
		return m.Tier
	}
	return string(m.Method)
}

// HasTimeDelta reports whether TimeDelta carries a real value.
func (m Match) HasTimeDelta() bool {
	return !math.IsNaN(m.TimeDelta)
}
