package linkage

import (
	"math"
	"strings"
	"unicode/utf8"
)

// ConversationMetrics are the per-conversation engagement numbers written to the consolidated table.
type ConversationMetrics struct {
	MessageCount                  int     `json:"MessageCount"`
	UserMessageCount              int     `json:"UserMessageCount"`
	AssistantMessageCount         int     `json:"AIMessageCount"`
	AverageUserMessageLength      float64 `json:"AverageUserMessageLength"`
	AverageAssistantMessageLength float64 `json:"AverageAIMessageLength"`

	// Duration is seconds between the earliest and latest valid message timestamp.
	Duration  float64 `json:"ConversationDuration"`
	TurnCount int     `json:"TurnCount"`

	// MessageRatio is user messages per assistant message (0 without assistant messages).
	MessageRatio float64 `json:"MessageRatio"`
}

// DurationMinutes is Duration expressed in minutes, rounded to two decimals.
func (m ConversationMetrics) DurationMinutes() float64 {
	return round2(m.Duration / 60)
}

// Turn is a user-led segment of a conversation: a user message plus the replies that follow it until
// the next user message.
type Turn struct {
	TurnIndex         int
	StartMessageIndex int
	EndMessageIndex   int

	StartTime float64

	UserText      string
	AssistantText string
}

// BuildTurns groups a conversation into user-led turns. A conversation with no user message is one turn.
func BuildTurns(conv Conversation) []Turn {
	msgs := conv.Messages
	if len(msgs) == 0 {
		return nil
	}

	userIdxs := make([]int, 0, len(msgs)/2+1)
	for i := range msgs {
		if msgs[i].Role == RoleUser {
			userIdxs = append(userIdxs, i)
		}
	}
	if len(userIdxs) == 0 {
		return []Turn{turnFromRange(0, 0, len(msgs)-1, msgs)}
	}

	turns := make([]Turn, 0, len(userIdxs))
	for ti, start := range userIdxs {
		end := len(msgs) - 1
		if ti+1 < len(userIdxs) {
			end = userIdxs[ti+1] - 1
		}
		turns = append(turns, turnFromRange(ti, start, end, msgs))
	}
	return turns
}

func turnFromRange(turnIndex, start, end int, msgs []Message) Turn {
	var user, replies []string
	for i := start; i <= end && i < len(msgs); i++ {
		s := strings.TrimSpace(msgs[i].Text)
		if s == "" {
			continue
		}
		if msgs[i].Role == RoleUser {
			user = append(user, s)
		} else {
			replies = append(replies, s)
		}
	}
	return Turn{
		TurnIndex:         turnIndex,
		StartMessageIndex: start,
		EndMessageIndex:   end,
		StartTime:         msgs[start].CreateTime,
		UserText:          strings.Join(user, "\n"),
		AssistantText:     strings.Join(replies, "\n"),
	}
}

// ComputeMetrics aggregates message counts, mean lengths (in characters), duration and turn count.
// Every ratio falls back to zero when its denominator is zero.
func ComputeMetrics(conv Conversation) ConversationMetrics {
	var (
		m                   ConversationMetrics
		userChars, botChars int
		first, last         = math.Inf(1), math.Inf(-1)
	)
	for _, msg := range conv.Messages {
		m.MessageCount++
		switch msg.Role {
		case RoleUser:
			m.UserMessageCount++
			userChars += utf8.RuneCountInString(msg.Text)
		case RoleAssistant:
			m.AssistantMessageCount++
			botChars += utf8.RuneCountInString(msg.Text)
		}
		if ValidTimestamp(msg.CreateTime) {
			first = math.Min(first, msg.CreateTime)
			last = math.Max(last, msg.CreateTime)
		}
	}

	if m.UserMessageCount > 0 {
		m.AverageUserMessageLength = round2(float64(userChars) / float64(m.UserMessageCount))
	}
	if m.AssistantMessageCount > 0 {
		m.AverageAssistantMessageLength = round2(float64(botChars) / float64(m.AssistantMessageCount))
		m.MessageRatio = round2(float64(m.UserMessageCount) / float64(m.AssistantMessageCount))
	}
	if last > first {
		m.Duration = last - first
	}
	m.TurnCount = len(BuildTurns(conv))
	return m
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
