package linkage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"

	"github.com/theimaginaryfoundation/survey-linker/linkage/fileutils"
)

// Message table columns.
const (
	ColConversationID    = "conversation_id"
	ColConversationTitle = "conversation_title"
	ColCreateTime        = "create_time"
	ColMessageID         = "message_id"
	ColAuthorRole        = "author_role"
	ColAuthorName        = "author_name"
	ColMessageContent    = "message_content"
	ColMessageCreateTime = "message_create_time"
	ColMapping           = "mapping"
	ColCurrentNode       = "current_node"
)

var messageTableHeaders = []string{
	ColConversationID,
	ColConversationTitle,
	ColCreateTime,
	ColMessageID,
	ColAuthorRole,
	ColAuthorName,
	ColMessageContent,
	ColMessageCreateTime,
}

// IngestStats counts what ReadMessagesCSV did with the rows it saw.
type IngestStats struct {
	Rows             int
	Conversations    int
	SkippedRows      int
	Skipped          int
	RepairedMappings int
}

// ReadMessagesCSV loads the conversation log from a CSV table. Two layouts are understood: one row per
// message (conversation_id, author_role, message_content, create_time, ...) or one row per conversation
// carrying the export's message tree in a mapping column.
func ReadMessagesCSV(ctx context.Context, path string) ([]Conversation, IngestStats, error) {
	if path == "" {
		return nil, IngestStats{}, errors.New("ReadMessagesCSV: path is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, IngestStats{}, fmt.Errorf("ReadMessagesCSV: %w", err)
	}
	defer f.Close()
	return ParseMessagesCSV(ctx, f)
}

// ParseMessagesCSV is ReadMessagesCSV over a reader.
func ParseMessagesCSV(ctx context.Context, r io.Reader) ([]Conversation, IngestStats, error) {
	tbl, err := fileutils.ParseCSV(r)
	if err != nil {
		return nil, IngestStats{}, fmt.Errorf("ParseMessagesCSV: %w", err)
	}
	if tbl.Column(ColConversationID) < 0 {
		return nil, IngestStats{}, fmt.Errorf("ParseMessagesCSV: missing column %q", ColConversationID)
	}
	if tbl.Column(ColMapping) >= 0 {
		return conversationsFromMappingRows(ctx, tbl)
	}
	for _, col := range []string{ColAuthorRole, ColMessageContent} {
		if tbl.Column(col) < 0 {
			return nil, IngestStats{}, fmt.Errorf("ParseMessagesCSV: missing column %q", col)
		}
	}
	return conversationsFromMessageRows(ctx, tbl)
}

func conversationsFromMessageRows(ctx context.Context, tbl fileutils.CSVTable) ([]Conversation, IngestStats, error) {
	log := zerolog.Ctx(ctx)
	stats := IngestStats{Rows: len(tbl.Records)}
	get := columnGetter(tbl)

	byID := make(map[string]int)
	var convs []Conversation
	for i, rec := range tbl.Records {
		id := strings.TrimSpace(get(rec, ColConversationID))
		if id == "" {
			stats.SkippedRows++
			log.Warn().Int("line", i+2).Msg("skip message row without conversation_id")
			continue
		}
		idx, ok := byID[id]
		if !ok {
			idx = len(convs)
			byID[id] = idx
			convs = append(convs, Conversation{
				ConversationID: id,
				Title:          get(rec, ColConversationTitle),
				CreateTime:     NormalizeTimestamp(get(rec, ColCreateTime)),
			})
		}

		ts := NormalizeTimestamp(get(rec, ColMessageCreateTime))
		if !ValidTimestamp(ts) {
			ts = NormalizeTimestamp(get(rec, ColCreateTime))
		}
		role := strings.ToLower(strings.TrimSpace(get(rec, ColAuthorRole)))
		if role == "" {
			role = "unknown"
		}
		convs[idx].Messages = append(convs[idx].Messages, Message{
			MessageID:  get(rec, ColMessageID),
			Role:       role,
			Name:       get(rec, ColAuthorName),
			Text:       CleanMessageContent(get(rec, ColMessageContent)),
			CreateTime: ts,
		})
	}

	for i := range convs {
		orderMessages(&convs[i])
	}
	stats.Conversations = len(convs)
	return convs, stats, nil
}

// orderMessages sorts messages chronologically when every message has a timestamp, then sets
// CreateTime to the first message's timestamp.
func orderMessages(c *Conversation) {
	allValid := true
	for _, m := range c.Messages {
		if !ValidTimestamp(m.CreateTime) {
			allValid = false
			break
		}
	}
	if allValid {
		slices.SortStableFunc(c.Messages, func(a, b Message) int {
			switch {
			case a.CreateTime < b.CreateTime:
				return -1
			case a.CreateTime > b.CreateTime:
				return 1
			}
			return 0
		})
	}
	for _, m := range c.Messages {
		if ValidTimestamp(m.CreateTime) {
			c.CreateTime = m.CreateTime
			return
		}
	}
}

func conversationsFromMappingRows(ctx context.Context, tbl fileutils.CSVTable) ([]Conversation, IngestStats, error) {
	log := zerolog.Ctx(ctx)
	stats := IngestStats{Rows: len(tbl.Records)}
	get := columnGetter(tbl)

	var convs []Conversation
	for i, rec := range tbl.Records {
		id := strings.TrimSpace(get(rec, ColConversationID))
		if id == "" {
			stats.SkippedRows++
			continue
		}
		mapping, repaired, err := parseMapping(get(rec, ColMapping))
		if err != nil {
			stats.Skipped++
			log.Warn().Err(err).Int("line", i+2).Str("conversation_id", id).Msg("skip conversation with unreadable mapping")
			continue
		}
		if repaired {
			stats.RepairedMappings++
		}
		conv, err := conversationFromMapping(id, get(rec, ColConversationTitle), NormalizeTimestamp(get(rec, ColCreateTime)), mapping, get(rec, ColCurrentNode))
		if err != nil {
			stats.Skipped++
			log.Warn().Err(err).Int("line", i+2).Str("conversation_id", id).Msg("skip conversation")
			continue
		}
		convs = append(convs, conv)
	}
	stats.Conversations = len(convs)
	return convs, stats, nil
}

// parseMapping decodes a message tree stored as JSON or as a Python literal (single quotes, None/True/False).
func parseMapping(s string) (map[string]rawMapNode, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false, errors.New("empty mapping")
	}
	var m map[string]rawMapNode
	if err := json.Unmarshal([]byte(s), &m); err == nil {
		return m, false, nil
	}
	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, false, fmt.Errorf("repair mapping: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), &m); err != nil {
		return nil, false, fmt.Errorf("decode repaired mapping: %w", err)
	}
	return m, true, nil
}

// CleanMessageContent unwraps content stored as a stringified list (e.g. "['hello']").
func CleanMessageContent(s string) string {
	t := strings.TrimSpace(s)
	if !(strings.HasPrefix(t, "['") || strings.HasPrefix(t, `["`)) || !strings.HasSuffix(t, "]") {
		return t
	}
	if fixed, err := jsonrepair.JSONRepair(t); err == nil {
		var parts []string
		if json.Unmarshal([]byte(fixed), &parts) == nil {
			return strings.TrimSpace(strings.Join(parts, "\n"))
		}
	}
	return strings.TrimSpace(strings.Trim(t, `[]'"`))
}

func columnGetter(tbl fileutils.CSVTable) func(rec []string, col string) string {
	idx := make(map[string]int, len(tbl.Headers))
	for i, h := range tbl.Headers {
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	return func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}
}

// WriteMessagesCSV flattens conversations into the one-row-per-message table.
func WriteMessagesCSV(path string, convs []Conversation) (int, error) {
	var rows [][]string
	for _, c := range convs {
		for _, m := range c.Messages {
			rows = append(rows, []string{
				c.ConversationID,
				c.Title,
				formatEpoch(c.CreateTime),
				m.MessageID,
				m.Role,
				m.Name,
				m.Text,
				formatEpoch(m.CreateTime),
			})
		}
	}
	if err := fileutils.WriteCSVFileAtomic(path, messageTableHeaders, rows); err != nil {
		return 0, fmt.Errorf("WriteMessagesCSV: %w", err)
	}
	return len(rows), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
