package linkage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ArchiveOptions controls ReadConversationArchive.
type ArchiveOptions struct {
	// ArrayField is the JSON field name that contains the conversation array,
	// when the top-level JSON value is an object.
	//
	// If empty, the first array-valued field is used.
	ArrayField string
}

// ArchiveResult holds the conversations read from an export and what had to be skipped.
type ArchiveResult struct {
	Conversations []Conversation
	Skipped       int

	// Truncated is set when the stream ended in the middle of the conversations array.
	Truncated bool
}

// ReadConversationArchive reads a ChatGPT conversations export.
//
// The input is expected to be either:
// - a top-level JSON array: [ { ...conversation... }, ... ]
// - a top-level JSON object containing an array field (e.g. { "conversations": [ ... ] })
//
// It uses a streaming decoder. A conversation that cannot be interpreted is skipped and counted;
// a stream that breaks off mid-array keeps everything decoded before the break.
func ReadConversationArchive(ctx context.Context, inputPath string, opts ArchiveOptions) (ArchiveResult, error) {
	if ctx == nil {
		return ArchiveResult{}, errors.New("ReadConversationArchive: ctx is nil")
	}
	if inputPath == "" {
		return ArchiveResult{}, errors.New("ReadConversationArchive: inputPath is empty")
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("ReadConversationArchive: open input: %w", err)
	}
	defer f.Close()
	return DecodeConversationArchive(ctx, f, opts)
}

// DecodeConversationArchive is ReadConversationArchive over a reader.
func DecodeConversationArchive(ctx context.Context, r io.Reader, opts ArchiveOptions) (ArchiveResult, error) {
	// The export is typically one huge line; use a larger buffer than default.
	dec := json.NewDecoder(bufio.NewReaderSize(r, 1<<20))

	tok, err := dec.Token()
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("DecodeConversationArchive: read first token: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return ArchiveResult{}, fmt.Errorf("DecodeConversationArchive: expected JSON array/object, got %T", tok)
	}

	var res ArchiveResult
	switch delim {
	case '[':
		readArrayFromOpen(ctx, dec, &res)
		return res, ctx.Err()
	case '{':
		for dec.More() {
			if err := ctx.Err(); err != nil {
				return ArchiveResult{}, err
			}
			keyTok, err := dec.Token()
			if err != nil {
				return ArchiveResult{}, fmt.Errorf("DecodeConversationArchive: read object key: %w", err)
			}
			key, ok := keyTok.(string)
			if !ok {
				return ArchiveResult{}, fmt.Errorf("DecodeConversationArchive: expected string key, got %T", keyTok)
			}
			valTok, err := dec.Token()
			if err != nil {
				return ArchiveResult{}, fmt.Errorf("DecodeConversationArchive: read value for key %q: %w", key, err)
			}

			d, isArray := valTok.(json.Delim)
			isArray = isArray && d == '['
			if isArray && (opts.ArrayField == "" || key == opts.ArrayField) {
				readArrayFromOpen(ctx, dec, &res)
				return res, ctx.Err()
			}
			if err := skipValue(dec, valTok); err != nil {
				return ArchiveResult{}, fmt.Errorf("DecodeConversationArchive: skip key %q value: %w", key, err)
			}
		}
		return ArchiveResult{}, errors.New("DecodeConversationArchive: no conversations array found in top-level object")
	default:
		return ArchiveResult{}, fmt.Errorf("DecodeConversationArchive: unsupported top-level delimiter %q", delim)
	}
}

func readArrayFromOpen(ctx context.Context, dec *json.Decoder, res *ArchiveResult) {
	log := zerolog.Ctx(ctx)
	for i := 0; dec.More(); i++ {
		if ctx.Err() != nil {
			return
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			res.Truncated = true
			log.Warn().Err(err).Int("element", i).Int("kept", len(res.Conversations)).Msg("conversation stream broke off; keeping what was read")
			return
		}

		conv, err := ConversationFromJSON(raw)
		if err != nil {
			res.Skipped++
			log.Warn().Err(err).Int("element", i).Msg("skip conversation")
			continue
		}
		res.Conversations = append(res.Conversations, conv)
	}
}

type rawConversation struct {
	ConversationID string                `json:"conversation_id"`
	ID             string                `json:"id"`
	Title          string                `json:"title"`
	CreateTime     *float64              `json:"create_time"`
	CurrentNode    string                `json:"current_node"`
	Mapping        map[string]rawMapNode `json:"mapping"`
}

type rawMapNode struct {
	ID       string      `json:"id"`
	Message  *rawMessage `json:"message"`
	Parent   *string     `json:"parent"`
	Children []string    `json:"children"`
}

type rawMessage struct {
	ID         string          `json:"id"`
	Author     rawAuthor       `json:"author"`
	CreateTime *float64        `json:"create_time"`
	Content    json.RawMessage `json:"content"`
	Metadata   map[string]any  `json:"metadata"`
}

type rawAuthor struct {
	Role string  `json:"role"`
	Name *string `json:"name"`
}

// ConversationFromJSON interprets one export element.
func ConversationFromJSON(raw []byte) (Conversation, error) {
	var rc rawConversation
	if err := json.Unmarshal(raw, &rc); err != nil {
		return Conversation{}, fmt.Errorf("unmarshal conversation: %w", err)
	}
	id := rc.ConversationID
	if id == "" {
		id = rc.ID
	}
	if id == "" {
		return Conversation{}, errors.New("conversation element missing conversation_id/id")
	}
	return conversationFromMapping(id, rc.Title, NormalizeEpochPtr(rc.CreateTime), rc.Mapping, rc.CurrentNode)
}

func conversationFromMapping(id, title string, fallbackCreate float64, mapping map[string]rawMapNode, currentNode string) (Conversation, error) {
	msgs, err := linearizeMessages(mapping, currentNode)
	if err != nil {
		return Conversation{}, fmt.Errorf("linearize messages (id=%q): %w", id, err)
	}
	conv := Conversation{
		ConversationID: id,
		Title:          title,
		CreateTime:     fallbackCreate,
		Messages:       msgs,
	}
	for _, m := range msgs {
		if ValidTimestamp(m.CreateTime) {
			conv.CreateTime = m.CreateTime
			break
		}
	}
	return conv, nil
}

func linearizeMessages(mapping map[string]rawMapNode, currentNode string) ([]Message, error) {
	if len(mapping) == 0 {
		return nil, nil
	}

	start := currentNode
	if start == "" {
		start = pickBestLeaf(mapping)
	}
	if start == "" {
		return nil, errors.New("no current_node and no leaf node found")
	}

	visited := make(map[string]struct{}, len(mapping))
	var reversed []Message
	for {
		n, ok := mapping[start]
		if !ok {
			return nil, fmt.Errorf("missing node %q in mapping", start)
		}
		if _, ok := visited[start]; ok {
			return nil, fmt.Errorf("cycle detected at node %q", start)
		}
		visited[start] = struct{}{}

		if n.Message != nil {
			if m, ok := simplifyMessage(*n.Message); ok {
				if m.MessageID == "" {
					m.MessageID = start
				}
				reversed = append(reversed, m)
			}
		}
		if n.Parent == nil || *n.Parent == "" {
			break
		}
		start = *n.Parent
	}

	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	return reversed, nil
}

func pickBestLeaf(mapping map[string]rawMapNode) string {
	var (
		bestID   string
		bestTime float64
		hasBest  bool
	)
	for id, n := range mapping {
		if len(n.Children) != 0 || n.Message == nil {
			continue
		}
		ct := 0.0
		if n.Message.CreateTime != nil {
			ct = *n.Message.CreateTime
		}
		if !hasBest || ct > bestTime || (ct == bestTime && id < bestID) {
			bestID = id
			bestTime = ct
			hasBest = true
		}
	}
	return bestID
}

func simplifyMessage(m rawMessage) (Message, bool) {
	role := strings.TrimSpace(m.Author.Role)
	if role == "" {
		role = "unknown"
	}
	name := ""
	if m.Author.Name != nil {
		name = strings.TrimSpace(*m.Author.Name)
	}
	text := extractContentText(m.Content)

	// Drop empty, hidden system nodes (very common in exports).
	if role == RoleSystem && strings.TrimSpace(text) == "" && isHiddenFromConversation(m.Metadata) {
		return Message{}, false
	}
	if strings.TrimSpace(text) == "" && role != RoleUser && role != RoleAssistant {
		return Message{}, false
	}

	return Message{
		MessageID:  m.ID,
		Role:       role,
		Name:       name,
		Text:       text,
		CreateTime: NormalizeEpochPtr(m.CreateTime),
	}, true
}

func extractContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	// Common export shape:
	// { "content_type": "text", "parts": ["..."] }
	// Tool/browser shape:
	// { "content_type": "tether_quote", "text": "...", ... }
	var probe struct {
		Parts []any  `json:"parts"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}

	var parts []string
	for _, p := range probe.Parts {
		if s, ok := p.(string); ok {
			parts = append(parts, s)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	return probe.Text
}

func isHiddenFromConversation(metadata map[string]any) bool {
	v, ok := metadata["is_visually_hidden_from_conversation"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func skipValue(dec *json.Decoder, first json.Token) error {
	d, ok := first.(json.Delim)
	if !ok {
		// Primitive (string/number/bool/null): already fully consumed.
		return nil
	}
	switch d {
	case '{', '[':
	default:
		return fmt.Errorf("skipValue: unexpected delimiter %q", d)
	}

	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if dd, ok := tok.(json.Delim); ok {
			switch dd {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
