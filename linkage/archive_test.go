package linkage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const twoConversations = `[{"title":"A","conversation_id":"c1","id":"c1","current_node":"m2","mapping":{"root":{"id":"root","message":null,"parent":null,"children":["sys"]},"sys":{"id":"sys","message":{"author":{"role":"system","name":null},"create_time":null,"content":{"content_type":"text","parts":[""]},"metadata":{"is_visually_hidden_from_conversation":true}},"parent":"root","children":["m1"]},"m1":{"id":"m1","message":{"author":{"role":"user","name":null},"create_time":1710412260,"content":{"content_type":"text","parts":["hi"]},"metadata":{}},"parent":"sys","children":["m2"]},"m2":{"id":"m2","message":{"author":{"role":"assistant","name":null},"create_time":1710412320,"content":{"content_type":"text","parts":["hello"]},"metadata":{}},"parent":"m1","children":[]}}},{"title":"B","id":"c2","create_time":1710000000,"mapping":{}}]`

func TestReadConversationArchive_TopLevelArray(t *testing.T) {
	t.Parallel()

	inPath := filepath.Join(t.TempDir(), "conversations.json")
	if err := os.WriteFile(inPath, []byte(twoConversations), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	res, err := ReadConversationArchive(context.Background(), inPath, ArchiveOptions{})
	if err != nil {
		t.Fatalf("ReadConversationArchive: %v", err)
	}
	if len(res.Conversations) != 2 || res.Skipped != 0 || res.Truncated {
		t.Fatalf("res=%+v", res)
	}

	c1 := res.Conversations[0]
	if len(c1.Messages) != 2 {
		t.Fatalf("len(Messages)=%d, want 2 (hidden system node dropped)", len(c1.Messages))
	}
	if c1.Messages[0].Role != RoleUser || c1.Messages[0].Text != "hi" || c1.Messages[0].MessageID != "m1" {
		t.Fatalf("msg0=%+v, want role=user text=hi", c1.Messages[0])
	}
	if c1.Messages[1].Role != RoleAssistant || c1.Messages[1].Text != "hello" {
		t.Fatalf("msg1=%+v, want role=assistant text=hello", c1.Messages[1])
	}
	if c1.CreateTime != 1710412260 {
		t.Fatalf("CreateTime=%v", c1.CreateTime)
	}

	// id is used when conversation_id is absent; create_time comes from the element when no message has one.
	c2 := res.Conversations[1]
	if c2.ConversationID != "c2" || c2.CreateTime != 1710000000 || len(c2.Messages) != 0 {
		t.Fatalf("c2=%+v", c2)
	}
}

func TestDecodeConversationArchive_ObjectWrappedArray(t *testing.T) {
	t.Parallel()

	in := `{"meta":{"nested":[1,2,{"x":[]}]},"other":[{"id":"not-this"}],"conversations":[{"title":"A","conversation_id":"c1","mapping":{}},{"title":"B","conversation_id":"c2","mapping":{}}]}`
	res, err := DecodeConversationArchive(context.Background(), strings.NewReader(in), ArchiveOptions{ArrayField: "conversations"})
	if err != nil {
		t.Fatalf("DecodeConversationArchive: %v", err)
	}
	if len(res.Conversations) != 2 || res.Conversations[0].ConversationID != "c1" {
		t.Fatalf("res=%+v", res)
	}

	if _, err := DecodeConversationArchive(context.Background(), strings.NewReader(`{"other":1}`), ArchiveOptions{}); err == nil {
		t.Fatalf("expected error when no array is present")
	}
	if _, err := DecodeConversationArchive(context.Background(), strings.NewReader(`"nope"`), ArchiveOptions{}); err == nil {
		t.Fatalf("expected error for scalar input")
	}
}

func TestDecodeConversationArchive_SkipsAndTruncation(t *testing.T) {
	t.Parallel()

	in := `[{"title":"no id","mapping":{}},{"conversation_id":"ok","mapping":{}},{"conversation_id":"cyc","current_node":"a","mapping":{"a":{"id":"a","message":{"author":{"role":"user"},"content":{"parts":["x"]}},"parent":"b"},"b":{"id":"b","parent":"a"}}},{"conversation_id":"cut","mapping":{`
	res, err := DecodeConversationArchive(context.Background(), strings.NewReader(in), ArchiveOptions{})
	if err != nil {
		t.Fatalf("DecodeConversationArchive: %v", err)
	}
	if len(res.Conversations) != 1 || res.Conversations[0].ConversationID != "ok" {
		t.Fatalf("conversations=%+v", res.Conversations)
	}
	if res.Skipped != 2 || !res.Truncated {
		t.Fatalf("skipped=%d truncated=%v", res.Skipped, res.Truncated)
	}
}

func TestLinearizeMessages_PicksLatestLeaf(t *testing.T) {
	t.Parallel()

	raw := `{"conversation_id":"branch","mapping":{
		"r":{"id":"r","message":{"author":{"role":"user"},"create_time":10,"content":{"parts":["q"]}},"children":["old","new"]},
		"old":{"id":"old","message":{"author":{"role":"assistant"},"create_time":20,"content":{"parts":["first answer"]}},"parent":"r"},
		"new":{"id":"new","message":{"author":{"role":"assistant"},"create_time":30,"content":{"parts":["regenerated"]}},"parent":"r"}
	}}`
	conv, err := ConversationFromJSON([]byte(raw))
	if err != nil {
		t.Fatalf("ConversationFromJSON: %v", err)
	}
	if len(conv.Messages) != 2 || conv.Messages[1].Text != "regenerated" {
		t.Fatalf("messages=%+v", conv.Messages)
	}
}
