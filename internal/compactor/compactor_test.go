package compactor

import (
	"regexp"
	"strings"
	"testing"

	"github.com/roelfdiedericks/duoproxy/internal/models"
	"github.com/roelfdiedericks/duoproxy/internal/protocol"
)

func userMsg(text string) protocol.Message {
	return protocol.Message{Role: protocol.RoleUser, Text: text}
}

func assistantMsg(text string) protocol.Message {
	return protocol.Message{Role: protocol.RoleAssistant, Text: text}
}

func TestCompactUnderBudgetIsNoOp(t *testing.T) {
	c := New(DefaultConfig())
	payload := &protocol.Payload{
		System:   []protocol.ContentPart{{Kind: protocol.PartText, Text: "you are helpful"}},
		Messages: []protocol.Message{userMsg("hi"), assistantMsg("hello")},
	}

	result := c.Compact(payload, models.VendorOpenAI, 1_000_000, 1_000_000)
	if result.WasCompacted {
		t.Error("expected no compaction for a payload well under budget")
	}
	if result.Payload != payload {
		t.Error("expected the same payload pointer returned unmodified")
	}
}

func TestCompactTrimsLongConversation(t *testing.T) {
	c := New(DefaultConfig())

	messages := []protocol.Message{}
	for i := 0; i < 300; i++ {
		role := protocol.RoleUser
		if i%2 == 1 {
			role = protocol.RoleAssistant
		}
		messages = append(messages, protocol.Message{Role: role, Text: strings.Repeat("x", 10000)})
	}
	lastMessageText := messages[len(messages)-1].Text

	payload := &protocol.Payload{
		System:   []protocol.ContentPart{{Kind: protocol.PartText, Text: strings.Repeat("s", 256)}},
		Messages: messages,
	}

	result := c.Compact(payload, models.VendorOpenAI, 20000, 200000)

	if !result.WasCompacted {
		t.Fatal("expected compaction to trigger")
	}
	if result.RemovedCount <= 0 {
		t.Error("expected a positive removed count")
	}

	got := result.Payload.Messages
	if len(got) < 2 {
		t.Fatalf("expected at least a marker plus one preserved message, got %d", len(got))
	}
	if got[0].Role != protocol.RoleUser {
		t.Errorf("first message role = %v, want user (marker)", got[0].Role)
	}
	markerPattern := regexp.MustCompile(`^\[CONTEXT TRUNCATED: \d+ earlier messages removed`)
	if !markerPattern.MatchString(got[0].Text) {
		t.Errorf("marker text %q does not match expected pattern", got[0].Text)
	}

	last := got[len(got)-1]
	if last.Text != lastMessageText {
		t.Error("expected the most recent input message to survive byte-for-byte")
	}
}

func TestCompactSystemAloneExceedsBudget(t *testing.T) {
	c := New(DefaultConfig())
	payload := &protocol.Payload{
		System:   []protocol.ContentPart{{Kind: protocol.PartText, Text: strings.Repeat("s", 100000)}},
		Messages: []protocol.Message{userMsg("hi")},
	}

	result := c.Compact(payload, models.VendorOpenAI, 100, 1000)
	if result.WasCompacted {
		t.Error("expected was_compacted=false when system alone exceeds budget")
	}
	if result.Payload != payload {
		t.Error("expected original payload returned unmodified")
	}
	if result.Warning == "" {
		t.Error("expected a warning to be set")
	}
}

func TestIntegrityPassDropsOrphanToolResult(t *testing.T) {
	messages := []protocol.Message{
		userMsg("hi"),
		{Role: protocol.RoleTool, ToolCallID: "orphan-id", Text: "result with no matching call"},
		assistantMsg("ok"),
	}

	c := New(DefaultConfig())
	out := c.integrityPass(messages)

	for _, msg := range out {
		if msg.Role == protocol.RoleTool && msg.ToolCallID == "orphan-id" {
			t.Error("expected orphaned tool result to be dropped")
		}
	}
}

func TestIntegrityPassDropsLeadingNonUser(t *testing.T) {
	messages := []protocol.Message{
		assistantMsg("stray reply with no preceding user turn"),
		userMsg("real question"),
	}

	c := New(DefaultConfig())
	out := c.integrityPass(messages)

	if len(out) == 0 || out[0].Role != protocol.RoleUser {
		t.Fatalf("expected first message to be user after dropping leading non-user, got %+v", out)
	}
}

func TestIntegrityPassDropsOrphanToolUse(t *testing.T) {
	messages := []protocol.Message{
		userMsg("call a tool"),
		{
			Role: protocol.RoleAssistant,
			ToolCalls: []protocol.ToolCall{
				{ID: "call-1", FunctionName: "get_weather", ArgumentsJSON: "{}"},
			},
		},
	}

	c := New(DefaultConfig())
	out := c.integrityPass(messages)

	for _, msg := range out {
		for _, call := range msg.ToolCalls {
			if call.ID == "call-1" {
				t.Error("expected orphaned tool_use to be dropped")
			}
		}
	}
}

func TestExcerptShortBodyUnchanged(t *testing.T) {
	body := "short body"
	if got := excerpt(body); got != body {
		t.Errorf("excerpt() modified a short body: %q", got)
	}
}

func TestExcerptLongBodyTruncated(t *testing.T) {
	body := strings.Repeat("a", 1000)
	got := excerpt(body)
	if len(got) >= len(body) {
		t.Error("expected excerpt to shrink a long body")
	}
	if !strings.HasPrefix(got, strings.Repeat("a", excerptHeadTailLen)) {
		t.Error("expected excerpt to preserve the head")
	}
	if !strings.HasSuffix(got, strings.Repeat("a", excerptHeadTailLen)) {
		t.Error("expected excerpt to preserve the tail")
	}
}
