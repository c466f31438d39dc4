package chat

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"buzzline/internal/domain"
)

func testClient() *Client {
	return &Client{ChatID: -100123, BotUsername: "doorbot"}
}

func TestApproveCallback(t *testing.T) {
	raw := []byte(`{
		"update_id": 1,
		"callback_query": {
			"id": "cb1",
			"data": "approve",
			"from": {"id": 42, "username": "ann"},
			"message": {"message_id": 9, "chat": {"id": -100123}}
		}
	}`)
	outcome, payload, err := testClient().ParseIncoming(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if outcome != domain.OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", outcome)
	}
	if payload.ApproverID == nil || *payload.ApproverID != 42 {
		t.Fatalf("approver id = %v", payload.ApproverID)
	}
	if payload.ApproverName != "@ann" {
		t.Fatalf("approver name = %q", payload.ApproverName)
	}
}

func TestRejectCallback(t *testing.T) {
	raw := []byte(`{
		"callback_query": {
			"data": "reject",
			"from": {"id": 7, "first_name": "Bob"},
			"message": {"message_id": 9, "chat": {"id": -100123}}
		}
	}`)
	outcome, payload, err := testClient().ParseIncoming(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if outcome != domain.OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", outcome)
	}
	if payload.ApproverName != "Bob" {
		t.Fatalf("approver name = %q", payload.ApproverName)
	}
}

func TestForeignChatIsRejected(t *testing.T) {
	raw := []byte(`{
		"callback_query": {
			"data": "approve",
			"from": {"id": 42},
			"message": {"message_id": 9, "chat": {"id": 555}}
		}
	}`)
	_, _, err := testClient().ParseIncoming(raw)
	if !errors.Is(err, ErrForeignChat) {
		t.Fatalf("err = %v, want ErrForeignChat", err)
	}

	raw = []byte(`{"message": {"text": "/acceptnextcall", "chat": {"id": 555},
		"entities": [{"type": "bot_command", "offset": 0, "length": 15}]}}`)
	_, _, err = testClient().ParseIncoming(raw)
	if !errors.Is(err, ErrForeignChat) {
		t.Fatalf("command err = %v, want ErrForeignChat", err)
	}
}

func TestAcceptNextCallDurations(t *testing.T) {
	cases := []struct {
		text string
		want time.Duration
	}{
		{"/acceptnextcall", time.Hour},
		{"/acceptnextcall 3", 3 * time.Hour},
		{"/acceptnextcall@doorbot 2", 2 * time.Hour},
		{"/acceptnextcall junk", time.Hour},
		{"/acceptnextcall -5", time.Hour},
	}
	for _, tc := range cases {
		cmdLen := len(tc.text)
		if i := strings.IndexByte(tc.text, ' '); i > 0 {
			cmdLen = i
		}
		raw := []byte(`{"message": {"text": "` + tc.text + `", "chat": {"id": -100123},
			"entities": [{"type": "bot_command", "offset": 0, "length": ` + strconv.Itoa(cmdLen) + `}]}}`)
		outcome, payload, err := testClient().ParseIncoming(raw)
		if err != nil {
			t.Fatalf("%q: %v", tc.text, err)
		}
		if outcome != domain.OutcomeScheduleApproval {
			t.Fatalf("%q: outcome = %s", tc.text, outcome)
		}
		if payload.ScheduleTTL != tc.want {
			t.Fatalf("%q: ttl = %s, want %s", tc.text, payload.ScheduleTTL, tc.want)
		}
	}
}

func TestGenerateAccessLinkCommand(t *testing.T) {
	raw := []byte(`{"message": {"text": "/generateaccesslink", "chat": {"id": -100123},
		"entities": [{"type": "bot_command", "offset": 0, "length": 19}]}}`)
	outcome, _, err := testClient().ParseIncoming(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if outcome != domain.OutcomeGenerateAccessLink {
		t.Fatalf("outcome = %s", outcome)
	}
}

func TestPlainChatterIsNoop(t *testing.T) {
	for _, raw := range []string{
		`{"message": {"text": "hello all", "chat": {"id": -100123}}}`,
		`{"message": {"text": "/unknowncommand", "chat": {"id": -100123},
			"entities": [{"type": "bot_command", "offset": 0, "length": 15}]}}`,
		`{"callback_query": {"data": "mystery", "from": {"id": 1},
			"message": {"message_id": 2, "chat": {"id": -100123}}}}`,
		`{"update_id": 5}`,
	} {
		outcome, _, err := testClient().ParseIncoming([]byte(raw))
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if outcome != domain.OutcomeNoop {
			t.Fatalf("%s: outcome = %s, want noop", raw, outcome)
		}
	}
}

func TestMalformedUpdateErrors(t *testing.T) {
	outcome, _, err := testClient().ParseIncoming([]byte(`{nope`))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if outcome != domain.OutcomeNoop {
		t.Fatalf("outcome = %s, want noop", outcome)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	got := escapeMarkdown("a_b.c-d(e)")
	want := `a\_b\.c\-d\(e\)`
	if got != want {
		t.Fatalf("escaped = %q, want %q", got, want)
	}
}
