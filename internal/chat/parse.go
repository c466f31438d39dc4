package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"buzzline/internal/domain"
)

// ErrForeignChat marks an update from a chat other than the configured
// approver chat. Rejected at the boundary; never classified.
var ErrForeignChat = errors.New("update from unknown chat")

// DefaultScheduleTTL applies when /acceptnextcall carries no parsable
// duration argument.
const DefaultScheduleTTL = time.Hour

const (
	acceptNextCallCommand     = "acceptnextcall"
	generateAccessLinkCommand = "generateaccesslink"
)

type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *message       `json:"message"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type message struct {
	MessageID int64     `json:"message_id"`
	Text      string    `json:"text"`
	Chat      chatRef   `json:"chat"`
	Entities  []entity  `json:"entities"`
	From      *chatUser `json:"from"`
}

type chatRef struct {
	ID int64 `json:"id"`
}

type entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

type chatUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

type callbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	From    chatUser `json:"from"`
	Message *message `json:"message"`
}

// ParseIncoming classifies a raw webhook update into an outcome. Inputs
// without actionable meaning classify as noop; updates from a foreign chat
// fail with ErrForeignChat.
func (c *Client) ParseIncoming(raw []byte) (domain.Outcome, domain.OutcomePayload, error) {
	var u update
	if err := json.Unmarshal(raw, &u); err != nil {
		return domain.OutcomeNoop, domain.OutcomePayload{}, fmt.Errorf("malformed update: %w", err)
	}

	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		if q.Message == nil || q.Message.Chat.ID != c.ChatID {
			return domain.OutcomeNoop, domain.OutcomePayload{}, ErrForeignChat
		}
		payload := domain.OutcomePayload{
			ApproverID:   &q.From.ID,
			ApproverName: displayName(q.From),
		}
		switch q.Data {
		case "approve":
			return domain.OutcomeApproved, payload, nil
		case "reject":
			return domain.OutcomeRejected, payload, nil
		default:
			return domain.OutcomeNoop, domain.OutcomePayload{}, nil
		}

	case u.Message != nil:
		m := u.Message
		if m.Chat.ID != c.ChatID {
			return domain.OutcomeNoop, domain.OutcomePayload{}, ErrForeignChat
		}
		switch {
		case c.isCommand(m, acceptNextCallCommand):
			return domain.OutcomeScheduleApproval, domain.OutcomePayload{ScheduleTTL: scheduleTTL(m.Text)}, nil
		case c.isCommand(m, generateAccessLinkCommand):
			return domain.OutcomeGenerateAccessLink, domain.OutcomePayload{}, nil
		}
		return domain.OutcomeNoop, domain.OutcomePayload{}, nil

	default:
		return domain.OutcomeNoop, domain.OutcomePayload{}, nil
	}
}

func (c *Client) isCommand(m *message, command string) bool {
	if len(m.Entities) == 0 || m.Entities[0].Type != "bot_command" || m.Entities[0].Offset != 0 {
		return false
	}
	length := m.Entities[0].Length
	if length > len(m.Text) || length < 2 {
		return false
	}
	name := strings.ToLower(m.Text[1:length])
	return name == command || name == command+"@"+strings.ToLower(c.BotUsername)
}

// scheduleTTL reads the hour count from "/acceptnextcall [hours]".
func scheduleTTL(text string) time.Duration {
	args := strings.Fields(text)
	if len(args) < 2 {
		return DefaultScheduleTTL
	}
	hours, err := strconv.Atoi(args[1])
	if err != nil || hours <= 0 {
		return DefaultScheduleTTL
	}
	return time.Duration(hours) * time.Hour
}

func displayName(u chatUser) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return "@" + strconv.FormatInt(u.ID, 10)
}

// escapeMarkdown backslash-escapes MarkdownV2 reserved characters.
func escapeMarkdown(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`_*[]()~`+"`"+`>#+-=|{}.!\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
