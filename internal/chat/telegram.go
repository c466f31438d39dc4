// Package chat implements the approver-chat collaborator against the
// Telegram Bot API: the Approve/Reject prompt, in-place result updates and
// classification of incoming webhook updates.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"buzzline/internal/domain"
)

const (
	defaultBaseURL     = "https://api.telegram.org"
	defaultHTTPTimeout = 10 * time.Second
)

type Client struct {
	Token       string
	ChatID      int64
	BotUsername string
	BaseURL     string
	HTTPClient  *http.Client
}

func NewClient(token string, chatID int64, botUsername string) *Client {
	return &Client{
		Token:       token,
		ChatID:      chatID,
		BotUsername: botUsername,
		BaseURL:     defaultBaseURL,
		HTTPClient:  &http.Client{Timeout: defaultHTTPTimeout},
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageParams struct {
	ChatID      int64           `json:"chat_id"`
	Text        string          `json:"text"`
	ParseMode   string          `json:"parse_mode,omitempty"`
	ReplyMarkup *inlineKeyboard `json:"reply_markup,omitempty"`
}

type editMessageParams struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type messageResult struct {
	MessageID int64 `json:"message_id"`
}

// SendPrompt posts the Approve/Reject keyboard and returns the message id
// used as the prompt handle for later in-place updates.
func (c *Client) SendPrompt(ctx context.Context) (int64, error) {
	params := sendMessageParams{
		ChatID: c.ChatID,
		Text:   "Choose",
		ReplyMarkup: &inlineKeyboard{InlineKeyboard: [][]inlineButton{{
			{Text: "Approve", CallbackData: "approve"},
			{Text: "Reject", CallbackData: "reject"},
		}}},
	}
	var msg messageResult
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// UpdatePrompt edits the prompt message in place.
func (c *Client) UpdatePrompt(ctx context.Context, messageID int64, text string) error {
	return c.call(ctx, "editMessageText", editMessageParams{
		ChatID:    c.ChatID,
		MessageID: messageID,
		Text:      text,
		ParseMode: "MarkdownV2",
	}, nil)
}

// SendStandalone posts a new message to the approver chat.
func (c *Client) SendStandalone(ctx context.Context, text string) error {
	return c.call(ctx, "sendMessage", sendMessageParams{
		ChatID:    c.ChatID,
		Text:      text,
		ParseMode: "MarkdownV2",
	}, nil)
}

// SendAccessLink posts a guest access link.
func (c *Client) SendAccessLink(ctx context.Context, link string) error {
	escaped := link
	for _, ch := range []string{"-", ".", "="} {
		escaped = strings.ReplaceAll(escaped, ch, `\`+ch)
	}
	return c.SendStandalone(ctx, fmt.Sprintf("The access link is [%s](%s)", escaped, link))
}

func (c *Client) PostAccepted(ctx context.Context, payload domain.OutcomePayload) error {
	return c.sendOrUpdate(ctx, payload.PromptMessageID, withApprover("Request accepted", payload))
}

func (c *Client) PostRejected(ctx context.Context, payload domain.OutcomePayload) error {
	return c.sendOrUpdate(ctx, payload.PromptMessageID, withApprover("Request denied", payload))
}

func (c *Client) PostTimeout(ctx context.Context, payload domain.OutcomePayload) error {
	return c.sendOrUpdate(ctx, payload.PromptMessageID, "Request timed out")
}

func (c *Client) PostHangup(ctx context.Context, payload domain.OutcomePayload) error {
	return c.sendOrUpdate(ctx, payload.PromptMessageID, "The caller hung up")
}

func (c *Client) PostFailure(ctx context.Context, payload domain.OutcomePayload) error {
	return c.sendOrUpdate(ctx, payload.PromptMessageID, "Request failed")
}

func withApprover(base string, payload domain.OutcomePayload) string {
	if payload.ApproverID == nil {
		return base
	}
	return fmt.Sprintf("%s by [%s](tg://user?id=%d)", base, escapeMarkdown(payload.ApproverName), *payload.ApproverID)
}

func (c *Client) sendOrUpdate(ctx context.Context, messageID *int64, text string) error {
	if messageID == nil {
		return c.SendStandalone(ctx, text)
	}
	return c.UpdatePrompt(ctx, *messageID, text)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", strings.TrimSuffix(base, "/"), c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	var wrapped apiResponse
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("telegram %s: status %d: %w", method, res.StatusCode, err)
	}
	if !wrapped.OK {
		return fmt.Errorf("telegram %s: %s", method, wrapped.Description)
	}
	if result != nil {
		if err := json.Unmarshal(wrapped.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}
