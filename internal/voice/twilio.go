// Package voice implements the voice-call collaborator against the Twilio
// REST API: TwiML responses for webhook replies and in-call redirects for
// resolved outcomes.
package voice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://api.twilio.com"
	defaultHTTPTimeout = 10 * time.Second
	defaultWaitMusic   = "http://com.twilio.music.guitars.s3.amazonaws.com/Pitx_-_A_Thought.mp3"
)

type Client struct {
	AccountSID     string
	AuthToken      string
	FallbackNumber string
	WaitMusicURL   string
	BaseURL        string
	HTTPClient     *http.Client
}

func NewClient(accountSID, authToken, fallbackNumber string) *Client {
	return &Client{
		AccountSID:     accountSID,
		AuthToken:      authToken,
		FallbackNumber: fallbackNumber,
		WaitMusicURL:   defaultWaitMusic,
		BaseURL:        defaultBaseURL,
		HTTPClient:     &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// SignalUnlock redirects the live call to the door-open DTMF sequence.
func (c *Client) SignalUnlock(ctx context.Context, callSID string) error {
	return c.updateCall(ctx, callSID, UnlockTwiML())
}

// SignalReject plays the rejection message and hangs up.
func (c *Client) SignalReject(ctx context.Context, callSID string) error {
	return c.updateCall(ctx, callSID, RejectTwiML())
}

// SignalFallback dials the fallback number into the live call.
func (c *Client) SignalFallback(ctx context.Context, callSID string) error {
	return c.updateCall(ctx, callSID, FallbackTwiML(c.FallbackNumber))
}

// WaitRoom returns the TwiML used to answer a fresh intake request.
func (c *Client) WaitRoom() string {
	music := c.WaitMusicURL
	if music == "" {
		music = defaultWaitMusic
	}
	return WaitRoomTwiML(music)
}

// Fallback returns the TwiML answering an intake that could not start a
// workflow.
func (c *Client) Fallback() string {
	return FallbackTwiML(c.FallbackNumber)
}

// CallCompleted classifies a status-callback form: true once the caller has
// hung up.
func CallCompleted(form url.Values) bool {
	return form.Get("CallStatus") == "completed"
}

func (c *Client) updateCall(ctx context.Context, callSID, twiml string) error {
	if callSID == "" {
		return fmt.Errorf("call sid required")
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json",
		strings.TrimSuffix(c.BaseURL, "/"), c.AccountSID, callSID)
	form := url.Values{}
	form.Set("Twiml", twiml)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.AccountSID, c.AuthToken)

	res, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("update call %s: %w", callSID, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("update call %s: status %d: %s", callSID, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}
