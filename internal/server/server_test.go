package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"buzzline/internal/chat"
	"buzzline/internal/config"
	"buzzline/internal/db"
	"buzzline/internal/domain"
	"buzzline/internal/engine"
	"buzzline/internal/events"
	"buzzline/internal/gate"
	"buzzline/internal/migrate"
	"buzzline/internal/registry"
	"buzzline/internal/repo"
	"buzzline/internal/voice"
)

type fakeChat struct {
	parser *chat.Client
	mu     sync.Mutex
	links  []string
}

func (c *fakeChat) ParseIncoming(raw []byte) (domain.Outcome, domain.OutcomePayload, error) {
	return c.parser.ParseIncoming(raw)
}

func (c *fakeChat) SendAccessLink(ctx context.Context, link string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links = append(c.links, link)
	return nil
}

func (c *fakeChat) SendPrompt(ctx context.Context) (int64, error) { return 1, nil }

type nopApplier struct{}

func (nopApplier) Apply(ctx context.Context, outcome domain.Outcome, payload domain.OutcomePayload, callSID string) error {
	return nil
}

type testServer struct {
	URL       string
	Engine    engine.Engine
	Voice     *voice.Client
	JWTSecret string
	close     func()
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Telegram.ChatID = -100123
	cfg.Server.PublicURL = "https://door.example.com"

	fc := &fakeChat{parser: &chat.Client{ChatID: cfg.Telegram.ChatID}}
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn}
	reg := &registry.Registry{
		Repo:     r,
		Events:   w,
		Gate:     gate.New(r, w),
		Prompter: fc,
		Applier:  nopApplier{},
		Timeout:  10 * time.Second,
	}
	voiceClient := voice.NewClient("AC1", "", "+15550000000")
	e := engine.New(conn, cfg, reg, fc)

	scfg := Config{
		Engine:   e,
		Voice:    voiceClient,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-jwt-secret"},
	}
	if mutate != nil {
		mutate(&scfg)
	}
	handler, err := New(scfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	ts := &testServer{
		URL:       srv.URL,
		Engine:    e,
		Voice:     voiceClient,
		JWTSecret: scfg.Auth.JWTSecret,
		close: func() {
			srv.Close()
			reg.Shutdown()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) bearer(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(s.JWTSecret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return "Bearer " + signed
}

func postForm(t *testing.T, target string, form url.Values, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func TestVoiceHookAnswersWaitRoom(t *testing.T) {
	srv := newTestServer(t, nil)

	form := url.Values{}
	form.Set("CallSid", "CA1")
	res, body := postForm(t, srv.URL+"/v0/hooks/voice", form, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Fatalf("content type = %s", ct)
	}
	if !strings.Contains(string(body), "<Play>") {
		t.Fatalf("expected wait music, got %s", body)
	}
	running, err := srv.Engine.Repo.ListRunning(context.Background())
	if err != nil || len(running) != 1 {
		t.Fatalf("running = %v, %v", running, err)
	}
	if running[0].CallSID != "CA1" {
		t.Fatalf("call sid = %s", running[0].CallSID)
	}
}

func TestVoiceHookRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.Voice.AuthToken = "twilio-token"

	form := url.Values{}
	form.Set("CallSid", "CA2")
	res, _ := postForm(t, srv.URL+"/v0/hooks/voice", form, map[string]string{
		"X-Twilio-Signature": "bogus",
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}

	// A correctly signed request passes.
	hookURL := srv.URL + "/v0/hooks/voice"
	res, body := postForm(t, hookURL, form, map[string]string{
		"X-Twilio-Signature": twilioSign("twilio-token", hookURL, form),
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signed request status %d: %s", res.StatusCode, body)
	}
}

func twilioSign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(fullURL))
	for _, k := range keys {
		mac.Write([]byte(k + form.Get(k)))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestStatusHookDeliversHangup(t *testing.T) {
	srv := newTestServer(t, nil)

	form := url.Values{}
	form.Set("CallSid", "CA3")
	if res, body := postForm(t, srv.URL+"/v0/hooks/voice", form, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("intake status %d: %s", res.StatusCode, body)
	}

	status := url.Values{}
	status.Set("CallSid", "CA3")
	status.Set("CallStatus", "completed")
	res, body := postForm(t, srv.URL+"/v0/hooks/voice/status", status, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status hook %d: %s", res.StatusCode, body)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		running, err := srv.Engine.Repo.ListRunning(context.Background())
		if err != nil {
			t.Fatalf("list running: %v", err)
		}
		if len(running) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("hangup never resolved the workflow")
}

func TestChatHookSecretEnforced(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.ChatSecret = "hook-secret" })

	update := `{"message": {"text": "hello", "chat": {"id": -100123}}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/hooks/chat", strings.NewReader(update))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unsigned chat hook status = %d, want 403", res.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/v0/hooks/chat", strings.NewReader(update))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "hook-secret")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signed chat hook status = %d", res.StatusCode)
	}
}

func TestChatHookRejectsForeignChat(t *testing.T) {
	srv := newTestServer(t, nil)
	update := `{"callback_query": {"data": "approve", "from": {"id": 1},
		"message": {"message_id": 2, "chat": {"id": 999}}}}`
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/hooks/chat", strings.NewReader(update))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}
}

func TestAccessHookRedeemsOnce(t *testing.T) {
	srv := newTestServer(t, nil)
	link, err := srv.Engine.GenerateAccessLink(context.Background())
	if err != nil {
		t.Fatalf("generate link: %v", err)
	}
	tokenID := link[strings.LastIndex(link, "=")+1:]

	res, err := http.Get(srv.URL + "/v0/hooks/access?token=" + tokenID)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first redeem status = %d", res.StatusCode)
	}

	res, err = http.Get(srv.URL + "/v0/hooks/access?token=" + tokenID)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusGone {
		t.Fatalf("second redeem status = %d, want 410", res.StatusCode)
	}
}

func TestOperatorAPIRequiresCredentials(t *testing.T) {
	srv := newTestServer(t, nil)

	res, err := http.Get(srv.URL + "/v0/instances")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", res.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/instances", nil)
	req.Header.Set("Authorization", srv.bearer(t, "ops"))
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer status = %d", res.StatusCode)
	}

	// Health stays public.
	res, err = http.Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}

func TestAPIKeyAuthAndTokenEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	plaintext := "bz_test_key"
	if err := srv.Engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID: "k1", Operator: "ops", KeyHash: repo.HashAPIKey(plaintext),
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	body := strings.NewReader(`{"ttl_minutes": 30, "note": "delivery"}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/tokens", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", plaintext)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create token status %d: %s", res.StatusCode, data)
	}
	var tok domain.AdmissionToken
	if err := json.Unmarshal(data, &tok); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if !strings.Contains(tok.Note, "delivery") || !strings.Contains(tok.Note, "ops") {
		t.Fatalf("note = %q", tok.Note)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/v0/tokens/"+tok.ID, nil)
	req.Header.Set("X-API-Key", plaintext)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode >= 300 {
		t.Fatalf("delete token status = %d", res.StatusCode)
	}

	tokens, err := srv.Engine.Repo.ListAdmissionTokens(ctx, time.Now())
	if err != nil || len(tokens) != 0 {
		t.Fatalf("tokens after delete = %v, %v", tokens, err)
	}
}
