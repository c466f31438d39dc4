package voice

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

func TestUnlockTwiML(t *testing.T) {
	got := UnlockTwiML()
	for _, want := range []string{
		"<Say>Unlocking...</Say>",
		`<Play digits="www6ww">`,
		`<Pause length="2">`,
		"<Hangup>",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("unlock twiml missing %q:\n%s", want, got)
		}
	}
	// The unlock tone must come after the announcement.
	if strings.Index(got, "Say") > strings.Index(got, "digits") {
		t.Fatalf("digits played before announcement:\n%s", got)
	}
}

func TestRejectTwiML(t *testing.T) {
	got := RejectTwiML()
	if !strings.Contains(got, "<Say>Unfortunately your request was not approved.</Say>") {
		t.Fatalf("reject twiml = %s", got)
	}
	if !strings.Contains(got, "<Hangup>") {
		t.Fatalf("reject twiml must hang up: %s", got)
	}
}

func TestFallbackTwiML(t *testing.T) {
	got := FallbackTwiML("+15551234567")
	if !strings.Contains(got, "<Dial>+15551234567</Dial>") {
		t.Fatalf("fallback twiml = %s", got)
	}
}

func TestWaitRoomUsesConfiguredMusic(t *testing.T) {
	c := NewClient("AC1", "tok", "+15550000000")
	c.WaitMusicURL = "https://example.com/hold.mp3"
	if !strings.Contains(c.WaitRoom(), "<Play>https://example.com/hold.mp3</Play>") {
		t.Fatalf("wait room twiml = %s", c.WaitRoom())
	}
	c.WaitMusicURL = ""
	if !strings.Contains(c.WaitRoom(), "<Play>http://") {
		t.Fatal("empty music url must fall back to the default track")
	}
}

func sign(authToken, fullURL string, form url.Values) string {
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

func TestValidateSignature(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "ringing")
	form.Set("From", "+15551112222")
	fullURL := "https://door.example.com/v0/hooks/voice"
	token := "secret-token"

	if !ValidateSignature(token, fullURL, form, sign(token, fullURL, form)) {
		t.Fatal("valid signature rejected")
	}
	if ValidateSignature(token, fullURL, form, sign("wrong", fullURL, form)) {
		t.Fatal("signature from wrong token accepted")
	}
	tampered := url.Values{}
	for k := range form {
		tampered.Set(k, form.Get(k))
	}
	tampered.Set("CallSid", "CA999")
	if ValidateSignature(token, fullURL, tampered, sign(token, fullURL, form)) {
		t.Fatal("tampered form accepted")
	}
	if ValidateSignature(token, fullURL, form, "") {
		t.Fatal("empty signature accepted")
	}
	if ValidateSignature("", fullURL, form, sign(token, fullURL, form)) {
		t.Fatal("empty auth token must never validate")
	}
}

func TestCallCompleted(t *testing.T) {
	form := url.Values{}
	form.Set("CallStatus", "in-progress")
	if CallCompleted(form) {
		t.Fatal("in-progress reported completed")
	}
	form.Set("CallStatus", "completed")
	if !CallCompleted(form) {
		t.Fatal("completed not recognized")
	}
}

func TestSignalUnlockPostsTwiML(t *testing.T) {
	var gotPath, gotTwiml, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseForm()
		gotTwiml = r.PostFormValue("Twiml")
		gotUser, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("AC1", "tok", "+15550000000")
	c.BaseURL = srv.URL
	if err := c.SignalUnlock(context.Background(), "CA42"); err != nil {
		t.Fatalf("signal unlock: %v", err)
	}
	if gotPath != "/2010-04-01/Accounts/AC1/Calls/CA42.json" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotUser != "AC1" {
		t.Fatalf("basic auth user = %s", gotUser)
	}
	if !strings.Contains(gotTwiml, `digits="www6ww"`) {
		t.Fatalf("twiml = %s", gotTwiml)
	}
}

func TestSignalRejectSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"no such call"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("AC1", "tok", "+15550000000")
	c.BaseURL = srv.URL
	err := c.SignalReject(context.Background(), "CA404")
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("err = %v, want status 404", err)
	}
}
