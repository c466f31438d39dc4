package server

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"buzzline/internal/chat"
	"buzzline/internal/engine"
	"buzzline/internal/registry"
	"buzzline/internal/repo"
	"buzzline/internal/voice"
)

const maxHookBody = 1 << 20

// registerHooks mounts the channel-facing webhook endpoints. These are the
// only unauthenticated mutating routes; each one validates its caller the
// way the channel prescribes (Twilio request signature, Telegram secret
// token) instead of operator credentials.
func registerHooks(router chi.Router, basePath string, e engine.Engine, v *voice.Client, chatSecret string) {
	router.Route(basePath+"/hooks", func(r chi.Router) {
		r.Post("/voice", handleVoiceIntake(e, v))
		r.Post("/voice/status", handleVoiceStatus(e, v))
		r.Post("/chat", handleChatUpdate(e, chatSecret))
		r.Get("/access", handleAccessLink(e))
	})
}

func handleVoiceIntake(e engine.Engine, v *voice.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !verifyVoiceRequest(v, w, req) {
			return
		}
		callSID := req.PostFormValue("CallSid")
		if _, err := e.HandleIntake(req.Context(), callSID); err != nil {
			// The caller is on the line; answer with the fallback dial
			// rather than an HTTP error Twilio would retry.
			if errors.Is(err, registry.ErrRegistryBusy) {
				log.Printf("hooks: intake for call %s raced a terminating workflow: %v", callSID, err)
			} else {
				log.Printf("hooks: intake for call %s failed: %v", callSID, err)
			}
			writeTwiML(w, v.Fallback())
			return
		}
		writeTwiML(w, v.WaitRoom())
	}
}

func handleVoiceStatus(e engine.Engine, v *voice.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !verifyVoiceRequest(v, w, req) {
			return
		}
		if !voice.CallCompleted(req.PostForm) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err := e.HandleCallCompleted(req.Context(), req.PostFormValue("CallSid")); err != nil {
			log.Printf("hooks: call-completed delivery failed: %v", err)
			http.Error(w, "delivery failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleChatUpdate(e engine.Engine, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if secret != "" && req.Header.Get("X-Telegram-Bot-Api-Secret-Token") != secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		raw, err := io.ReadAll(io.LimitReader(req.Body, maxHookBody))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if _, err := e.HandleChatUpdate(req.Context(), raw); err != nil {
			if errors.Is(err, chat.ErrForeignChat) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			// Always acknowledge classified-but-failed updates: Telegram
			// redelivers non-2xx responses and the action is not idempotent.
			log.Printf("hooks: chat update failed: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}
}

func handleAccessLink(e engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := req.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "token required", http.StatusBadRequest)
			return
		}
		if err := e.RedeemAccessToken(req.Context(), token); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				http.Error(w, "This link has expired or was already used.", http.StatusGone)
				return
			}
			log.Printf("hooks: access link redemption failed: %v", err)
			http.Error(w, "redemption failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Access granted. Ring the intercom within the next few minutes.\n"))
	}
}

// verifyVoiceRequest parses the form and checks the Twilio request
// signature. Validation is skipped when no auth token is configured, which
// only happens in development.
func verifyVoiceRequest(v *voice.Client, w http.ResponseWriter, req *http.Request) bool {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	if v.AuthToken == "" {
		return true
	}
	sig := req.Header.Get("X-Twilio-Signature")
	if !voice.ValidateSignature(v.AuthToken, requestURL(req), req.PostForm, sig) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return false
	}
	return true
}

// requestURL reconstructs the public URL Twilio signed, honoring the
// reverse-proxy forwarding headers.
func requestURL(req *http.Request) string {
	scheme := req.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if req.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := req.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = req.Host
	}
	return scheme + "://" + host + req.URL.RequestURI()
}

func writeTwiML(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(twiml))
}
