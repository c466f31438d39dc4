// Package server exposes the operator API over huma and the channel
// webhooks over plain chi handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"buzzline/internal/domain"
	"buzzline/internal/engine"
	"buzzline/internal/repo"
	"buzzline/internal/voice"
)

// Config for the HTTP handler.
type Config struct {
	Engine engine.Engine
	Voice  *voice.Client
	// ChatSecret guards the chat webhook; Telegram echoes it in the
	// X-Telegram-Bot-Api-Secret-Token header when configured.
	ChatSecret string
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"instance not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Buzzline API and webhooks.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	registerHooks(router, basePath, cfg.Engine, cfg.Voice, cfg.ChatSecret)

	hcfg := huma.DefaultConfig("Buzzline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerTokens(group, cfg.Engine)
	registerLinks(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "busy"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// StatusResponse summarizes the live system: the running instance if any,
// how many admission slots are pending and the event-log high-water mark.
type StatusResponse struct {
	Active        *domain.WorkflowInstance `json:"active,omitempty"`
	PendingSlots  int                      `json:"pending_slots"`
	LatestEventID int64                    `json:"latest_event_id"`
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "System status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		active, err := e.Registry.ActiveInstance(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		tokens, err := e.Repo.ListAdmissionTokens(ctx, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		latest, err := e.Repo.LatestEventID(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Active:        active,
			PendingSlots:  len(tokens),
			LatestEventID: latest,
		}}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List workflow instances",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.WorkflowInstance `json:"body"`
	}, error) {
		items, err := e.Repo.ListInstances(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkflowInstance{}
		}
		return &struct {
			Body []domain.WorkflowInstance `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get workflow instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body domain.WorkflowInstance `json:"body"`
	}, error) {
		in, err := e.Repo.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowInstance `json:"body"`
		}{Body: in}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Limit   int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Type    string `query:"type"`
		CallSID string `query:"call_sid"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.CallSID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

// CreateTokenRequest opens an admission slot for the next call.
type CreateTokenRequest struct {
	TTLMinutes int    `json:"ttl_minutes,omitempty" minimum:"1" maximum:"10080"`
	Note       string `json:"note,omitempty" maxLength:"200"`
}

func registerTokens(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-token",
		Method:        http.MethodPost,
		Path:          "/tokens",
		Summary:       "Pre-approve the next call",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateTokenRequest `json:"body"`
	}) (*struct {
		Body domain.AdmissionToken `json:"body"`
	}, error) {
		ttl := time.Duration(input.Body.TTLMinutes) * time.Minute
		note := input.Body.Note
		if note == "" {
			note = "created via api"
		}
		if p, ok := principalFromContext(ctx); ok {
			note = note + " by " + p.Operator
		}
		tok, err := e.ScheduleApproval(ctx, ttl, note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AdmissionToken `json:"body"`
		}{Body: tok}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tokens",
		Method:      http.MethodGet,
		Path:        "/tokens",
		Summary:     "List live admission tokens",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AdmissionToken `json:"body"`
	}, error) {
		items, err := e.Repo.ListAdmissionTokens(ctx, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AdmissionToken{}
		}
		return &struct {
			Body []domain.AdmissionToken `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-token",
		Method:      http.MethodDelete,
		Path:        "/tokens/{token_id}",
		Summary:     "Revoke an admission token",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TokenID string `path:"token_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAdmissionToken(ctx, input.TokenID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// AccessLinkResponse carries a freshly minted guest access link.
type AccessLinkResponse struct {
	URL string `json:"url"`
}

func registerLinks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-link",
		Method:        http.MethodPost,
		Path:          "/links",
		Summary:       "Generate a guest access link",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AccessLinkResponse `json:"body"`
	}, error) {
		link, err := e.GenerateAccessLink(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccessLinkResponse `json:"body"`
		}{Body: AccessLinkResponse{URL: link}}, nil
	})
}

// CreateKeyRequest mints an operator API key.
type CreateKeyRequest struct {
	Operator string `json:"operator" minLength:"1"`
	Name     string `json:"name,omitempty" maxLength:"100"`
}

// CreateKeyResponse returns the plaintext key exactly once.
type CreateKeyResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateKeyRequest `json:"body"`
	}) (*struct {
		Body CreateKeyResponse `json:"body"`
	}, error) {
		id := uuid.New().String()
		plaintext := "bz_" + uuid.New().String()
		err := e.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
			ID:       id,
			Operator: input.Body.Operator,
			Name:     input.Body.Name,
			KeyHash:  repo.HashAPIKey(plaintext),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateKeyResponse `json:"body"`
		}{Body: CreateKeyResponse{ID: id, Key: plaintext}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		Operator string `query:"operator"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.Operator)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range items {
			items[i].KeyHash = ""
		}
		if items == nil {
			items = []domain.APIKey{}
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Delete API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(basePath+"/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-API-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Buzzline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-API-Key.
    </p>
  </body>
</html>`, specURL)
}
