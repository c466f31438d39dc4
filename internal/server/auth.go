package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"buzzline/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// AllowInsecureOperatorHeader accepts a bare X-Operator header instead
	// of credentials. Development only.
	AllowInsecureOperatorHeader bool
	Logger                      *log.Logger
}

type Principal struct {
	Operator string
	Source   string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{Operator: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Principal{}, errors.New("unknown api key")
		}
		return Principal{}, err
	}
	return Principal{Operator: apiKey.Operator, Source: "api_key"}, nil
}

// publicPath reports whether p is reachable without operator credentials:
// health, docs and the channel webhooks, which authenticate with
// channel-native validation instead.
func publicPath(basePath, p string) bool {
	switch p {
	case basePath + "/health", basePath + "/docs", basePath + "/openapi.json", basePath + "/openapi.yaml":
		return true
	}
	return strings.HasPrefix(p, basePath+"/hooks/")
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if publicPath(basePath, req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}

			var (
				p   Principal
				err error
			)
			switch {
			case strings.HasPrefix(req.Header.Get("Authorization"), "Bearer "):
				token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
				p, err = authenticateJWT(token, cfg.JWTSecret)
			case req.Header.Get("X-API-Key") != "":
				p, err = authenticateAPIKey(req.Context(), r, req.Header.Get("X-API-Key"))
			case cfg.AllowInsecureOperatorHeader && req.Header.Get("X-Operator") != "":
				p = Principal{Operator: req.Header.Get("X-Operator"), Source: "header"}
			default:
				err = errors.New("credentials required")
			}
			if err != nil {
				cfg.logger().Printf("auth: rejected %s %s: %v", req.Method, req.URL.Path, err)
				writeAuthError(w)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    "unauthorized",
			"message": "authentication required",
		},
	})
}
