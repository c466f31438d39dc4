// Package engine ties the admission gate, the workflow registry and the
// chat collaborator together behind the webhook and CLI entry points.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"buzzline/internal/config"
	"buzzline/internal/domain"
	"buzzline/internal/events"
	"buzzline/internal/gate"
	"buzzline/internal/registry"
	"buzzline/internal/repo"
)

// Chat is the slice of the chat collaborator the engine consumes directly;
// prompt and result messaging belong to the workflow and dispatcher.
type Chat interface {
	ParseIncoming(raw []byte) (domain.Outcome, domain.OutcomePayload, error)
	SendAccessLink(ctx context.Context, link string) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Gate     gate.Gate
	Registry *registry.Registry
	Chat     Chat
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *registry.Registry, chat Chat) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Gate:     gate.New(r, events.Writer{DB: db}),
		Registry: reg,
		Chat:     chat,
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// HandleIntake starts a fresh exclusive workflow for an incoming call and
// returns the new instance id. Any prior running workflow is terminated
// first; a failure here is retryable by the voice backend.
func (e Engine) HandleIntake(ctx context.Context, callSID string) (string, error) {
	if strings.TrimSpace(callSID) == "" {
		return "", errors.New("call sid required")
	}
	if err := e.Events.Record(ctx, "call.received", callSID, "call", callSID, "caller", nil); err != nil {
		return "", err
	}
	return e.Registry.StartExclusive(ctx, callSID)
}

// HandleCallCompleted delivers the external hang-up signal to the active
// workflow. No active workflow is a benign race.
func (e Engine) HandleCallCompleted(ctx context.Context, callSID string) error {
	if err := e.Events.Record(ctx, "call.completed", callSID, "call", callSID, "caller", nil); err != nil {
		return err
	}
	_, err := e.Registry.DeliverToActive(ctx, domain.OutcomeCompleted, domain.OutcomePayload{})
	return err
}

// HandleChatUpdate classifies one raw chat update and acts on it. The
// returned outcome is what the update classified as; noop means the input
// carried no actionable meaning and was dropped.
func (e Engine) HandleChatUpdate(ctx context.Context, raw []byte) (domain.Outcome, error) {
	outcome, payload, err := e.Chat.ParseIncoming(raw)
	if err != nil {
		return domain.OutcomeNoop, err
	}

	switch outcome {
	case domain.OutcomeApproved, domain.OutcomeRejected:
		delivered, err := e.Registry.DeliverToActive(ctx, outcome, payload)
		if err != nil {
			return outcome, err
		}
		if err := e.Events.Record(ctx, "chat.decision", "", "workflow", "", payload.ApproverName, events.EventPayload{
			"outcome":   string(outcome),
			"delivered": delivered,
		}); err != nil {
			return outcome, err
		}
		return outcome, nil

	case domain.OutcomeScheduleApproval:
		ttl := payload.ScheduleTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		if _, err := e.Gate.CreateSlot(ctx, ttl, "scheduled via chat"); err != nil {
			return outcome, err
		}
		return outcome, nil

	case domain.OutcomeGenerateAccessLink:
		if _, err := e.GenerateAccessLink(ctx); err != nil {
			return outcome, err
		}
		return outcome, nil

	default:
		log.Printf("engine: dropping %s chat update", outcome)
		return domain.OutcomeNoop, nil
	}
}

// GenerateAccessLink mints a single-use access token and posts its link to
// the approver chat.
func (e Engine) GenerateAccessLink(ctx context.Context) (string, error) {
	now := e.now().UTC()
	tok := domain.AccessToken{
		ID:        uuid.New().String(),
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(e.Config.AccessLinkTTL()).Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAccessToken(ctx, tx, tok); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "link.created", "", "access_token", tok.ID, "system", events.EventPayload{
		"expires_at": tok.ExpiresAt,
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	link := e.AccessLinkURL(tok.ID)
	if e.Chat != nil {
		if err := e.Chat.SendAccessLink(ctx, link); err != nil {
			return link, fmt.Errorf("post access link: %w", err)
		}
	}
	return link, nil
}

// AccessLinkURL renders the public redemption URL for an access token.
func (e Engine) AccessLinkURL(tokenID string) string {
	base := strings.TrimSuffix(e.Config.Server.PublicURL, "/")
	return base + path.Join("/", e.Config.Server.BasePath, "hooks", "access") + "?token=" + tokenID
}

// RedeemAccessToken consumes a live access token and opens a short
// admission slot so the guest's next buzz auto-approves. Returns
// repo.ErrNotFound for unknown, expired or already-used tokens.
func (e Engine) RedeemAccessToken(ctx context.Context, tokenID string) error {
	if err := e.Repo.RedeemAccessToken(ctx, tokenID, e.now()); err != nil {
		return err
	}
	if _, err := e.Gate.CreateSlot(ctx, e.Config.AccessSlotTTL(), "access link"); err != nil {
		return err
	}
	return e.Events.Record(ctx, "link.redeemed", "", "access_token", tokenID, "guest", nil)
}

// ScheduleApproval opens an admission slot for the next call within ttl.
func (e Engine) ScheduleApproval(ctx context.Context, ttl time.Duration, note string) (domain.AdmissionToken, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return e.Gate.CreateSlot(ctx, ttl, note)
}
