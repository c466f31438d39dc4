package gate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"buzzline/internal/domain"
	"buzzline/internal/events"
	"buzzline/internal/repo"
)

// Gate is the single-slot admission gate. A slot is an AdmissionToken with
// a TTL; consuming one pre-approves the approval request that claimed it.
type Gate struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(r repo.Repo, w events.Writer) Gate {
	return Gate{Repo: r, Events: w, Now: time.Now}
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// TryConsumeSlot atomically claims and removes one live admission token.
// Returns true when a slot was consumed. Expired tokens behave exactly like
// absent ones; the store enforces TTL at read time.
func (g Gate) TryConsumeSlot(ctx context.Context) (bool, error) {
	id, err := g.Repo.TakeAdmissionToken(ctx, g.now())
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := g.Events.Record(ctx, "token.consumed", "", "admission_token", id, "system", nil); err != nil {
		return true, err
	}
	return true, nil
}

// CreateSlot stores a new admission token valid for ttl.
func (g Gate) CreateSlot(ctx context.Context, ttl time.Duration, note string) (domain.AdmissionToken, error) {
	now := g.now().UTC()
	tok := domain.AdmissionToken{
		ID:        uuid.New().String(),
		Note:      note,
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(ttl).Format(time.RFC3339),
	}
	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AdmissionToken{}, err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertAdmissionToken(ctx, tx, tok); err != nil {
		return domain.AdmissionToken{}, err
	}
	if err := g.Events.Append(ctx, tx, "token.created", "", "admission_token", tok.ID, "system", events.EventPayload{
		"expires_at": tok.ExpiresAt,
		"note":       note,
	}); err != nil {
		return domain.AdmissionToken{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AdmissionToken{}, err
	}
	return tok, nil
}
