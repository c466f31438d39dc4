package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"buzzline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const instanceColumns = `id,call_sid,generation,status,state,outcome,COALESCE(payload_json,''),deadline,created_at,updated_at`

func scanInstance(scan func(dest ...any) error) (domain.WorkflowInstance, error) {
	var in domain.WorkflowInstance
	var outcome, deadline sql.NullString
	err := scan(&in.ID, &in.CallSID, &in.Generation, &in.Status, &in.State, &outcome, &in.PayloadJSON, &deadline, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	if outcome.Valid {
		in.Outcome = &outcome.String
	}
	if deadline.Valid {
		in.Deadline = &deadline.String
	}
	return in, nil
}

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, in domain.WorkflowInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_instances(id,call_sid,generation,status,state,outcome,payload_json,deadline,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.CallSID, in.Generation, in.Status, in.State, nullableStringPtr(in.Outcome), nullable(in.PayloadJSON), nullableStringPtr(in.Deadline), in.CreatedAt, in.UpdatedAt)
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

// ListRunning returns every instance currently marked running, oldest first.
func (r Repo) ListRunning(ctx context.Context) ([]domain.WorkflowInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE status=? ORDER BY generation ASC`, domain.InstanceRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		in, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) ListInstances(ctx context.Context, limit int) ([]domain.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances ORDER BY generation DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		in, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// NextGeneration reserves the next generation number.
func (r Repo) NextGeneration(ctx context.Context, tx *sql.Tx) (int64, error) {
	var gen sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(generation) FROM workflow_instances`).Scan(&gen); err != nil {
		return 0, err
	}
	return gen.Int64 + 1, nil
}

// UpdateInstanceState persists a workflow state transition.
func (r Repo) UpdateInstanceState(ctx context.Context, id, state, payloadJSON string, deadline *string, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workflow_instances SET state=?, payload_json=?, deadline=?, updated_at=? WHERE id=?`,
		state, nullable(payloadJSON), nullableStringPtr(deadline), now, id)
	return err
}

// ResolveInstance marks the instance resolved with its terminal outcome.
func (r Repo) ResolveInstance(ctx context.Context, id string, outcome domain.Outcome, payloadJSON, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workflow_instances SET status=?, state=?, outcome=?, payload_json=?, updated_at=? WHERE id=?`,
		domain.InstanceCompleted, domain.StateResolved, string(outcome), nullable(payloadJSON), now, id)
	return err
}

// TerminateRunning marks every running instance terminated and returns the
// number of rows affected.
func (r Repo) TerminateRunning(ctx context.Context, tx *sql.Tx, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET status=?, updated_at=? WHERE status=?`,
		domain.InstanceTerminated, now, domain.InstanceRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TerminateInstance marks one instance terminated.
func (r Repo) TerminateInstance(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workflow_instances SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.InstanceTerminated, now, id, domain.InstanceRunning)
	return err
}

// --- admission tokens ---

func (r Repo) InsertAdmissionToken(ctx context.Context, tx *sql.Tx, tok domain.AdmissionToken) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO admission_tokens(id,note,created_at,expires_at) VALUES (?,?,?,?)`,
		tok.ID, nullable(tok.Note), tok.CreatedAt, tok.ExpiresAt)
	return err
}

// TakeAdmissionToken atomically claims and deletes one live token. A single
// DELETE..RETURNING keeps concurrent claimants from both observing the same
// token; expired rows are never returned.
func (r Repo) TakeAdmissionToken(ctx context.Context, now time.Time) (string, error) {
	cutoff := now.UTC().Format(time.RFC3339)
	var id string
	err := r.DB.QueryRowContext(ctx, `DELETE FROM admission_tokens WHERE id=(
		SELECT id FROM admission_tokens WHERE expires_at > ? ORDER BY created_at ASC LIMIT 1
	) RETURNING id`, cutoff).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListAdmissionTokens returns live tokens only.
func (r Repo) ListAdmissionTokens(ctx context.Context, now time.Time) ([]domain.AdmissionToken, error) {
	cutoff := now.UTC().Format(time.RFC3339)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(note,''),created_at,expires_at FROM admission_tokens WHERE expires_at > ? ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AdmissionToken
	for rows.Next() {
		var t domain.AdmissionToken
		if err := rows.Scan(&t.ID, &t.Note, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAdmissionToken(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM admission_tokens WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpiredTokens removes dead rows. Correctness never depends on it.
func (r Repo) SweepExpiredTokens(ctx context.Context, now time.Time) error {
	cutoff := now.UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM admission_tokens WHERE expires_at <= ?`, cutoff); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM access_tokens WHERE expires_at <= ?`, cutoff)
	return err
}

// --- access tokens ---

func (r Repo) InsertAccessToken(ctx context.Context, tx *sql.Tx, tok domain.AccessToken) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO access_tokens(id,created_at,expires_at) VALUES (?,?,?)`,
		tok.ID, tok.CreatedAt, tok.ExpiresAt)
	return err
}

// RedeemAccessToken consumes a live access token by id, at most once.
func (r Repo) RedeemAccessToken(ctx context.Context, id string, now time.Time) error {
	cutoff := now.UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `DELETE FROM access_tokens WHERE id=? AND expires_at > ?`, id, cutoff)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events ---

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CallSID, &e.EntityKind, &e.EntityID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,COALESCE(call_sid,''),entity_kind,COALESCE(entity_id,''),actor,payload_json`

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, callSID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	var (
		clauses []string
		args    []any
	)
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if callSID != "" {
		clauses = append(clauses, "call_sid=?")
		args = append(args, callSID)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with id greater than cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
