package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"splitpay/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update loses the revision
	// check against a concurrent writer.
	ErrConflict = errors.New("concurrent modification")
)

// IntentUpdateKind tags the allowed persisted status updates. Free-form field
// writes are not part of the store contract.
type IntentUpdateKind string

const (
	UpdateSplitEnter IntentUpdateKind = "split_enter"
	UpdateSetStatus  IntentUpdateKind = "set_status"
)

type IntentUpdate struct {
	Kind    IntentUpdateKind
	Status  domain.IntentStatus
	GroupID string
}

// SplitEnterUpdate moves the intent into split execution, stamping a fresh
// attempt-group id and single-attempt reference mode.
func SplitEnterUpdate(groupID string) IntentUpdate {
	return IntentUpdate{Kind: UpdateSplitEnter, Status: domain.StatusSplitInProgress, GroupID: groupID}
}

// StatusUpdate sets the intent status only.
func StatusUpdate(status domain.IntentStatus) IntentUpdate {
	return IntentUpdate{Kind: UpdateSetStatus, Status: status}
}

func (r Repo) InsertIntent(ctx context.Context, p domain.PaymentIntent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO payment_intents(id,merchant_id,profile_id,order_amount,currency,status,active_attempt_id_type,active_attempts_group_id,revision,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.MerchantID, p.ProfileID, p.OrderAmount, p.Currency, string(p.Status), string(p.ActiveAttemptIDType),
		nullableStringPtr(p.ActiveAttemptsGroupID), p.Revision, p.CreatedAt, p.UpdatedAt)
	return err
}

const intentColumns = `id,merchant_id,profile_id,order_amount,currency,status,active_attempt_id_type,active_attempts_group_id,revision,created_at,updated_at`

func scanIntent(row *sql.Row) (domain.PaymentIntent, error) {
	var p domain.PaymentIntent
	var status, idType string
	var groupID sql.NullString
	err := row.Scan(&p.ID, &p.MerchantID, &p.ProfileID, &p.OrderAmount, &p.Currency, &status, &idType, &groupID, &p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.IntentStatus(status)
	p.ActiveAttemptIDType = domain.AttemptIDType(idType)
	if groupID.Valid {
		p.ActiveAttemptsGroupID = &groupID.String
	}
	return p, nil
}

func (r Repo) GetIntent(ctx context.Context, id string) (domain.PaymentIntent, error) {
	return scanIntent(r.DB.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id=?`, id))
}

func (r Repo) GetIntentTx(ctx context.Context, tx *sql.Tx, id string) (domain.PaymentIntent, error) {
	return scanIntent(tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id=?`, id))
}

type IntentFilters struct {
	MerchantID      string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListIntents(ctx context.Context, f IntentFilters) ([]domain.PaymentIntent, error) {
	var clauses []string
	var args []any
	if f.MerchantID != "" {
		clauses = append(clauses, "merchant_id=?")
		args = append(args, f.MerchantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + intentColumns + ` FROM payment_intents ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentIntent
	for rows.Next() {
		var p domain.PaymentIntent
		var status, idType string
		var groupID sql.NullString
		if err := rows.Scan(&p.ID, &p.MerchantID, &p.ProfileID, &p.OrderAmount, &p.Currency, &status, &idType, &groupID, &p.Revision, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = domain.IntentStatus(status)
		p.ActiveAttemptIDType = domain.AttemptIDType(idType)
		if groupID.Valid {
			p.ActiveAttemptsGroupID = &groupID.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateIntentTx applies a tagged status update guarded by the revision the
// caller read. Losing the revision check against a live row yields
// ErrConflict; a vanished row yields ErrNotFound. The returned intent carries
// the bumped revision.
func (r Repo) UpdateIntentTx(ctx context.Context, tx *sql.Tx, p domain.PaymentIntent, update IntentUpdate) (domain.PaymentIntent, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	var (
		res sql.Result
		err error
	)
	switch update.Kind {
	case UpdateSplitEnter:
		res, err = tx.ExecContext(ctx, `UPDATE payment_intents SET status=?, active_attempt_id_type=?, active_attempts_group_id=?, revision=revision+1, updated_at=? WHERE id=? AND revision=?`,
			string(update.Status), string(domain.AttemptIDTypeSingle), update.GroupID, now, p.ID, p.Revision)
	case UpdateSetStatus:
		res, err = tx.ExecContext(ctx, `UPDATE payment_intents SET status=?, revision=revision+1, updated_at=? WHERE id=? AND revision=?`,
			string(update.Status), now, p.ID, p.Revision)
	default:
		return p, fmt.Errorf("unknown intent update kind %q", update.Kind)
	}
	if err != nil {
		return p, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return p, err
	}
	if affected == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM payment_intents WHERE id=?`, p.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		if err != nil {
			return p, err
		}
		return p, ErrConflict
	}
	p.Status = update.Status
	if update.Kind == UpdateSplitEnter {
		p.ActiveAttemptIDType = domain.AttemptIDTypeSingle
		groupID := update.GroupID
		p.ActiveAttemptsGroupID = &groupID
	}
	p.Revision++
	p.UpdatedAt = now
	return p, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
