package repo

import (
	"context"
	"database/sql"

	"splitpay/internal/domain"
)

const attemptColumns = `id,intent_id,group_id,method_type,method_subtype,amount,status,connector,connector_transaction_id,error_message,created_at,updated_at`

func (r Repo) InsertAttempt(ctx context.Context, a domain.PaymentAttempt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO payment_attempts(`+attemptColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.IntentID, a.GroupID, string(a.MethodType), nullable(a.MethodSubtype), a.Amount, string(a.Status),
		nullable(a.Connector), nullableStringPtr(a.ConnectorTransactionID), nullableStringPtr(a.ErrorMessage),
		a.CreatedAt, a.UpdatedAt)
	return err
}

// FinalizeAttempt records the connector outcome for an attempt.
func (r Repo) FinalizeAttempt(ctx context.Context, a domain.PaymentAttempt) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE payment_attempts SET status=?, connector=?, connector_transaction_id=?, error_message=?, updated_at=? WHERE id=?`,
		string(a.Status), nullable(a.Connector), nullableStringPtr(a.ConnectorTransactionID), nullableStringPtr(a.ErrorMessage), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAttempt(scan func(dest ...any) error) (domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	var methodType string
	var status string
	var subtype, connector, connTxnID, errMsg sql.NullString
	err := scan(&a.ID, &a.IntentID, &a.GroupID, &methodType, &subtype, &a.Amount, &status, &connector, &connTxnID, &errMsg, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.MethodType = domain.MethodType(methodType)
	a.Status = domain.AttemptStatus(status)
	if subtype.Valid {
		a.MethodSubtype = subtype.String
	}
	if connector.Valid {
		a.Connector = connector.String
	}
	if connTxnID.Valid {
		a.ConnectorTransactionID = &connTxnID.String
	}
	if errMsg.Valid {
		a.ErrorMessage = &errMsg.String
	}
	return a, nil
}

func (r Repo) GetAttempt(ctx context.Context, id string) (domain.PaymentAttempt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id=?`, id)
	a, err := scanAttempt(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// ListAttempts returns attempts for an intent in execution order.
func (r Repo) ListAttempts(ctx context.Context, intentID string) ([]domain.PaymentAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE intent_id=? ORDER BY rowid ASC`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListAttemptsByGroup returns all attempts created under one split run.
func (r Repo) ListAttemptsByGroup(ctx context.Context, groupID string) ([]domain.PaymentAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE group_id=? ORDER BY rowid ASC`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
