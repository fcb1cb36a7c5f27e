package repo

import (
	"context"
	"database/sql"
	"time"

	"splitpay/internal/domain"
)

func (r Repo) UpsertProfile(ctx context.Context, p domain.Profile) error {
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO profiles(id,merchant_id,connector,created_at) VALUES (?,?,?,?)
ON CONFLICT(merchant_id,id) DO UPDATE SET connector=excluded.connector`, p.ID, p.MerchantID, p.Connector, p.CreatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, merchantID, id string) (domain.Profile, error) {
	var p domain.Profile
	err := r.DB.QueryRowContext(ctx, `SELECT id,merchant_id,connector,created_at FROM profiles WHERE merchant_id=? AND id=?`, merchantID, id).
		Scan(&p.ID, &p.MerchantID, &p.Connector, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProfiles(ctx context.Context, merchantID string) ([]domain.Profile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,merchant_id,connector,created_at FROM profiles WHERE merchant_id=? ORDER BY created_at DESC`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Profile
	for rows.Next() {
		var p domain.Profile
		if err := rows.Scan(&p.ID, &p.MerchantID, &p.Connector, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
