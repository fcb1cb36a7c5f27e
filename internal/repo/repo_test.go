package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitpay/internal/db"
	"splitpay/internal/domain"
	"splitpay/internal/migrate"
	"splitpay/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func seedIntent(t *testing.T, r repo.Repo, id string) domain.PaymentIntent {
	t.Helper()
	p := domain.PaymentIntent{
		ID:                  id,
		MerchantID:          "m1",
		ProfileID:           "default",
		OrderAmount:         1000,
		Currency:            "USD",
		Status:              domain.StatusRequiresPaymentMethod,
		ActiveAttemptIDType: domain.AttemptIDTypeSingle,
		CreatedAt:           "2026-01-01T00:00:00Z",
		UpdatedAt:           "2026-01-01T00:00:00Z",
	}
	require.NoError(t, r.InsertIntent(context.Background(), p))
	return p
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	require.NoError(t, tx.Commit())
	return nil
}

func TestUpdateIntentTxSplitEnter(t *testing.T) {
	r := newTestRepo(t)
	p := seedIntent(t, r, "pay_cell0_a")
	ctx := context.Background()

	var updated domain.PaymentIntent
	err := inTx(t, r, func(tx *sql.Tx) error {
		var err error
		updated, err = r.UpdateIntentTx(ctx, tx, p, repo.SplitEnterUpdate("attgrp_cell0_g1"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSplitInProgress, updated.Status)
	require.NotNil(t, updated.ActiveAttemptsGroupID)
	assert.Equal(t, "attgrp_cell0_g1", *updated.ActiveAttemptsGroupID)
	assert.Equal(t, p.Revision+1, updated.Revision)

	got, err := r.GetIntent(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Status, got.Status)
	assert.Equal(t, updated.Revision, got.Revision)
}

func TestUpdateIntentTxStaleRevisionConflicts(t *testing.T) {
	r := newTestRepo(t)
	p := seedIntent(t, r, "pay_cell0_b")
	ctx := context.Background()

	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.UpdateIntentTx(ctx, tx, p, repo.StatusUpdate(domain.StatusSplitInProgress))
		return err
	}))

	// p still carries revision 0: the guarded update must lose
	err := inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.UpdateIntentTx(ctx, tx, p, repo.StatusUpdate(domain.StatusSucceeded))
		return err
	})
	assert.ErrorIs(t, err, repo.ErrConflict)
}

func TestUpdateIntentTxMissingRow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	ghost := domain.PaymentIntent{ID: "pay_cell0_ghost", Status: domain.StatusRequiresPaymentMethod}
	err := inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.UpdateIntentTx(ctx, tx, ghost, repo.StatusUpdate(domain.StatusSucceeded))
		return err
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAttemptLifecycle(t *testing.T) {
	r := newTestRepo(t)
	p := seedIntent(t, r, "pay_cell0_c")
	ctx := context.Background()

	first := domain.PaymentAttempt{
		ID:         "att_cell0_1",
		IntentID:   p.ID,
		GroupID:    "attgrp_cell0_g1",
		MethodType: domain.MethodCard,
		Amount:     600,
		Status:     domain.AttemptStarted,
		Connector:  "testpay",
		CreatedAt:  "2026-01-01T00:00:00Z",
		UpdatedAt:  "2026-01-01T00:00:00Z",
	}
	second := first
	second.ID = "att_cell0_2"
	second.MethodType = domain.MethodGiftCard
	second.MethodSubtype = "vanilla"
	second.Amount = 400
	require.NoError(t, r.InsertAttempt(ctx, first))
	require.NoError(t, r.InsertAttempt(ctx, second))

	txn := "txn-1"
	first.Status = domain.AttemptCharged
	first.ConnectorTransactionID = &txn
	first.UpdatedAt = "2026-01-01T00:00:01Z"
	require.NoError(t, r.FinalizeAttempt(ctx, first))

	items, err := r.ListAttempts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "att_cell0_1", items[0].ID)
	assert.Equal(t, domain.AttemptCharged, items[0].Status)
	require.NotNil(t, items[0].ConnectorTransactionID)
	assert.Equal(t, "txn-1", *items[0].ConnectorTransactionID)
	assert.Equal(t, "att_cell0_2", items[1].ID)
	assert.Equal(t, "vanilla", items[1].MethodSubtype)

	grouped, err := r.ListAttemptsByGroup(ctx, "attgrp_cell0_g1")
	require.NoError(t, err)
	assert.Len(t, grouped, 2)

	missing := first
	missing.ID = "att_cell0_none"
	assert.ErrorIs(t, r.FinalizeAttempt(ctx, missing), repo.ErrNotFound)
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	key := domain.APIKey{
		ID:         "key_1",
		MerchantID: "m1",
		Name:       "ci",
		KeyHash:    repo.HashAPIKey("sp_secret"),
		CreatedAt:  "2026-01-01T00:00:00Z",
	}
	require.NoError(t, r.InsertAPIKey(ctx, key))

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("sp_secret"))
	require.NoError(t, err)
	assert.Equal(t, "m1", got.MerchantID)

	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong"))
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, r.DeleteAPIKey(ctx, key.ID))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, key.ID), repo.ErrNotFound)
}

func TestListIntentsFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedIntent(t, r, "pay_cell0_x")
	other := domain.PaymentIntent{
		ID:                  "pay_cell0_y",
		MerchantID:          "m2",
		ProfileID:           "default",
		OrderAmount:         500,
		Currency:            "USD",
		Status:              domain.StatusSucceeded,
		ActiveAttemptIDType: domain.AttemptIDTypeSingle,
		CreatedAt:           "2026-01-02T00:00:00Z",
		UpdatedAt:           "2026-01-02T00:00:00Z",
	}
	require.NoError(t, r.InsertIntent(ctx, other))

	mine, err := r.ListIntents(ctx, repo.IntentFilters{MerchantID: "m1"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "pay_cell0_x", mine[0].ID)

	done, err := r.ListIntents(ctx, repo.IntentFilters{Status: string(domain.StatusSucceeded)})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "pay_cell0_y", done[0].ID)
}
