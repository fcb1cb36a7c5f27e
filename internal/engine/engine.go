package engine

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"splitpay/internal/apierr"
	"splitpay/internal/balance"
	"splitpay/internal/domain"
	"splitpay/internal/events"
	"splitpay/internal/pipeline"
	"splitpay/internal/repo"
	"splitpay/internal/split"
)

// Engine owns the payment-intent lifecycle. It allocates split legs, drives
// each leg through the authorize pipeline in order and finalizes intent
// status around the run.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Balances balance.Service
	Pipe     pipeline.Pipeline
	Logger   *zap.Logger
	CellID   string
	Now      func() time.Time
}

func New(db *sql.DB, balances balance.Service, pipe pipeline.Pipeline, cellID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db, Now: now},
		Balances: balances,
		Pipe:     pipe,
		Logger:   logger,
		CellID:   cellID,
		Now:      now,
	}
}

// SplitResult is the caller-facing outcome of one split run: the finalized
// intent plus the last leg's settlement result and timing metadata.
type SplitResult struct {
	Intent          domain.PaymentIntent
	AttemptsGroupID string
	ExecutedLegs    int
	LastAttempt     domain.PaymentAttempt
	Last            pipeline.Result
}

// CreateIntent persists a new payment intent in its initial status.
func (e *Engine) CreateIntent(ctx context.Context, merchantID, profileID string, orderAmount int64, currency, actorID string) (domain.PaymentIntent, error) {
	if merchantID == "" {
		return domain.PaymentIntent{}, apierr.MissingRequiredField("merchant_id")
	}
	if orderAmount <= 0 {
		return domain.PaymentIntent{}, apierr.InvalidRequestData("order_amount must be a positive minor-unit amount")
	}
	if len(currency) != 3 {
		return domain.PaymentIntent{}, apierr.InvalidRequestData("currency must be a 3-letter code")
	}
	now := e.Now().UTC().Format(time.RFC3339)
	intent := domain.PaymentIntent{
		ID:                  domain.NewIntentID(e.CellID),
		MerchantID:          merchantID,
		ProfileID:           profileID,
		OrderAmount:         orderAmount,
		Currency:            currency,
		Status:              domain.StatusRequiresPaymentMethod,
		ActiveAttemptIDType: domain.AttemptIDTypeSingle,
		Revision:            0,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentIntent{}, apierr.Internal("begin create intent", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO payment_intents(id,merchant_id,profile_id,order_amount,currency,status,active_attempt_id_type,active_attempts_group_id,revision,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,NULL,?,?,?)`,
		intent.ID, intent.MerchantID, intent.ProfileID, intent.OrderAmount, intent.Currency,
		string(intent.Status), string(intent.ActiveAttemptIDType), intent.Revision, intent.CreatedAt, intent.UpdatedAt); err != nil {
		return domain.PaymentIntent{}, apierr.Internal("insert intent", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeIntentCreated, intent.ID, "payment_intent", intent.ID, actorID, events.EventPayload{
		"order_amount": intent.OrderAmount,
		"currency":     intent.Currency,
	}); err != nil {
		return domain.PaymentIntent{}, apierr.Internal("record intent event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.PaymentIntent{}, apierr.Internal("commit create intent", err)
	}
	return intent, nil
}

// GetIntent loads one intent by id.
func (e *Engine) GetIntent(ctx context.Context, id string) (domain.PaymentIntent, error) {
	p, err := e.Repo.GetIntent(ctx, id)
	if err != nil {
		return p, mapStoreErr(err, "payment intent not found")
	}
	return p, nil
}

// ListIntents pages intents for a merchant.
func (e *Engine) ListIntents(ctx context.Context, f repo.IntentFilters) ([]domain.PaymentIntent, error) {
	res, err := e.Repo.ListIntents(ctx, f)
	if err != nil {
		return nil, apierr.Internal("list intents", err)
	}
	return res, nil
}

// ListAttempts returns an intent's attempts in execution order.
func (e *Engine) ListAttempts(ctx context.Context, intentID string) ([]domain.PaymentAttempt, error) {
	if _, err := e.Repo.GetIntent(ctx, intentID); err != nil {
		return nil, mapStoreErr(err, "payment intent not found")
	}
	res, err := e.Repo.ListAttempts(ctx, intentID)
	if err != nil {
		return nil, apierr.Internal("list attempts", err)
	}
	return res, nil
}

// SeedBalance records a stored-value balance for an intent so a later split
// run can allocate against it.
func (e *Engine) SeedBalance(ctx context.Context, intentID string, key domain.BalanceKey, rec domain.BalanceRecord, actorID string) error {
	if _, err := e.Repo.GetIntent(ctx, intentID); err != nil {
		return mapStoreErr(err, "payment intent not found")
	}
	if rec.Balance < 0 {
		return apierr.InvalidRequestData("balance must not be negative")
	}
	if err := e.Balances.SetBalance(ctx, intentID, key, rec); err != nil {
		return apierr.Internal("store balance", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return apierr.Internal("begin balance event", err)
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TypeBalanceSeeded, intentID, "balance", key.MethodKey, actorID, events.EventPayload{
		"method_type":    key.MethodType,
		"method_subtype": key.MethodSubtype,
		"balance":        rec.Balance,
	}); err != nil {
		return apierr.Internal("record balance event", err)
	}
	if err := tx.Commit(); err != nil {
		return apierr.Internal("commit balance event", err)
	}
	return nil
}

// ExecuteSplit runs the split state machine for one intent: enter split with
// a fresh attempt group, allocate legs against live balances, execute each
// leg through the authorize pipeline in order and finalize the intent.
//
// Execution is best-effort and non-transactional across legs: a mid-loop
// failure aborts immediately, already-settled legs are not reversed and the
// intent stays in split_in_progress for out-of-band reconciliation.
func (e *Engine) ExecuteSplit(ctx context.Context, intentID string, req domain.ConfirmSplitRequest, actorID string) (SplitResult, error) {
	intent, err := e.Repo.GetIntent(ctx, intentID)
	if err != nil {
		return SplitResult{}, mapStoreErr(err, "payment intent not found")
	}
	profile, err := e.Repo.GetProfile(ctx, intent.MerchantID, intent.ProfileID)
	if err != nil {
		return SplitResult{}, mapStoreErr(err, "profile not found for intent")
	}

	groupID := domain.NewAttemptGroupID(e.CellID)
	intent, err = e.transition(ctx, intent, repo.SplitEnterUpdate(groupID), events.TypeSplitEntered, actorID, events.EventPayload{
		"attempts_group_id": groupID,
	})
	if err != nil {
		return SplitResult{}, err
	}
	e.Logger.Info("split entered",
		zap.String("intent_id", intent.ID),
		zap.String("attempts_group_id", groupID))

	legs, err := split.Allocate(ctx, e.Balances, intent.ID, req, intent.OrderAmount)
	if err != nil {
		// Intent stays in split_in_progress; see the contract note above.
		return SplitResult{}, err
	}
	if len(legs) == 0 {
		return SplitResult{}, apierr.Internal("split allocation produced no executable legs", nil)
	}

	res := SplitResult{AttemptsGroupID: groupID}
	for i, leg := range legs {
		tracker, err := e.Pipe.GetTrackers(ctx, intent, profile, groupID, leg)
		if err != nil {
			return SplitResult{}, err
		}
		legRes, err := e.Pipe.Run(ctx, tracker, pipeline.TriggerMerchant)
		if err != nil {
			return SplitResult{}, err
		}
		intent, err = e.transition(ctx, intent, repo.StatusUpdate(domain.StatusRequiresPaymentMethod), events.TypeSplitLegDone, actorID, events.EventPayload{
			"attempt_id":        tracker.Attempt.ID,
			"attempts_group_id": groupID,
			"leg_index":         i,
			"amount":            leg.Amount,
			"method_type":       leg.Method.Kind(),
			"status":            legRes.Status,
		})
		if err != nil {
			return SplitResult{}, err
		}
		res.ExecutedLegs++
		res.LastAttempt = tracker.Attempt
		res.LastAttempt.Status = legRes.Status
		if legRes.ConnectorTransactionID != "" {
			txnID := legRes.ConnectorTransactionID
			res.LastAttempt.ConnectorTransactionID = &txnID
		}
		res.Last = legRes
	}

	intent, err = e.transition(ctx, intent, repo.StatusUpdate(domain.StatusSucceeded), events.TypeSplitSucceeded, actorID, events.EventPayload{
		"attempts_group_id": groupID,
		"legs":              res.ExecutedLegs,
	})
	if err != nil {
		return SplitResult{}, err
	}
	e.Logger.Info("split succeeded",
		zap.String("intent_id", intent.ID),
		zap.String("attempts_group_id", groupID),
		zap.Int("legs", res.ExecutedLegs))
	res.Intent = intent
	return res, nil
}

// transition applies one guarded status update and its audit event in a
// single transaction.
func (e *Engine) transition(ctx context.Context, intent domain.PaymentIntent, update repo.IntentUpdate, evtType, actorID string, payload events.EventPayload) (domain.PaymentIntent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return intent, apierr.Internal("begin intent update", err)
	}
	defer tx.Rollback()
	updated, err := e.Repo.UpdateIntentTx(ctx, tx, intent, update)
	if err != nil {
		return intent, mapStoreErr(err, "payment intent not found")
	}
	if err := e.Events.Append(ctx, tx, evtType, intent.ID, "payment_intent", intent.ID, actorID, payload); err != nil {
		return intent, apierr.Internal("record intent event", err)
	}
	if err := tx.Commit(); err != nil {
		return intent, apierr.Internal("commit intent update", err)
	}
	return updated, nil
}

func mapStoreErr(err error, notFoundMsg string) error {
	switch err {
	case repo.ErrNotFound:
		return apierr.NotFound(notFoundMsg)
	case repo.ErrConflict:
		return apierr.Conflict("payment intent was modified concurrently")
	default:
		return apierr.Internal("intent store failure", err)
	}
}
