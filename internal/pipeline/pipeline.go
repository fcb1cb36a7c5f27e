package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"splitpay/internal/apierr"
	"splitpay/internal/connector"
	"splitpay/internal/domain"
	"splitpay/internal/repo"
)

// ActionTrigger names who initiated the authorize run.
type ActionTrigger string

const (
	TriggerMerchant ActionTrigger = "merchant"
	TriggerInternal ActionTrigger = "internal"
)

// Tracker carries one attempt through its authorize round trip. The attempt
// row is already persisted when a Tracker is handed to Run.
type Tracker struct {
	Intent  domain.PaymentIntent
	Profile domain.Profile
	Attempt domain.PaymentAttempt
	Leg     domain.Leg
}

// Result is the outcome of one authorize run.
type Result struct {
	Status                 domain.AttemptStatus
	ConnectorTransactionID string
	HTTPStatus             *int
	ExternalLatency        *time.Duration
	ConnectorMetadata      map[string]any
	ErrorMessage           string
}

// Pipeline prepares and executes a single payment attempt.
type Pipeline interface {
	GetTrackers(ctx context.Context, intent domain.PaymentIntent, profile domain.Profile, groupID string, leg domain.Leg) (Tracker, error)
	Run(ctx context.Context, t Tracker, trigger ActionTrigger) (Result, error)
}

// Executor persists attempt rows and calls the profile's connector.
type Executor struct {
	Repo       repo.Repo
	Connectors connector.Registry
	Logger     *zap.Logger
	Now        func() time.Time
}

func NewExecutor(r repo.Repo, reg connector.Registry, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{Repo: r, Connectors: reg, Logger: logger, Now: time.Now}
}

func (e *Executor) GetTrackers(ctx context.Context, intent domain.PaymentIntent, profile domain.Profile, groupID string, leg domain.Leg) (Tracker, error) {
	now := e.Now().UTC().Format(time.RFC3339)
	attempt := domain.PaymentAttempt{
		ID:            domain.NewAttemptID(cellOf(intent.ID)),
		IntentID:      intent.ID,
		GroupID:       groupID,
		MethodType:    leg.Method.Kind(),
		MethodSubtype: methodSubtype(leg.Method),
		Amount:        leg.Amount,
		Status:        domain.AttemptStarted,
		Connector:     profile.Connector,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertAttempt(ctx, attempt); err != nil {
		return Tracker{}, apierr.Internal("record payment attempt", err)
	}
	return Tracker{Intent: intent, Profile: profile, Attempt: attempt, Leg: leg}, nil
}

func (e *Executor) Run(ctx context.Context, t Tracker, trigger ActionTrigger) (Result, error) {
	conn, ok := e.Connectors.Get(t.Profile.Connector)
	if !ok {
		res := Result{Status: domain.AttemptFailure, ErrorMessage: "connector not configured: " + t.Profile.Connector}
		e.finalize(ctx, t, res)
		return res, apierr.Internal(res.ErrorMessage, nil)
	}

	start := e.Now()
	resp, httpStatus, err := conn.Authorize(ctx, connector.AuthorizeRequest{
		AttemptID:  t.Attempt.ID,
		IntentID:   t.Intent.ID,
		Amount:     t.Leg.Amount,
		Currency:   t.Intent.Currency,
		MethodType: t.Leg.Method.Kind(),
		Method:     t.Leg.Method,
	})
	latency := e.Now().Sub(start)

	res := Result{ExternalLatency: &latency}
	if httpStatus != 0 {
		res.HTTPStatus = &httpStatus
	}
	if err != nil {
		res.Status = domain.AttemptFailure
		res.ErrorMessage = err.Error()
		e.finalize(ctx, t, res)
		e.Logger.Warn("authorize failed",
			zap.String("attempt_id", t.Attempt.ID),
			zap.String("connector", conn.Name()),
			zap.Error(err))
		return res, err
	}

	res.ConnectorTransactionID = resp.TransactionID
	res.ConnectorMetadata = resp.Metadata
	switch resp.Status {
	case connector.StatusCharged:
		res.Status = domain.AttemptCharged
	default:
		res.Status = domain.AttemptFailure
		res.ErrorMessage = "connector declined: " + resp.Status
	}
	e.finalize(ctx, t, res)
	e.Logger.Info("authorize completed",
		zap.String("attempt_id", t.Attempt.ID),
		zap.String("connector", conn.Name()),
		zap.String("status", string(res.Status)),
		zap.Duration("external_latency", latency))
	if res.Status == domain.AttemptFailure {
		return res, apierr.Internal(res.ErrorMessage, nil)
	}
	return res, nil
}

func (e *Executor) finalize(ctx context.Context, t Tracker, res Result) {
	a := t.Attempt
	a.Status = res.Status
	if res.ConnectorTransactionID != "" {
		a.ConnectorTransactionID = &res.ConnectorTransactionID
	}
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		a.ErrorMessage = &msg
	}
	a.UpdatedAt = e.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.FinalizeAttempt(ctx, a); err != nil {
		e.Logger.Error("finalize attempt", zap.String("attempt_id", t.Attempt.ID), zap.Error(err))
	}
}

func methodSubtype(m domain.PaymentMethodData) string {
	if m.GiftCard != nil {
		return m.GiftCard.Provider
	}
	return ""
}

// cellOf extracts the cell segment from a kind_cell_hex id so attempts share
// their intent's cell.
func cellOf(intentID string) string {
	parts := strings.SplitN(intentID, "_", 3)
	if len(parts) == 3 {
		return parts[1]
	}
	return ""
}
