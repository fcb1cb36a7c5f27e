package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"splitpay/internal/apierr"
	"splitpay/internal/balance"
	"splitpay/internal/connector"
	"splitpay/internal/db"
	"splitpay/internal/domain"
	"splitpay/internal/engine"
	"splitpay/internal/migrate"
	"splitpay/internal/pipeline"
	"splitpay/internal/repo"
)

type stubConnector struct {
	name   string
	calls  int
	failOn int // 1-based call index that declines; 0 = never
}

func (s *stubConnector) Name() string { return s.name }

func (s *stubConnector) Authorize(ctx context.Context, req connector.AuthorizeRequest) (connector.AuthorizeResponse, int, error) {
	s.calls++
	if s.failOn > 0 && s.calls == s.failOn {
		return connector.AuthorizeResponse{Status: connector.StatusFailure}, 402, nil
	}
	return connector.AuthorizeResponse{
		TransactionID: fmt.Sprintf("txn-%d", s.calls),
		Status:        connector.StatusCharged,
	}, 200, nil
}

type testEnv struct {
	Engine    *engine.Engine
	Balances  balance.Service
	Connector *stubConnector
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stub := &stubConnector{name: "testpay"}
	balances := balance.NewMemory()
	r := repo.Repo{DB: conn}
	exec := pipeline.NewExecutor(r, connector.Registry{"testpay": stub}, nil)
	eng := engine.New(conn, balances, exec, "cell0", nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := r.UpsertProfile(ctx, domain.Profile{
		ID:         "default",
		MerchantID: "m1",
		Connector:  "testpay",
		CreatedAt:  "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	return testEnv{Engine: eng, Balances: balances, Connector: stub, Ctx: ctx}
}

func (env testEnv) createIntent(t *testing.T, amount int64) domain.PaymentIntent {
	t.Helper()
	p, err := env.Engine.CreateIntent(env.Ctx, "m1", "default", amount, "USD", "tester")
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return p
}

func (env testEnv) seedGiftCard(t *testing.T, intentID, provider, number string, amount int64) domain.GiftCardData {
	t.Helper()
	gc := domain.GiftCardData{Provider: provider, Number: number}
	key, err := gc.UniqueKey()
	if err != nil {
		t.Fatalf("unique key: %v", err)
	}
	balanceKey := domain.BalanceKey{MethodType: domain.MethodGiftCard, MethodSubtype: provider, MethodKey: key}
	if err := env.Engine.SeedBalance(env.Ctx, intentID, balanceKey, domain.BalanceRecord{Balance: amount}, "tester"); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	return gc
}

func giftCardRequest(gc domain.GiftCardData) domain.ConfirmSplitRequest {
	return domain.ConfirmSplitRequest{
		MethodType:    domain.MethodGiftCard,
		MethodSubtype: gc.Provider,
		MethodData:    &domain.PaymentMethodData{GiftCard: &gc},
	}
}

func cardRequest() domain.ConfirmSplitRequest {
	return domain.ConfirmSplitRequest{
		MethodType: domain.MethodCard,
		MethodData: &domain.PaymentMethodData{Card: &domain.CardData{Number: "4242424242424242", ExpMonth: "12", ExpYear: "30"}},
	}
}

func TestExecuteSplitGiftCardOnly(t *testing.T) {
	env := newTestEnv(t)
	p := env.createIntent(t, 1000)
	gc := env.seedGiftCard(t, p.ID, "vanilla", "111", 1000)

	res, err := env.Engine.ExecuteSplit(env.Ctx, p.ID, giftCardRequest(gc), "tester")
	if err != nil {
		t.Fatalf("execute split: %v", err)
	}
	if res.ExecutedLegs != 1 {
		t.Fatalf("expected 1 leg, got %d", res.ExecutedLegs)
	}
	if res.Intent.Status != domain.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", res.Intent.Status)
	}
	if res.Intent.ActiveAttemptsGroupID == nil || *res.Intent.ActiveAttemptsGroupID != res.AttemptsGroupID {
		t.Fatalf("attempt group not stamped on intent")
	}
	if res.LastAttempt.Status != domain.AttemptCharged {
		t.Fatalf("expected charged attempt, got %s", res.LastAttempt.Status)
	}
	attempts, err := env.Engine.ListAttempts(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Amount != 1000 || attempts[0].MethodType != domain.MethodGiftCard {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
}

func TestExecuteSplitMixedCoverageOrder(t *testing.T) {
	env := newTestEnv(t)
	p := env.createIntent(t, 1500)
	gc := env.seedGiftCard(t, p.ID, "vanilla", "111", 400)

	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{{
		MethodType:    domain.MethodGiftCard,
		MethodSubtype: gc.Provider,
		MethodData:    domain.PaymentMethodData{GiftCard: &gc},
	}}

	res, err := env.Engine.ExecuteSplit(env.Ctx, p.ID, req, "tester")
	if err != nil {
		t.Fatalf("execute split: %v", err)
	}
	if res.ExecutedLegs != 2 {
		t.Fatalf("expected 2 legs, got %d", res.ExecutedLegs)
	}
	attempts, err := env.Engine.ListAttempts(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	// primary leg settles first, then the gift card at full balance
	if attempts[0].MethodType != domain.MethodCard || attempts[0].Amount != 1100 {
		t.Fatalf("unexpected first attempt: %+v", attempts[0])
	}
	if attempts[1].MethodType != domain.MethodGiftCard || attempts[1].Amount != 400 {
		t.Fatalf("unexpected second attempt: %+v", attempts[1])
	}
	for _, a := range attempts {
		if a.GroupID != res.AttemptsGroupID {
			t.Fatalf("attempt %s outside group %s", a.ID, res.AttemptsGroupID)
		}
		if a.Status != domain.AttemptCharged {
			t.Fatalf("attempt %s not charged: %s", a.ID, a.Status)
		}
	}
}

func TestExecuteSplitLegFailureLeavesSplitInProgress(t *testing.T) {
	env := newTestEnv(t)
	env.Connector.failOn = 1
	p := env.createIntent(t, 1500)
	gc := env.seedGiftCard(t, p.ID, "vanilla", "111", 400)

	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{{
		MethodType:    domain.MethodGiftCard,
		MethodSubtype: gc.Provider,
		MethodData:    domain.PaymentMethodData{GiftCard: &gc},
	}}

	_, err := env.Engine.ExecuteSplit(env.Ctx, p.ID, req, "tester")
	if err == nil {
		t.Fatalf("expected leg failure")
	}
	if env.Connector.calls != 1 {
		t.Fatalf("later legs must not run after a failure, got %d calls", env.Connector.calls)
	}
	got, err := env.Engine.GetIntent(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if got.Status != domain.StatusSplitInProgress {
		t.Fatalf("expected split_in_progress after failure, got %s", got.Status)
	}
	attempts, _ := env.Engine.ListAttempts(env.Ctx, p.ID)
	if len(attempts) != 1 || attempts[0].Status != domain.AttemptFailure {
		t.Fatalf("expected one failed attempt, got %+v", attempts)
	}
}

func TestExecuteSplitAllocationFailureLeavesSplitInProgress(t *testing.T) {
	env := newTestEnv(t)
	p := env.createIntent(t, 1000)

	// two non-gift-card instruments: the top-level card plus a wallet entry
	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{{
		MethodType: domain.MethodWallet,
		MethodData: domain.PaymentMethodData{Wallet: &domain.WalletData{Provider: "paypal", Token: "tok"}},
	}}

	_, err := env.Engine.ExecuteSplit(env.Ctx, p.ID, req, "tester")
	if apierr.KindOf(err) != apierr.KindInvalidRequestData {
		t.Fatalf("expected invalid request, got %v", err)
	}
	got, _ := env.Engine.GetIntent(env.Ctx, p.ID)
	if got.Status != domain.StatusSplitInProgress {
		t.Fatalf("allocation failure must leave the entered status, got %s", got.Status)
	}
	if env.Connector.calls != 0 {
		t.Fatalf("no legs may run on allocation failure")
	}
}

func TestExecuteSplitUnknownIntent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ExecuteSplit(env.Ctx, "pay_cell0_missing", cardRequest(), "tester")
	if apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateIntentValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateIntent(env.Ctx, "m1", "default", 0, "USD", "tester"); apierr.KindOf(err) != apierr.KindInvalidRequestData {
		t.Fatalf("zero amount must be rejected, got %v", err)
	}
	if _, err := env.Engine.CreateIntent(env.Ctx, "m1", "default", 100, "usdollar", "tester"); apierr.KindOf(err) != apierr.KindInvalidRequestData {
		t.Fatalf("bad currency must be rejected, got %v", err)
	}
	if _, err := env.Engine.CreateIntent(env.Ctx, "", "default", 100, "USD", "tester"); apierr.KindOf(err) != apierr.KindMissingRequiredField {
		t.Fatalf("missing merchant must be rejected, got %v", err)
	}
}

func TestExecuteSplitEventTrail(t *testing.T) {
	env := newTestEnv(t)
	p := env.createIntent(t, 1000)
	gc := env.seedGiftCard(t, p.ID, "vanilla", "111", 1000)

	if _, err := env.Engine.ExecuteSplit(env.Ctx, p.ID, giftCardRequest(gc), "tester"); err != nil {
		t.Fatalf("execute split: %v", err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, p.ID, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for i := len(events) - 1; i >= 0; i-- {
		types = append(types, events[i].Type)
	}
	want := []string{"intent.created", "balance.seeded", "split.entered", "split.leg.settled", "split.succeeded"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}
