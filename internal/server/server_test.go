package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"splitpay/internal/balance"
	"splitpay/internal/connector"
	"splitpay/internal/db"
	"splitpay/internal/domain"
	"splitpay/internal/engine"
	"splitpay/internal/migrate"
	"splitpay/internal/pipeline"
	"splitpay/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	token  string
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// stand-in processor: always charges
	processor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req connector.AuthorizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(connector.AuthorizeResponse{
			TransactionID: "txn-" + req.AttemptID,
			Status:        connector.StatusCharged,
		})
	}))

	r := repo.Repo{DB: conn}
	registry := connector.Registry{"testpay": connector.NewHTTP("testpay", processor.URL, "", nil)}
	exec := pipeline.NewExecutor(r, registry, nil)
	e := engine.New(conn, balance.NewMemory(), exec, "cell0", nil)
	if err := r.UpsertProfile(context.Background(), domain.Profile{
		ID: "default", MerchantID: "m1", Connector: "testpay", CreatedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	token := signToken(t, "tester", "m1")
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		token:  token,
		close: func() {
			srv.Close()
			processor.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func signToken(t *testing.T, subject, merchantID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":         subject,
		"merchant_id": merchantID,
		"exp":         time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	if out != nil && len(data) > 0 && res.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, data)
		}
	}
	if res.StatusCode >= 300 {
		t.Logf("%s %s -> %d: %s", method, path, res.StatusCode, data)
	}
	return res.StatusCode
}

func TestHealthNoAuth(t *testing.T) {
	s := newTestServer(t)
	res, err := http.Get(s.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	res, err := http.Get(s.URL + "/v0/payments")
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestConfirmSplitEndToEnd(t *testing.T) {
	s := newTestServer(t)

	var payment PaymentResponse
	status := s.do(t, http.MethodPost, "/v0/payments", CreatePaymentRequest{OrderAmount: 1500, Currency: "usd"}, &payment)
	if status != http.StatusCreated {
		t.Fatalf("create payment: %d", status)
	}
	if payment.Status != string(domain.StatusRequiresPaymentMethod) {
		t.Fatalf("unexpected initial status: %s", payment.Status)
	}

	status = s.do(t, http.MethodPut, fmt.Sprintf("/v0/payments/%s/balances", payment.ID), SeedBalanceRequest{
		MethodType: "gift_card",
		Provider:   "vanilla",
		Number:     "111",
		Balance:    400,
	}, nil)
	if status != http.StatusNoContent {
		t.Fatalf("seed balance: %d", status)
	}

	var outcome SplitResponse
	status = s.do(t, http.MethodPost, fmt.Sprintf("/v0/payments/%s/confirm-split", payment.ID), ConfirmSplitRequest{
		MethodType: "card",
		MethodData: &domain.PaymentMethodData{Card: &domain.CardData{Number: "4242424242424242", ExpMonth: "12", ExpYear: "30"}},
		SplitMethods: []SplitMethodRequest{{
			MethodType:    "gift_card",
			MethodSubtype: "vanilla",
			MethodData:    &domain.PaymentMethodData{GiftCard: &domain.GiftCardData{Provider: "vanilla", Number: "111"}},
		}},
	}, &outcome)
	if status != http.StatusOK {
		t.Fatalf("confirm split: %d", status)
	}
	if outcome.ExecutedLegs != 2 {
		t.Fatalf("expected 2 legs, got %d", outcome.ExecutedLegs)
	}
	if outcome.Payment.Status != string(domain.StatusSucceeded) {
		t.Fatalf("expected succeeded, got %s", outcome.Payment.Status)
	}
	if outcome.LastAttempt.Amount != 400 || outcome.LastAttempt.MethodType != "gift_card" {
		t.Fatalf("unexpected last attempt: %+v", outcome.LastAttempt)
	}

	var attempts []AttemptResponse
	status = s.do(t, http.MethodGet, fmt.Sprintf("/v0/payments/%s/attempts", payment.ID), nil, &attempts)
	if status != http.StatusOK || len(attempts) != 2 {
		t.Fatalf("attempts: status=%d n=%d", status, len(attempts))
	}
	if attempts[0].MethodType != "card" || attempts[0].Amount != 1100 {
		t.Fatalf("unexpected first attempt: %+v", attempts[0])
	}
}

func TestConfirmSplitValidationError(t *testing.T) {
	s := newTestServer(t)
	var payment PaymentResponse
	if status := s.do(t, http.MethodPost, "/v0/payments", CreatePaymentRequest{OrderAmount: 1000, Currency: "USD"}, &payment); status != http.StatusCreated {
		t.Fatalf("create payment: %d", status)
	}
	status := s.do(t, http.MethodPost, fmt.Sprintf("/v0/payments/%s/confirm-split", payment.ID), ConfirmSplitRequest{MethodType: "card"}, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing payment_method_data, got %d", status)
	}
}

func TestForeignPaymentReadsNotFound(t *testing.T) {
	s := newTestServer(t)
	other, err := s.Engine.CreateIntent(context.Background(), "m2", "default", 1000, "USD", "tester")
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	status := s.do(t, http.MethodGet, "/v0/payments/"+other.ID, nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for another merchant's payment, got %d", status)
	}
}
