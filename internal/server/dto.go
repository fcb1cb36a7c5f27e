package server

import (
	"encoding/json"

	"splitpay/internal/domain"
	"splitpay/internal/engine"
	"splitpay/internal/pipeline"
)

// Request payloads

type CreatePaymentRequest struct {
	OrderAmount int64  `json:"order_amount" minimum:"1"`
	Currency    string `json:"currency" minLength:"3" maxLength:"3"`
	ProfileID   string `json:"profile_id,omitempty"`
}

type SplitMethodRequest struct {
	MethodType    string                    `json:"payment_method_type" enum:"gift_card,card,wallet,bank_transfer"`
	MethodSubtype string                    `json:"payment_method_subtype,omitempty"`
	MethodData    *domain.PaymentMethodData `json:"payment_method_data,omitempty"`
}

type ConfirmSplitRequest struct {
	MethodType    string                    `json:"payment_method_type" enum:"gift_card,card,wallet,bank_transfer"`
	MethodSubtype string                    `json:"payment_method_subtype,omitempty"`
	MethodData    *domain.PaymentMethodData `json:"payment_method_data,omitempty"`
	SplitMethods  []SplitMethodRequest      `json:"split_payment_method_data,omitempty"`
}

type SeedBalanceRequest struct {
	MethodType    string `json:"payment_method_type" enum:"gift_card"`
	MethodSubtype string `json:"payment_method_subtype"`
	Provider      string `json:"provider"`
	Number        string `json:"number"`
	Balance       int64  `json:"balance" minimum:"0"`
	Currency      string `json:"currency,omitempty"`
}

type CreateAPIKeyRequest struct {
	MerchantID string `json:"merchant_id"`
	Name       string `json:"name,omitempty"`
}

type UpsertProfileRequest struct {
	Connector string `json:"connector"`
}

// Response payloads

type PaymentResponse struct {
	ID                    string  `json:"id"`
	MerchantID            string  `json:"merchant_id"`
	ProfileID             string  `json:"profile_id"`
	OrderAmount           int64   `json:"order_amount"`
	Currency              string  `json:"currency"`
	Status                string  `json:"status" enum:"requires_payment_method,split_in_progress,succeeded,failed"`
	ActiveAttemptIDType   string  `json:"active_attempt_id_type"`
	ActiveAttemptsGroupID *string `json:"active_attempts_group_id,omitempty"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
	UpdatedAt             string  `json:"updated_at" format:"date-time"`
}

type AttemptResponse struct {
	ID                     string  `json:"id"`
	IntentID               string  `json:"intent_id"`
	GroupID                string  `json:"group_id"`
	MethodType             string  `json:"payment_method_type"`
	MethodSubtype          string  `json:"payment_method_subtype,omitempty"`
	Amount                 int64   `json:"amount"`
	Status                 string  `json:"status" enum:"started,charged,failure"`
	Connector              string  `json:"connector,omitempty"`
	ConnectorTransactionID *string `json:"connector_transaction_id,omitempty"`
	ErrorMessage           *string `json:"error_message,omitempty"`
	CreatedAt              string  `json:"created_at" format:"date-time"`
}

type SplitResponse struct {
	Payment           PaymentResponse `json:"payment"`
	AttemptsGroupID   string          `json:"attempts_group_id"`
	ExecutedLegs      int             `json:"executed_legs"`
	LastAttempt       AttemptResponse `json:"last_attempt"`
	ConnectorMetadata map[string]any  `json:"connector_metadata,omitempty"`
	ExternalLatencyMS *int64          `json:"external_latency_ms,omitempty"`
	HTTPStatus        *int            `json:"connector_http_status,omitempty"`
}

type APIKeyResponse struct {
	ID         string `json:"id"`
	MerchantID string `json:"merchant_id"`
	Name       string `json:"name,omitempty"`
	Key        string `json:"key,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type ProfileResponse struct {
	ID         string `json:"id"`
	MerchantID string `json:"merchant_id"`
	Connector  string `json:"connector"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	IntentID   string          `json:"intent_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func paymentResponse(p domain.PaymentIntent) PaymentResponse {
	return PaymentResponse{
		ID:                    p.ID,
		MerchantID:            p.MerchantID,
		ProfileID:             p.ProfileID,
		OrderAmount:           p.OrderAmount,
		Currency:              p.Currency,
		Status:                string(p.Status),
		ActiveAttemptIDType:   string(p.ActiveAttemptIDType),
		ActiveAttemptsGroupID: p.ActiveAttemptsGroupID,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
}

func attemptResponse(a domain.PaymentAttempt) AttemptResponse {
	return AttemptResponse{
		ID:                     a.ID,
		IntentID:               a.IntentID,
		GroupID:                a.GroupID,
		MethodType:             string(a.MethodType),
		MethodSubtype:          a.MethodSubtype,
		Amount:                 a.Amount,
		Status:                 string(a.Status),
		Connector:              a.Connector,
		ConnectorTransactionID: a.ConnectorTransactionID,
		ErrorMessage:           a.ErrorMessage,
		CreatedAt:              a.CreatedAt,
	}
}

func mapAttempts(items []domain.PaymentAttempt) []AttemptResponse {
	res := make([]AttemptResponse, 0, len(items))
	for _, a := range items {
		res = append(res, attemptResponse(a))
	}
	return res
}

func mapPayments(items []domain.PaymentIntent) []PaymentResponse {
	res := make([]PaymentResponse, 0, len(items))
	for _, p := range items {
		res = append(res, paymentResponse(p))
	}
	return res
}

func profileResponse(p domain.Profile) ProfileResponse {
	return ProfileResponse{ID: p.ID, MerchantID: p.MerchantID, Connector: p.Connector, CreatedAt: p.CreatedAt}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage([]byte(e.Payload))
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		IntentID:   e.IntentID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func splitResponse(res engine.SplitResult) SplitResponse {
	out := SplitResponse{
		Payment:           paymentResponse(res.Intent),
		AttemptsGroupID:   res.AttemptsGroupID,
		ExecutedLegs:      res.ExecutedLegs,
		LastAttempt:       attemptResponse(res.LastAttempt),
		ConnectorMetadata: res.Last.ConnectorMetadata,
		HTTPStatus:        res.Last.HTTPStatus,
	}
	out.ExternalLatencyMS = latencyMS(res.Last)
	return out
}

func latencyMS(r pipeline.Result) *int64 {
	if r.ExternalLatency == nil {
		return nil
	}
	ms := r.ExternalLatency.Milliseconds()
	return &ms
}
