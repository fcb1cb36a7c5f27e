package domain

// IntentStatus is the lifecycle status of a payment intent.
type IntentStatus string

const (
	StatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	StatusSplitInProgress       IntentStatus = "split_in_progress"
	StatusSucceeded             IntentStatus = "succeeded"
	StatusFailed                IntentStatus = "failed"
)

// AttemptIDType tags how an intent references its active attempt(s).
type AttemptIDType string

const (
	AttemptIDTypeSingle AttemptIDType = "attempt_id"
	AttemptIDTypeGroup  AttemptIDType = "attempt_group_id"
)

// PaymentIntent is the aggregate record for one payer obligation.
// Revision is the optimistic-concurrency token: every persisted update must
// carry the revision it read and bumps it by one.
type PaymentIntent struct {
	ID                    string        `json:"id"`
	MerchantID            string        `json:"merchant_id"`
	ProfileID             string        `json:"profile_id"`
	OrderAmount           int64         `json:"order_amount"`
	Currency              string        `json:"currency"`
	Status                IntentStatus  `json:"status" enum:"requires_payment_method,split_in_progress,succeeded,failed"`
	ActiveAttemptIDType   AttemptIDType `json:"active_attempt_id_type"`
	ActiveAttemptsGroupID *string       `json:"active_attempts_group_id,omitempty"`
	Revision              int64         `json:"revision"`
	CreatedAt             string        `json:"created_at" format:"date-time"`
	UpdatedAt             string        `json:"updated_at" format:"date-time"`
}

// AttemptStatus is the lifecycle status of one settlement leg's attempt.
type AttemptStatus string

const (
	AttemptStarted AttemptStatus = "started"
	AttemptCharged AttemptStatus = "charged"
	AttemptFailure AttemptStatus = "failure"
)

// PaymentAttempt is the persisted record of one executed leg.
type PaymentAttempt struct {
	ID                     string        `json:"id"`
	IntentID               string        `json:"intent_id"`
	GroupID                string        `json:"group_id"`
	MethodType             MethodType    `json:"method_type"`
	MethodSubtype          string        `json:"method_subtype,omitempty"`
	Amount                 int64         `json:"amount"`
	Status                 AttemptStatus `json:"status" enum:"started,charged,failure"`
	Connector              string        `json:"connector,omitempty"`
	ConnectorTransactionID *string       `json:"connector_transaction_id,omitempty"`
	ErrorMessage           *string       `json:"error_message,omitempty"`
	CreatedAt              string        `json:"created_at" format:"date-time"`
	UpdatedAt              string        `json:"updated_at" format:"date-time"`
}

// Profile holds per-merchant routing configuration consulted by the pipeline.
type Profile struct {
	ID         string `json:"id"`
	MerchantID string `json:"merchant_id"`
	Connector  string `json:"connector"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	IntentID   string `json:"intent_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string `json:"id"`
	MerchantID string `json:"merchant_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"key_hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
