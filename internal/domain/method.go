package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// MethodType is the coarse payment-method family.
type MethodType string

const (
	MethodGiftCard     MethodType = "gift_card"
	MethodCard         MethodType = "card"
	MethodWallet       MethodType = "wallet"
	MethodBankTransfer MethodType = "bank_transfer"
)

// PaymentMethodData is a tagged variant: exactly one of the pointer fields is
// set. GiftCard is the stored-value variant; everything else is a general
// purpose instrument.
type PaymentMethodData struct {
	GiftCard     *GiftCardData     `json:"gift_card,omitempty"`
	Card         *CardData         `json:"card,omitempty"`
	Wallet       *WalletData       `json:"wallet,omitempty"`
	BankTransfer *BankTransferData `json:"bank_transfer,omitempty"`
}

// Kind reports which variant is set. Empty payloads report an empty type.
func (d PaymentMethodData) Kind() MethodType {
	switch {
	case d.GiftCard != nil:
		return MethodGiftCard
	case d.Card != nil:
		return MethodCard
	case d.Wallet != nil:
		return MethodWallet
	case d.BankTransfer != nil:
		return MethodBankTransfer
	default:
		return ""
	}
}

// IsZero reports whether no variant is set.
func (d PaymentMethodData) IsZero() bool {
	return d.Kind() == ""
}

// GiftCardData is the stored-value instrument payload.
type GiftCardData struct {
	Provider string `json:"provider"`
	Number   string `json:"number"`
	CVC      string `json:"cvc,omitempty"`
}

// UniqueKey derives the deterministic lookup key for this card. The raw
// number never leaves the process as a cache key.
func (g GiftCardData) UniqueKey() (string, error) {
	number := strings.TrimSpace(g.Number)
	if number == "" {
		return "", errors.New("gift card number required")
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(g.Provider) + ":" + number))
	return hex.EncodeToString(sum[:]), nil
}

type CardData struct {
	Number     string `json:"number"`
	ExpMonth   string `json:"exp_month"`
	ExpYear    string `json:"exp_year"`
	CVC        string `json:"cvc,omitempty"`
	HolderName string `json:"holder_name,omitempty"`
}

type WalletData struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
}

type BankTransferData struct {
	AccountNumber string `json:"account_number"`
	RoutingNumber string `json:"routing_number,omitempty"`
}

// BalanceKey identifies one stored-value instrument within a batched balance
// fetch. Comparable, usable as a map key.
type BalanceKey struct {
	MethodType    MethodType `json:"method_type"`
	MethodSubtype string     `json:"method_subtype"`
	MethodKey     string     `json:"method_key"`
}

// BalanceRecord is the balance collaborator's answer for one key, in minor
// units.
type BalanceRecord struct {
	Balance  int64  `json:"balance"`
	Currency string `json:"currency,omitempty"`
}

// Leg is one (instrument, amount) pair to be settled sequentially.
type Leg struct {
	Method PaymentMethodData `json:"method"`
	Amount int64             `json:"amount"`
}

// SplitMethodEntry is one declared payment method within a confirm request.
type SplitMethodEntry struct {
	MethodType    MethodType        `json:"payment_method_type"`
	MethodSubtype string            `json:"payment_method_subtype,omitempty"`
	MethodData    PaymentMethodData `json:"payment_method_data"`
}

// ConfirmSplitRequest carries the top-level instrument plus the declared
// split entries, as received from the caller.
type ConfirmSplitRequest struct {
	MethodType    MethodType         `json:"payment_method_type"`
	MethodSubtype string             `json:"payment_method_subtype,omitempty"`
	MethodData    *PaymentMethodData `json:"payment_method_data,omitempty"`
	SplitMethods  []SplitMethodEntry `json:"split_payment_method_data,omitempty"`
}
