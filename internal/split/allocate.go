// Package split turns a confirm request's declared instruments plus live
// balance data into an ordered list of settlement legs. Allocation is greedy
// and balance-driven: every gift card is charged its full available balance,
// and the single general-purpose instrument, when needed, covers the
// remainder.
package split

import (
	"context"
	"math"

	"splitpay/internal/apierr"
	"splitpay/internal/domain"
)

// BalanceFetcher is the one I/O dependency of the allocation engine.
type BalanceFetcher interface {
	FetchBalances(ctx context.Context, intentID string, keys []domain.BalanceKey) (map[domain.BalanceKey]domain.BalanceRecord, error)
}

// Allocate computes the ordered legs covering orderAmount. The returned
// sequence is the general-purpose leg first (only when a remainder exists),
// followed by gift-card legs in declared order. Zero-balance gift cards keep
// their zero-amount legs; filtering them is the caller's decision, not ours.
func Allocate(ctx context.Context, balances BalanceFetcher, intentID string, req domain.ConfirmSplitRequest, orderAmount int64) ([]domain.Leg, error) {
	combined, err := merge(req)
	if err != nil {
		return nil, err
	}

	primary, giftCards, err := partition(combined)
	if err != nil {
		return nil, err
	}

	keys := make([]domain.BalanceKey, len(giftCards))
	for i, gc := range giftCards {
		key, err := gc.UniqueKey()
		if err != nil {
			return nil, apierr.InvalidRequestData("unable to derive unique key for payment method")
		}
		keys[i] = domain.BalanceKey{
			MethodType:    domain.MethodGiftCard,
			MethodSubtype: gc.Provider,
			MethodKey:     key,
		}
	}

	fetched, err := balances.FetchBalances(ctx, intentID, keys)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, rec := range fetched {
		if rec.Balance > math.MaxInt64-total {
			return nil, apierr.Internal("gift card balance sum overflow", nil)
		}
		total += rec.Balance
	}

	remaining := orderAmount - total
	if remaining < 0 {
		remaining = 0
	}

	legs := make([]domain.Leg, 0, len(giftCards)+1)
	for i, gc := range giftCards {
		rec, ok := fetched[keys[i]]
		if !ok {
			return nil, apierr.Internal("no balance entry for declared gift card", nil)
		}
		card := gc
		legs = append(legs, domain.Leg{
			Method: domain.PaymentMethodData{GiftCard: &card},
			Amount: rec.Balance,
		})
	}

	if remaining > 0 {
		if primary == nil {
			return nil, apierr.InvalidRequestData("requires additional payment method data")
		}
		legs = append([]domain.Leg{{Method: primary.MethodData, Amount: remaining}}, legs...)
	}
	return legs, nil
}

// merge builds the working descriptor list: the declared split entries plus
// one entry from the request's top-level instrument fields. The input slice
// is never mutated, so repeating the call on the same request yields the same
// list.
func merge(req domain.ConfirmSplitRequest) ([]domain.SplitMethodEntry, error) {
	if req.MethodData == nil || req.MethodData.IsZero() {
		return nil, apierr.MissingRequiredField("payment_method_data")
	}
	combined := make([]domain.SplitMethodEntry, 0, len(req.SplitMethods)+1)
	combined = append(combined, req.SplitMethods...)
	combined = append(combined, domain.SplitMethodEntry{
		MethodType:    req.MethodType,
		MethodSubtype: req.MethodSubtype,
		MethodData:    *req.MethodData,
	})
	return combined, nil
}

// partition removes the at-most-one non-gift-card descriptor from the working
// list and validates that everything left carries a stored-value payload.
func partition(combined []domain.SplitMethodEntry) (*domain.SplitMethodEntry, []domain.GiftCardData, error) {
	primaryIdx := -1
	for i, entry := range combined {
		if entry.MethodType != domain.MethodGiftCard {
			if primaryIdx >= 0 {
				return nil, nil, apierr.InvalidRequestData("at most one non-gift card payment method is allowed")
			}
			primaryIdx = i
		}
	}

	var primary *domain.SplitMethodEntry
	giftCards := make([]domain.GiftCardData, 0, len(combined))
	for i, entry := range combined {
		if i == primaryIdx {
			e := entry
			primary = &e
			continue
		}
		if entry.MethodData.GiftCard == nil {
			return nil, nil, apierr.InvalidRequestData("only gift cards are supported for split legs besides the primary instrument")
		}
		giftCards = append(giftCards, *entry.MethodData.GiftCard)
	}
	return primary, giftCards, nil
}
