package split_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitpay/internal/apierr"
	"splitpay/internal/domain"
	"splitpay/internal/split"
)

type fakeBalances struct {
	records map[domain.BalanceKey]domain.BalanceRecord
	calls   int
	err     error
}

func (f *fakeBalances) FetchBalances(ctx context.Context, intentID string, keys []domain.BalanceKey) (map[domain.BalanceKey]domain.BalanceRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	res := make(map[domain.BalanceKey]domain.BalanceRecord, len(keys))
	for _, k := range keys {
		if rec, ok := f.records[k]; ok {
			res[k] = rec
		}
	}
	return res, nil
}

func giftCard(provider, number string) domain.GiftCardData {
	return domain.GiftCardData{Provider: provider, Number: number}
}

func giftCardEntry(provider, number string) domain.SplitMethodEntry {
	gc := giftCard(provider, number)
	return domain.SplitMethodEntry{
		MethodType:    domain.MethodGiftCard,
		MethodSubtype: provider,
		MethodData:    domain.PaymentMethodData{GiftCard: &gc},
	}
}

func balanceKeyFor(t *testing.T, gc domain.GiftCardData) domain.BalanceKey {
	t.Helper()
	key, err := gc.UniqueKey()
	require.NoError(t, err)
	return domain.BalanceKey{MethodType: domain.MethodGiftCard, MethodSubtype: gc.Provider, MethodKey: key}
}

func cardRequest() domain.ConfirmSplitRequest {
	return domain.ConfirmSplitRequest{
		MethodType: domain.MethodCard,
		MethodData: &domain.PaymentMethodData{Card: &domain.CardData{Number: "4242424242424242", ExpMonth: "12", ExpYear: "30"}},
	}
}

func TestAllocatePrimaryOnly(t *testing.T) {
	balances := &fakeBalances{}
	legs, err := split.Allocate(context.Background(), balances, "pay_1", cardRequest(), 1000)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, int64(1000), legs[0].Amount)
	assert.Equal(t, domain.MethodCard, legs[0].Method.Kind())
}

func TestAllocateMixedCoverage(t *testing.T) {
	gc := giftCard("vanilla", "111")
	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{giftCardEntry("vanilla", "111")}
	balances := &fakeBalances{records: map[domain.BalanceKey]domain.BalanceRecord{
		balanceKeyFor(t, gc): {Balance: 400},
	}}

	legs, err := split.Allocate(context.Background(), balances, "pay_1", req, 1500)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	// primary first for the remainder, then the gift card at full balance
	assert.Equal(t, domain.MethodCard, legs[0].Method.Kind())
	assert.Equal(t, int64(1100), legs[0].Amount)
	assert.Equal(t, domain.MethodGiftCard, legs[1].Method.Kind())
	assert.Equal(t, int64(400), legs[1].Amount)
	assert.Equal(t, 1, balances.calls)
}

func TestAllocateGiftCardsCoverOrder(t *testing.T) {
	a := giftCard("vanilla", "111")
	b := giftCard("blackhawk", "222")
	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{
		giftCardEntry("vanilla", "111"),
		giftCardEntry("blackhawk", "222"),
	}
	balances := &fakeBalances{records: map[domain.BalanceKey]domain.BalanceRecord{
		balanceKeyFor(t, a): {Balance: 600},
		balanceKeyFor(t, b): {Balance: 400},
	}}

	legs, err := split.Allocate(context.Background(), balances, "pay_1", req, 1000)
	require.NoError(t, err)
	// fully covered: primary dropped, gift cards keep declared order
	require.Len(t, legs, 2)
	assert.Equal(t, int64(600), legs[0].Amount)
	assert.Equal(t, "vanilla", legs[0].Method.GiftCard.Provider)
	assert.Equal(t, int64(400), legs[1].Amount)
	assert.Equal(t, "blackhawk", legs[1].Method.GiftCard.Provider)
}

func TestAllocateOverCoverageClampsRemainder(t *testing.T) {
	gc := giftCard("vanilla", "111")
	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{giftCardEntry("vanilla", "111")}
	balances := &fakeBalances{records: map[domain.BalanceKey]domain.BalanceRecord{
		balanceKeyFor(t, gc): {Balance: 5000},
	}}

	legs, err := split.Allocate(context.Background(), balances, "pay_1", req, 1000)
	require.NoError(t, err)
	require.Len(t, legs, 1)
	assert.Equal(t, int64(5000), legs[0].Amount)
	assert.Equal(t, domain.MethodGiftCard, legs[0].Method.Kind())
}

func TestAllocateZeroBalanceKeepsLeg(t *testing.T) {
	gc := giftCard("vanilla", "111")
	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{giftCardEntry("vanilla", "111")}
	balances := &fakeBalances{records: map[domain.BalanceKey]domain.BalanceRecord{
		balanceKeyFor(t, gc): {Balance: 0},
	}}

	legs, err := split.Allocate(context.Background(), balances, "pay_1", req, 1000)
	require.NoError(t, err)
	require.Len(t, legs, 2)
	assert.Equal(t, int64(1000), legs[0].Amount)
	assert.Equal(t, int64(0), legs[1].Amount)
}

func TestAllocateMissingPrimaryWhenRequired(t *testing.T) {
	gcEntry := giftCardEntry("vanilla", "111")
	req := domain.ConfirmSplitRequest{
		MethodType:    domain.MethodGiftCard,
		MethodSubtype: "vanilla",
		MethodData:    &gcEntry.MethodData,
	}
	balances := &fakeBalances{records: map[domain.BalanceKey]domain.BalanceRecord{
		balanceKeyFor(t, giftCard("vanilla", "111")): {Balance: 300},
	}}

	_, err := split.Allocate(context.Background(), balances, "pay_1", req, 1000)
	require.Error(t, err)
	assert.Equal(t, apierr.KindInvalidRequestData, apierr.KindOf(err))
}

func TestAllocateTooManyPrimariesBeforeFetch(t *testing.T) {
	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{
		{
			MethodType: domain.MethodWallet,
			MethodData: domain.PaymentMethodData{Wallet: &domain.WalletData{Provider: "paypal", Token: "tok"}},
		},
	}
	balances := &fakeBalances{}

	_, err := split.Allocate(context.Background(), balances, "pay_1", req, 1000)
	require.Error(t, err)
	assert.Equal(t, apierr.KindInvalidRequestData, apierr.KindOf(err))
	assert.Zero(t, balances.calls, "cardinality check must run before any balance lookup")
}

func TestAllocateMissingMethodData(t *testing.T) {
	_, err := split.Allocate(context.Background(), &fakeBalances{}, "pay_1", domain.ConfirmSplitRequest{MethodType: domain.MethodCard}, 1000)
	require.Error(t, err)
	assert.Equal(t, apierr.KindMissingRequiredField, apierr.KindOf(err))
}

func TestAllocateNonGiftCardLegRejected(t *testing.T) {
	gcEntry := giftCardEntry("vanilla", "111")
	req := domain.ConfirmSplitRequest{
		MethodType: domain.MethodGiftCard,
		MethodData: &gcEntry.MethodData,
		SplitMethods: []domain.SplitMethodEntry{
			// declared as gift_card but carrying a card payload
			{MethodType: domain.MethodGiftCard, MethodData: domain.PaymentMethodData{Card: &domain.CardData{Number: "4242"}}},
		},
	}
	_, err := split.Allocate(context.Background(), &fakeBalances{}, "pay_1", req, 1000)
	require.Error(t, err)
	assert.Equal(t, apierr.KindInvalidRequestData, apierr.KindOf(err))
}

func TestAllocateMissingBalanceEntryIsInternal(t *testing.T) {
	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{giftCardEntry("vanilla", "111")}
	balances := &fakeBalances{} // fetch returns nothing for the declared card

	_, err := split.Allocate(context.Background(), balances, "pay_1", req, 1000)
	require.Error(t, err)
	assert.Equal(t, apierr.KindInternal, apierr.KindOf(err))
}

func TestAllocateFetchErrorPropagates(t *testing.T) {
	sentinel := errors.New("redis down")
	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{giftCardEntry("vanilla", "111")}
	balances := &fakeBalances{err: sentinel}

	_, err := split.Allocate(context.Background(), balances, "pay_1", req, 1000)
	require.ErrorIs(t, err, sentinel)
}

func TestAllocateDeterministicAndInputUntouched(t *testing.T) {
	gcA := giftCard("vanilla", "111")
	gcB := giftCard("blackhawk", "222")
	req := cardRequest()
	req.SplitMethods = []domain.SplitMethodEntry{
		giftCardEntry("vanilla", "111"),
		giftCardEntry("blackhawk", "222"),
	}
	balances := &fakeBalances{records: map[domain.BalanceKey]domain.BalanceRecord{
		balanceKeyFor(t, gcA): {Balance: 300},
		balanceKeyFor(t, gcB): {Balance: 200},
	}}

	first, err := split.Allocate(context.Background(), balances, "pay_1", req, 1000)
	require.NoError(t, err)
	second, err := split.Allocate(context.Background(), balances, "pay_1", req, 1000)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// merging must not grow the caller's declared list across calls
	assert.Len(t, req.SplitMethods, 2)
}
