package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/infrastructure/payment"
	"creditledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deduct(t *testing.T, f *fixture, orgID, appID string, amount int64) *DeductResult {
	t.Helper()
	result, err := f.deduct.Deduct(context.Background(), &DeductRequest{
		OrgID:       orgID,
		AppID:       appID,
		AmountCents: amount,
		Description: "usage",
	})
	require.NoError(t, err)
	return result
}

func TestDeduct_BYOKNeverMeters(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModeBYOK, 100, 0)

	for _, amount := range []int64{1, 50, 1000} {
		result := deduct(t, f, "org", "app", amount)
		assert.True(t, result.Success)
		assert.Nil(t, result.BalanceCents)
		assert.False(t, result.Depleted)
		assert.Equal(t, model.BillingModeBYOK, result.BillingMode)
	}

	assert.Equal(t, int64(100), f.balance(t, "org", "app"))
	assert.Empty(t, f.tasks.Names())
	assert.Empty(t, f.gateway.Charges())
	assert.Empty(t, f.outboxTypes(t))
}

func TestDeduct_SerialSum(t *testing.T) {
	f := newFixture(t)
	account := f.seed(t, "org", "app", model.BillingModeTrial, 500, 0)

	amounts := []int64{100, 50, 25, 1}
	var total int64
	for _, amount := range amounts {
		total += amount
		result := deduct(t, f, "org", "app", amount)
		require.True(t, result.Success)
		require.NotNil(t, result.BalanceCents)
		assert.Equal(t, 500-total, *result.BalanceCents)
	}

	assert.Equal(t, int64(500)-total, f.balance(t, "org", "app"))
	assert.Equal(t, -total, f.journalSum(t, account.ID))
	assert.Len(t, f.tasks.Names(), len(amounts))
}

func TestDeduct_ConcurrentNoLostUpdates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModeTrial, 1000, 0)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.deduct.Deduct(context.Background(), &DeductRequest{OrgID: "org", AppID: "app", AmountCents: 10})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(800), f.balance(t, "org", "app"))
}

func TestDeduct_ConcurrentNeverOverspends(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModeTrial, 100, 0)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*DeductResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.deduct.Deduct(context.Background(), &DeductRequest{OrgID: "org", AppID: "app", AmountCents: 10})
			if err == nil {
				results[i] = r
			}
		}(i)
	}
	wg.Wait()

	succeeded, depleted := 0, 0
	for _, r := range results {
		require.NotNil(t, r)
		if r.Success {
			succeeded++
		} else {
			assert.True(t, r.Depleted)
			depleted++
		}
	}
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, depleted)
	assert.Equal(t, int64(0), f.balance(t, "org", "app"))
}

func TestDeduct_InsufficientWithoutReload(t *testing.T) {
	f := newFixture(t)
	account := f.seed(t, "org", "app", model.BillingModeTrial, 3, 0)

	result := deduct(t, f, "org", "app", 5)
	assert.False(t, result.Success)
	assert.True(t, result.Depleted)
	require.NotNil(t, result.BalanceCents)
	assert.Equal(t, int64(3), *result.BalanceCents)

	assert.Equal(t, int64(3), f.balance(t, "org", "app"))
	assert.Equal(t, int64(0), f.journalSum(t, account.ID))
	assert.Equal(t, []string{model.LedgerEventCreditDepleted}, f.outboxTypes(t))
	assert.Empty(t, f.tasks.Names())
	assert.Empty(t, f.gateway.Charges())
}

func TestDeduct_PAYGSynchronousReload(t *testing.T) {
	f := newFixture(t)
	account := f.seed(t, "org", "app", model.BillingModePAYG, 3, 2000)

	result := deduct(t, f, "org", "app", 5)
	assert.True(t, result.Success)
	assert.False(t, result.Depleted)
	require.NotNil(t, result.BalanceCents)
	assert.Equal(t, int64(1998), *result.BalanceCents)
	assert.Equal(t, int64(1998), f.balance(t, "org", "app"))

	charges := f.gateway.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, int64(2000), charges[0].AmountCents)
	assert.Equal(t, "pm_card", charges[0].PaymentMethodID)
	assert.Equal(t, "true", charges[0].Metadata[payment.MetadataAutoReload])
	assert.Equal(t, ReloadTriggerInsufficient, charges[0].Metadata[payment.MetadataReloadTrigger])
	assert.NotEmpty(t, charges[0].IdempotencyKey)

	// 充值的渠道流水为负数（credit），本地符号为正
	txns := f.gateway.BalanceTxns()
	require.Len(t, txns, 1)
	assert.Equal(t, int64(2000), txns[0].LocalDeltaCents)
	assert.Equal(t, int64(-2000), payment.ProviderAmount(txns[0].LocalDeltaCents))

	assert.Equal(t, int64(1995), f.journalSum(t, account.ID))
	assert.Equal(t, []string{model.LedgerEventCreditReloaded, model.LedgerEventCreditDeducted}, f.outboxTypes(t))

	// 1998 高于阈值，不需要后台充值
	names := f.tasks.Names()
	require.Len(t, names, 1)
	assert.True(t, strings.HasPrefix(names[0], "record_debit:"))
}

func TestDeduct_PAYGReloadDeclined(t *testing.T) {
	f := newFixture(t)
	account := f.seed(t, "org", "app", model.BillingModePAYG, 3, 2000)
	f.gateway.chargeErr = payment.ErrPaymentDeclined

	result := deduct(t, f, "org", "app", 5)
	assert.False(t, result.Success)
	assert.True(t, result.Depleted)
	require.NotNil(t, result.BalanceCents)
	assert.Equal(t, int64(3), *result.BalanceCents)
	assert.Equal(t, model.BillingModePAYG, result.BillingMode)

	assert.Equal(t, int64(3), f.balance(t, "org", "app"))
	assert.Equal(t, int64(0), f.journalSum(t, account.ID))
	assert.Empty(t, f.gateway.BalanceTxns())
}

func TestDeduct_ReloadSmallerThanAmountStaysDepleted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModePAYG, 3, 500)

	result := deduct(t, f, "org", "app", 1000)
	assert.False(t, result.Success)
	assert.True(t, result.Depleted)
	require.NotNil(t, result.BalanceCents)
	assert.Equal(t, int64(503), *result.BalanceCents)

	// 充值已扣款，入账必须保留
	assert.Equal(t, int64(503), f.balance(t, "org", "app"))
}

func TestDeduct_ReloadChargedButNotAppliedIsFatal(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModePAYG, 3, 2000)
	require.NoError(t, f.db.Migrator().DropTable(&model.CreditTransaction{}))

	_, err := f.deduct.Deduct(context.Background(), &DeductRequest{OrgID: "org", AppID: "app", AmountCents: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReloadNotApplied))
	assert.Len(t, f.gateway.Charges(), 1)
	assert.Equal(t, int64(3), f.balance(t, "org", "app"))
}

func TestDeduct_ThresholdSchedulesBackgroundReload(t *testing.T) {
	f := newFixture(t)
	account := f.seed(t, "org", "app", model.BillingModePAYG, 250, 2000)

	result := deduct(t, f, "org", "app", 100)
	assert.True(t, result.Success)
	require.NotNil(t, result.BalanceCents)
	assert.Equal(t, int64(150), *result.BalanceCents)
	assert.Empty(t, f.gateway.Charges())

	names := f.tasks.Names()
	require.Len(t, names, 2)
	assert.Contains(t, names, "background_reload:org:app")

	for _, err := range f.tasks.RunAll(context.Background()) {
		require.NoError(t, err)
	}

	assert.Equal(t, int64(2150), f.balance(t, "org", "app"))
	charges := f.gateway.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, ReloadTriggerThreshold, charges[0].Metadata[payment.MetadataReloadTrigger])
	assert.Equal(t, int64(1900), f.journalSum(t, account.ID))
}

func TestDeduct_BackgroundReloadDoesNotClobberConcurrentDebit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModePAYG, 250, 2000)

	deduct(t, f, "org", "app", 100) // 150，投递后台充值
	deduct(t, f, "org", "app", 50)  // 100，再投递一次

	for _, err := range f.tasks.RunAll(context.Background()) {
		require.NoError(t, err)
	}

	// 第一次充值在 100 的基础上增加，第二次拿到锁后发现已高于阈值，不再扣款
	assert.Equal(t, int64(2100), f.balance(t, "org", "app"))
	assert.Len(t, f.gateway.Charges(), 1)
}

func TestDeduct_RemoteDebitRecordedWithProviderSign(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModeTrial, 500, 0)

	deduct(t, f, "org", "app", 120)
	for _, err := range f.tasks.RunAll(context.Background()) {
		require.NoError(t, err)
	}

	txns := f.gateway.BalanceTxns()
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-120), txns[0].LocalDeltaCents)
	assert.Equal(t, int64(120), payment.ProviderAmount(txns[0].LocalDeltaCents))
	assert.Equal(t, "usage", txns[0].Description)
	assert.NotEmpty(t, txns[0].IdempotencyKey)

	account, err := f.accounts.Get(context.Background(), "org", "app")
	require.NoError(t, err)
	assert.NotEmpty(t, account.CustomerID())
}

func TestDeduct_RemoteFailuresDoNotAffectDebit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModeTrial, 500, 0)
	f.gateway.balanceErr = payment.ErrProviderUnavailable

	result := deduct(t, f, "org", "app", 100)
	assert.True(t, result.Success)

	errs := f.tasks.RunAll(context.Background())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], payment.ErrProviderUnavailable)
	assert.Equal(t, int64(400), f.balance(t, "org", "app"))

	f.tasks.full = true
	result = deduct(t, f, "org", "app", 100)
	assert.True(t, result.Success)
	assert.Equal(t, int64(300), f.balance(t, "org", "app"))
}

func TestDeduct_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.deduct.Deduct(context.Background(), &DeductRequest{OrgID: "missing", AppID: "app", AmountCents: 5})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	f.seed(t, "org", "app", model.BillingModeTrial, 500, 0)
	_, err = f.deduct.Deduct(context.Background(), &DeductRequest{OrgID: "org", AppID: "app", AmountCents: 0})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.deduct.Deduct(context.Background(), &DeductRequest{OrgID: "org", AppID: "app", AmountCents: -1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReloadService_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModePAYG, 100, 2000)

	held := lock.NewReloadLock(f.redis, "org", "app", "other", f.reloads.lockTTL)
	ok, err := held.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.reloads.Run(context.Background(), "org", "app", ReloadTriggerSweep))
	assert.Empty(t, f.gateway.Charges())
	assert.Equal(t, int64(100), f.balance(t, "org", "app"))

	require.NoError(t, held.Unlock(context.Background()))
	require.NoError(t, f.reloads.Run(context.Background(), "org", "app", ReloadTriggerSweep))
	assert.Len(t, f.gateway.Charges(), 1)
	assert.Equal(t, int64(2100), f.balance(t, "org", "app"))
}

func TestReloadService_DeclineLeavesBalance(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModePAYG, 100, 2000)
	f.gateway.chargeErr = payment.ErrPaymentDeclined

	err := f.reloads.Run(context.Background(), "org", "app", ReloadTriggerSweep)
	assert.ErrorIs(t, err, payment.ErrPaymentDeclined)
	assert.Equal(t, int64(100), f.balance(t, "org", "app"))

	// 锁已释放，下次可以重试
	f.gateway.chargeErr = nil
	require.NoError(t, f.reloads.Run(context.Background(), "org", "app", ReloadTriggerSweep))
	assert.Equal(t, int64(2100), f.balance(t, "org", "app"))
}

func TestReloadService_ProviderCreditFailureStillCredits(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org", "app", model.BillingModePAYG, 100, 2000)
	f.gateway.balanceErr = payment.ErrProviderUnavailable

	require.NoError(t, f.reloads.Run(context.Background(), "org", "app", ReloadTriggerSweep))
	assert.Equal(t, int64(2100), f.balance(t, "org", "app"))
}
