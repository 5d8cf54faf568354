package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"creditledger/internal/infrastructure/payment"
	"creditledger/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
)

func newEvent(t *testing.T, id, eventType string, object interface{}) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return stripe.Event{
		ID:   id,
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func (f *fixture) seedCustomer(t *testing.T, account *model.BillingAccount, customerID string) {
	t.Helper()
	ok, err := f.accounts.SetCustomerIDIfEmpty(context.Background(), nil, account.ID, customerID)
	require.NoError(t, err)
	require.True(t, ok)
}

func checkoutObject(customer, paymentIntent string, amountTotal int64, metadata map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":             "cs_test",
		"object":         "checkout.session",
		"customer":       customer,
		"payment_intent": paymentIntent,
		"amount_total":   amountTotal,
		"metadata":       metadata,
	}
}

func TestWebhook_CheckoutCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seed(t, "org", "app", model.BillingModeTrial, 120, 0)
	f.seedCustomer(t, account, "cus_x")
	f.gateway.intents["pi_1"] = &payment.PaymentIntent{ID: "pi_1", PaymentMethodID: "pm_new"}

	event := newEvent(t, "evt_1", EventCheckoutSessionCompleted,
		checkoutObject("cus_x", "pi_1", 2000, map[string]string{payment.MetadataReloadAmountCents: "2000"}))

	require.NoError(t, f.webhooks.Dispatch(ctx, "app", event))

	got, err := f.accounts.Get(ctx, "org", "app")
	require.NoError(t, err)
	assert.Equal(t, model.BillingModePAYG, got.BillingMode)
	assert.Equal(t, int64(2120), got.CreditBalanceCents)
	assert.Equal(t, "pm_new", *got.PaymentMethodID)
	assert.Equal(t, int64(2000), *got.ReloadAmountCents)
	assert.Equal(t, int64(2000), f.journalSum(t, account.ID))
	assert.Equal(t, []string{model.LedgerEventCheckoutCompleted}, f.outboxTypes(t))

	txns := f.gateway.BalanceTxns()
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-2000), payment.ProviderAmount(txns[0].LocalDeltaCents))
	assert.Equal(t, "checkout-evt_1", txns[0].IdempotencyKey)

	t.Run("duplicate delivery is acknowledged without effect", func(t *testing.T) {
		require.NoError(t, f.webhooks.Dispatch(ctx, "app", event))
		assert.Equal(t, int64(2120), f.balance(t, "org", "app"))
		assert.Len(t, f.gateway.BalanceTxns(), 1)
	})
}

func TestWebhook_CheckoutFallsBackToStoredReloadAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seed(t, "org", "app", model.BillingModeBYOK, 0, 1500)
	f.seedCustomer(t, account, "cus_x")

	event := newEvent(t, "evt_2", EventCheckoutSessionCompleted, checkoutObject("cus_x", "", 9999, nil))
	require.NoError(t, f.webhooks.Dispatch(ctx, "app", event))

	got, err := f.accounts.Get(ctx, "org", "app")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got.CreditBalanceCents)
	assert.Equal(t, model.BillingModePAYG, got.BillingMode)
	assert.Equal(t, "pm_card", *got.PaymentMethodID)
}

func TestWebhook_CheckoutUnknownCustomerIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	event := newEvent(t, "evt_3", EventCheckoutSessionCompleted, checkoutObject("cus_unknown", "", 2000, nil))

	require.NoError(t, f.webhooks.Dispatch(context.Background(), "app", event))
	assert.Empty(t, f.gateway.BalanceTxns())
	assert.Empty(t, f.outboxTypes(t))
}

func TestWebhook_PaymentSucceededUpdatesPaymentMethod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seed(t, "org", "app", model.BillingModePAYG, 100, 2000)
	f.seedCustomer(t, account, "cus_x")

	plain := newEvent(t, "evt_4", EventPaymentIntentSucceeded, map[string]interface{}{
		"id":             "pi_9",
		"object":         "payment_intent",
		"customer":       "cus_x",
		"payment_method": "pm_other",
	})
	require.NoError(t, f.webhooks.Dispatch(ctx, "app", plain))
	got, err := f.accounts.Get(ctx, "org", "app")
	require.NoError(t, err)
	assert.Equal(t, "pm_card", *got.PaymentMethodID)

	reload := newEvent(t, "evt_5", EventPaymentIntentSucceeded, map[string]interface{}{
		"id":             "pi_10",
		"object":         "payment_intent",
		"customer":       "cus_x",
		"payment_method": "pm_updated",
		"metadata":       map[string]string{payment.MetadataAutoReload: "true"},
	})
	require.NoError(t, f.webhooks.Dispatch(ctx, "app", reload))
	got, err = f.accounts.Get(ctx, "org", "app")
	require.NoError(t, err)
	assert.Equal(t, "pm_updated", *got.PaymentMethodID)
	assert.Equal(t, int64(100), got.CreditBalanceCents)
}

func TestWebhook_OtherEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	failed := newEvent(t, "evt_6", EventPaymentIntentPaymentFailed, map[string]interface{}{
		"id":       "pi_11",
		"object":   "payment_intent",
		"metadata": map[string]string{payment.MetadataAutoReload: "true", payment.MetadataOrgID: "org"},
		"last_payment_error": map[string]interface{}{
			"message": "Your card was declined.",
		},
	})
	assert.NoError(t, f.webhooks.Dispatch(ctx, "app", failed))

	unknown := newEvent(t, "evt_7", "invoice.paid", map[string]interface{}{"id": "in_1"})
	assert.NoError(t, f.webhooks.Dispatch(ctx, "app", unknown))

	broken := stripe.Event{ID: "evt_8", Type: EventCheckoutSessionCompleted, Data: &stripe.EventData{Raw: []byte("not json")}}
	assert.ErrorIs(t, f.webhooks.Dispatch(ctx, "app", broken), ErrValidation)
}

func TestWebhook_HandleEventSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.gateway.eventErr = fmt.Errorf("%w: bad header", payment.ErrSignatureInvalid)
	err := f.webhooks.HandleEvent(ctx, "app", []byte(`{}`), "t=1,v1=bad")
	assert.ErrorIs(t, err, payment.ErrSignatureInvalid)

	f.gateway.eventErr = nil
	f.gateway.event = newEvent(t, "evt_9", "customer.created", map[string]interface{}{"id": "cus_1"})
	assert.NoError(t, f.webhooks.HandleEvent(ctx, "app", []byte(`{}`), "t=1,v1=ok"))
}
