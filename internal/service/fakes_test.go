package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/async"
	"creditledger/internal/infrastructure/payment"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/testutil"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeGateway 记录所有调用，可注入错误
type fakeGateway struct {
	mu sync.Mutex

	customers   int
	charges     []payment.ChargeInput
	balanceTxns []payment.BalanceTransactionInput
	checkouts   []payment.CheckoutInput
	intents     map[string]*payment.PaymentIntent
	history     []*payment.BalanceTransaction
	event       stripe.Event
	eventErr    error
	chargeErr   error
	balanceErr  error
	customerErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: map[string]*payment.PaymentIntent{}}
}

func (f *fakeGateway) CreateCustomer(_ context.Context, _ string, in payment.CustomerInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.customerErr != nil {
		return "", f.customerErr
	}
	f.customers++
	return "cus_" + in.AccountID, nil
}

func (f *fakeGateway) CreateBalanceTransaction(_ context.Context, _ string, in payment.BalanceTransactionInput) (*payment.BalanceTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	f.balanceTxns = append(f.balanceTxns, in)
	return &payment.BalanceTransaction{ID: fmt.Sprintf("cbtxn_%d", len(f.balanceTxns)), AmountCents: in.LocalDeltaCents}, nil
}

func (f *fakeGateway) ListBalanceTransactions(_ context.Context, _, _ string, limit int64) ([]*payment.BalanceTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int64(len(f.history)) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, _ string, in payment.CheckoutInput) (*payment.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, in)
	return &payment.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil
}

func (f *fakeGateway) ChargeOffSession(_ context.Context, _ string, in payment.ChargeInput) (*payment.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	f.charges = append(f.charges, in)
	return &payment.PaymentIntent{
		ID:              fmt.Sprintf("pi_%d", len(f.charges)),
		Status:          "succeeded",
		AmountCents:     in.AmountCents,
		PaymentMethodID: in.PaymentMethodID,
		CustomerID:      in.CustomerID,
		Metadata:        in.Metadata,
	}, nil
}

func (f *fakeGateway) GetPaymentIntent(_ context.Context, _, id string) (*payment.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pi, ok := f.intents[id]
	if !ok {
		return nil, payment.ErrInvalidRequest
	}
	return pi, nil
}

func (f *fakeGateway) ConstructEvent(_ context.Context, _ string, _ []byte, _ string) (stripe.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.event, f.eventErr
}

func (f *fakeGateway) Charges() []payment.ChargeInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.ChargeInput(nil), f.charges...)
}

func (f *fakeGateway) BalanceTxns() []payment.BalanceTransactionInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.BalanceTransactionInput(nil), f.balanceTxns...)
}

// fakeTasks 收集投递的后台任务，由测试决定何时执行
type fakeTasks struct {
	mu    sync.Mutex
	tasks []async.Task
	full  bool
}

func (q *fakeTasks) Submit(task async.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.tasks = append(q.tasks, task)
	return true
}

func (q *fakeTasks) Names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.tasks))
	for _, t := range q.tasks {
		names = append(names, t.Name)
	}
	return names
}

// RunAll 执行并清空已投递的任务，返回各任务的错误
func (q *fakeTasks) RunAll(ctx context.Context) []error {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	errs := make([]error, 0, len(tasks))
	for _, t := range tasks {
		errs = append(errs, t.Run(ctx))
	}
	return errs
}

type fixture struct {
	db       *gorm.DB
	redis    *redis.Client
	gateway  *fakeGateway
	tasks    *fakeTasks
	accounts *repository.AccountRepository
	reloads  *ReloadService
	deduct   *DeductionService
	account  *AccountService
	webhooks *WebhookService
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{Topic: config.KafkaTopicConfig{LedgerEvents: "ledger_events"}},
		Billing: config.BillingConfig{
			TrialCreditCents:     500,
			ReloadThresholdCents: 200,
			MinReloadAmountCents: 500,
			ReloadLockSeconds:    30,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	gateway := newFakeGateway()
	tasks := &fakeTasks{}

	d := Deps{
		DB:      db,
		Redis:   rdb,
		Gateway: gateway,
		Tasks:   tasks,
		Config:  testConfig(),
		Logger:  zap.NewNop(),
	}
	reloads := NewReloadService(d)
	return &fixture{
		db:       db,
		redis:    rdb,
		gateway:  gateway,
		tasks:    tasks,
		accounts: repository.NewAccountRepository(db),
		reloads:  reloads,
		deduct:   NewDeductionService(d, reloads),
		account:  NewAccountService(d, reloads),
		webhooks: NewWebhookService(d),
	}
}

// seed 直接写库构造账户，绕开开户赠送
func (f *fixture) seed(t *testing.T, orgID, appID string, mode model.BillingMode, balance int64, reloadAmount int64) *model.BillingAccount {
	t.Helper()
	ctx := context.Background()

	account, _, err := f.accounts.GetOrCreate(ctx, orgID, appID, balance)
	require.NoError(t, err)

	fields := repository.AccountFields{BillingMode: &mode}
	if reloadAmount > 0 {
		pm := "pm_card"
		fields.PaymentMethodID = &pm
		fields.ReloadAmountCents = &reloadAmount
	}
	require.NoError(t, f.accounts.Update(ctx, nil, orgID, appID, fields))

	account, err = f.accounts.Get(ctx, orgID, appID)
	require.NoError(t, err)
	return account
}

func (f *fixture) balance(t *testing.T, orgID, appID string) int64 {
	t.Helper()
	account, err := f.accounts.Get(context.Background(), orgID, appID)
	require.NoError(t, err)
	return account.CreditBalanceCents
}

func (f *fixture) journalSum(t *testing.T, accountID string) int64 {
	t.Helper()
	sum, err := repository.NewTransactionRepository(f.db).SumByAccountID(context.Background(), accountID)
	require.NoError(t, err)
	return sum
}

func (f *fixture) outboxTypes(t *testing.T) []string {
	t.Helper()
	var msgs []*model.OutboxMessage
	require.NoError(t, f.db.Order("id ASC").Find(&msgs).Error)
	types := make([]string, 0, len(msgs))
	for _, m := range msgs {
		types = append(types, m.EventType)
	}
	return types
}
