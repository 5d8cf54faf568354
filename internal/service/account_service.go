package service

import (
	"context"
	"errors"
	"fmt"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/async"
	"creditledger/internal/infrastructure/payment"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type AccountService struct {
	db          *gorm.DB
	gateway     PaymentGateway
	tasks       TaskSubmitter
	accountRepo *repository.AccountRepository
	ledger      *ledgerWriter
	customers   *customerBinder
	reloads     *ReloadService
	billing     config.BillingConfig
	logger      *zap.Logger
}

func NewAccountService(d Deps, reloads *ReloadService) *AccountService {
	accountRepo := repository.NewAccountRepository(d.DB).WithReloadThreshold(d.Config.Billing.ReloadThresholdCents)
	return &AccountService{
		db:          d.DB,
		gateway:     d.Gateway,
		tasks:       d.Tasks,
		accountRepo: accountRepo,
		ledger:      newLedgerWriter(d.DB, d.Config.Kafka.Topic.LedgerEvents),
		customers:   &customerBinder{accountRepo: accountRepo, gateway: d.Gateway},
		reloads:     reloads,
		billing:     d.Config.Billing,
		logger:      d.Logger.Named("account"),
	}
}

// GetOrCreate 获取账户，首次访问时创建试用账户
//
// 并发首次访问只有真正插入的那个请求 created=true，由它负责记录赠送流水
// 并在后台创建渠道客户、记录渠道侧赠送额度。
func (s *AccountService) GetOrCreate(ctx context.Context, orgID, appID string) (*model.BillingAccount, error) {
	if orgID == "" || appID == "" {
		return nil, fmt.Errorf("%w: org_id and app_id are required", ErrValidation)
	}

	account, created, err := s.accountRepo.GetOrCreate(ctx, orgID, appID, s.billing.TrialCreditCents)
	if err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}
	if !created {
		return account, nil
	}

	s.logger.Info("创建计费账户",
		zap.String("org_id", orgID),
		zap.String("app_id", appID),
		zap.String("account_id", account.ID),
		zap.Int64("trial_credit_cents", account.CreditBalanceCents))

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if account.CreditBalanceCents > 0 {
			_, err := s.ledger.write(ctx, tx, account, entry{
				txType:      model.CreditTxTypeTrialGrant,
				eventType:   model.LedgerEventAccountCreated,
				amount:      account.CreditBalanceCents,
				before:      0,
				description: "trial credit",
			})
			return err
		}
		return s.ledger.emit(ctx, tx, account, model.LedgerEventAccountCreated, 0, 0, "")
	})
	if err != nil {
		// 账户已经建好，流水缺失只影响对账
		s.logger.Error("记录试用赠送流水失败", zap.String("account_id", account.ID), zap.Error(err))
	}

	if account.CreditBalanceCents > 0 {
		s.submitTrialGrant(account)
	}
	return account, nil
}

func (s *AccountService) submitTrialGrant(account *model.BillingAccount) {
	snapshot := *account
	s.tasks.Submit(async.Task{
		Name: "trial_grant:" + account.OrgID + ":" + account.AppID,
		Run: func(ctx context.Context) error {
			customerID, err := s.customers.ensure(ctx, nil, &snapshot)
			if err != nil {
				return err
			}
			_, err = s.gateway.CreateBalanceTransaction(ctx, snapshot.AppID, payment.BalanceTransactionInput{
				CustomerID:      customerID,
				LocalDeltaCents: payment.CreditDelta(snapshot.CreditBalanceCents),
				Description:     "Trial credit",
				IdempotencyKey:  "trial-" + snapshot.ID,
			})
			if err != nil {
				return fmt.Errorf("记录渠道试用额度失败: %w", err)
			}
			return nil
		},
	})
}

// BalanceView 余额查询结果
type BalanceView struct {
	BalanceCents int64             `json:"balance_cents"`
	BillingMode  model.BillingMode `json:"billing_mode"`
	Depleted     bool              `json:"depleted"`
}

// GetBalance 余额查询，depleted 表示余额 <= 0（byok 永不耗尽），和扣费时的充足判断不同
func (s *AccountService) GetBalance(ctx context.Context, orgID, appID string) (*BalanceView, error) {
	account, err := s.GetOrCreate(ctx, orgID, appID)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		BalanceCents: account.CreditBalanceCents,
		BillingMode:  account.BillingMode,
		Depleted:     account.IsDepleted(),
	}, nil
}

// ListTransactions 渠道侧流水，金额已换算为本地符号，最新的在前
func (s *AccountService) ListTransactions(ctx context.Context, orgID, appID string, limit int) ([]*payment.BalanceTransaction, error) {
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit < 1 || limit > maxHistoryLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, maxHistoryLimit)
	}

	account, err := s.GetOrCreate(ctx, orgID, appID)
	if err != nil {
		return nil, err
	}
	if account.CustomerID() == "" {
		return []*payment.BalanceTransaction{}, nil
	}

	return s.gateway.ListBalanceTransactions(ctx, appID, account.CustomerID(), int64(limit))
}

// UpdateModeRequest 模式和自动充值设置，指针字段为 nil 表示不修改
type UpdateModeRequest struct {
	BillingMode          string  `json:"billing_mode" binding:"required"`
	PaymentMethodID      *string `json:"payment_method_id"`
	ReloadAmountCents    *int64  `json:"reload_amount_cents"`
	ReloadThresholdCents *int64  `json:"reload_threshold_cents"`
}

// UpdateMode 切换计费模式
//
// 不能回到 trial；切到 payg 时支付方式和充值金额必须已配置或在本次请求中提供。
func (s *AccountService) UpdateMode(ctx context.Context, orgID, appID string, req *UpdateModeRequest) (*model.BillingAccount, error) {
	target, ok := model.ParseBillingMode(req.BillingMode)
	if !ok {
		return nil, fmt.Errorf("%w: unknown billing_mode %q", ErrValidation, req.BillingMode)
	}
	if req.ReloadAmountCents != nil && *req.ReloadAmountCents < s.billing.MinReloadAmountCents {
		return nil, fmt.Errorf("%w: reload_amount_cents must be at least %d", ErrValidation, s.billing.MinReloadAmountCents)
	}
	if req.ReloadThresholdCents != nil && *req.ReloadThresholdCents < 0 {
		return nil, fmt.Errorf("%w: reload_threshold_cents must not be negative", ErrValidation)
	}
	if req.PaymentMethodID != nil && *req.PaymentMethodID == "" {
		return nil, fmt.Errorf("%w: payment_method_id must not be empty", ErrValidation)
	}

	if _, err := s.GetOrCreate(ctx, orgID, appID); err != nil {
		return nil, err
	}

	var updated *model.BillingAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetForUpdate(ctx, tx, orgID, appID)
		if err != nil {
			return err
		}
		if !account.BillingMode.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidModeTransition, account.BillingMode, target)
		}

		if target == model.BillingModePAYG {
			paymentMethod := req.PaymentMethodID
			if paymentMethod == nil {
				paymentMethod = account.PaymentMethodID
			}
			reloadAmount := req.ReloadAmountCents
			if reloadAmount == nil {
				reloadAmount = account.ReloadAmountCents
			}
			if paymentMethod == nil || *paymentMethod == "" || reloadAmount == nil || *reloadAmount <= 0 {
				return ErrPaymentMethodRequired
			}
		}

		err = s.accountRepo.Update(ctx, tx, orgID, appID, repository.AccountFields{
			BillingMode:          &target,
			PaymentMethodID:      req.PaymentMethodID,
			ReloadAmountCents:    req.ReloadAmountCents,
			ReloadThresholdCents: req.ReloadThresholdCents,
		})
		if err != nil {
			return err
		}

		updated, err = s.accountRepo.GetByID(ctx, tx, account.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("计费模式已更新",
		zap.String("org_id", orgID),
		zap.String("app_id", appID),
		zap.String("billing_mode", string(updated.BillingMode)))

	if updated.CanAutoReload() && updated.BelowThreshold() {
		s.reloads.Schedule(orgID, appID, ReloadTriggerModeChange)
	}
	return updated, nil
}

// CreateCheckout 创建 Checkout 支付页，未指定金额时使用账户充值金额
func (s *AccountService) CreateCheckout(ctx context.Context, orgID, appID string, amountCents *int64) (*payment.CheckoutSession, error) {
	account, err := s.GetOrCreate(ctx, orgID, appID)
	if err != nil {
		return nil, err
	}

	amount := s.billing.MinReloadAmountCents
	switch {
	case amountCents != nil:
		amount = *amountCents
	case account.ReloadAmountCents != nil:
		amount = *account.ReloadAmountCents
	}
	if amount <= 0 || amount < s.billing.MinReloadAmountCents {
		return nil, fmt.Errorf("%w: amount_cents must be at least %d", ErrValidation, s.billing.MinReloadAmountCents)
	}

	customerID, err := s.customers.ensure(ctx, nil, account)
	if err != nil {
		return nil, err
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, appID, payment.CheckoutInput{
		CustomerID:  customerID,
		AmountCents: amount,
		OrgID:       orgID,
		AppID:       appID,
	})
	if err != nil {
		if errors.Is(err, payment.ErrInvalidRequest) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	return session, nil
}
