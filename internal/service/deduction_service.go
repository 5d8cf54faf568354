package service

import (
	"context"
	"errors"
	"fmt"

	"creditledger/internal/infrastructure/async"
	"creditledger/internal/infrastructure/payment"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeductionService 扣费引擎
//
// 余额判断和扣减都在持有账户行锁的事务内完成，同一账户的并发扣费串行执行。
// 事务提交后的渠道流水记录和后台充值走后台任务，失败只记日志，不影响已提交的扣费。
type DeductionService struct {
	db          *gorm.DB
	gateway     PaymentGateway
	tasks       TaskSubmitter
	accountRepo *repository.AccountRepository
	ledger      *ledgerWriter
	customers   *customerBinder
	reloads     *ReloadService
	logger      *zap.Logger
}

func NewDeductionService(d Deps, reloads *ReloadService) *DeductionService {
	accountRepo := repository.NewAccountRepository(d.DB)
	return &DeductionService{
		db:          d.DB,
		gateway:     d.Gateway,
		tasks:       d.Tasks,
		accountRepo: accountRepo,
		ledger:      newLedgerWriter(d.DB, d.Config.Kafka.Topic.LedgerEvents),
		customers:   &customerBinder{accountRepo: accountRepo, gateway: d.Gateway},
		reloads:     reloads,
		logger:      d.Logger.Named("deduction"),
	}
}

type DeductRequest struct {
	OrgID       string
	AppID       string
	AmountCents int64
	Description string
	Metadata    map[string]string
}

// DeductResult 扣费结果。额度不足不是错误：Success=false, Depleted=true
type DeductResult struct {
	Success      bool              `json:"success"`
	BalanceCents *int64            `json:"balance_cents"` // byok 为 null
	BillingMode  model.BillingMode `json:"billing_mode"`
	Depleted     bool              `json:"depleted"`
}

// Deduct 扣费
//
//  1. 行锁读取账户，不存在返回 ErrAccountNotFound
//  2. byok 直接成功，不计量
//  3. 余额不足且可自动充值时，在事务内同步充值；充值失败视为额度耗尽
//  4. 仍不足则返回 depleted，不扣减
//  5. 扣减余额，记流水和事件
//  6. 提交后：异步记录渠道侧扣费流水；余额低于阈值时投递后台充值
func (s *DeductionService) Deduct(ctx context.Context, req *DeductRequest) (*DeductResult, error) {
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount_cents must be positive", ErrValidation)
	}

	var (
		result     *DeductResult
		account    *model.BillingAccount
		newBalance int64
		debitNo    string
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.accountRepo.GetForUpdate(ctx, tx, req.OrgID, req.AppID)
		if err != nil {
			return err
		}

		if account.BillingMode == model.BillingModeBYOK {
			result = &DeductResult{Success: true, BillingMode: account.BillingMode}
			return nil
		}

		current := account.CreditBalanceCents
		if current < req.AmountCents && account.CanAutoReload() {
			current, err = s.reloadInTx(ctx, tx, account, current)
			if err != nil {
				return err
			}
		}

		if current < req.AmountCents {
			if err := s.ledger.emit(ctx, tx, account, model.LedgerEventCreditDepleted, -req.AmountCents, current, ""); err != nil {
				return err
			}
			result = &DeductResult{Success: false, BalanceCents: &current, BillingMode: account.BillingMode, Depleted: true}
			return nil
		}

		newBalance = current - req.AmountCents
		if err := s.accountRepo.SetBalance(ctx, tx, account.ID, newBalance); err != nil {
			return fmt.Errorf("扣减余额失败: %w", err)
		}
		trans, err := s.ledger.write(ctx, tx, account, entry{
			txType:      model.CreditTxTypeDeduction,
			eventType:   model.LedgerEventCreditDeducted,
			amount:      -req.AmountCents,
			before:      current,
			description: req.Description,
		})
		if err != nil {
			return err
		}

		debitNo = trans.TransactionNo
		result = &DeductResult{Success: true, BalanceCents: &newBalance, BillingMode: account.BillingMode}
		return nil
	})
	if err != nil {
		if !errors.Is(err, repository.ErrAccountNotFound) {
			s.logger.Error("扣费失败",
				zap.String("org_id", req.OrgID),
				zap.String("app_id", req.AppID),
				zap.Int64("amount_cents", req.AmountCents),
				zap.Error(err))
		}
		return nil, err
	}

	// 以下都在事务提交之后：扣费已经生效，后续失败不回滚
	if debitNo != "" {
		s.submitRemoteDebit(account, req, debitNo)

		if newBalance < account.ReloadThresholdCents && account.CanAutoReload() {
			if !s.reloads.Schedule(account.OrgID, account.AppID, ReloadTriggerThreshold) {
				s.logger.Warn("后台充值投递失败，等待扫描任务补偿",
					zap.String("org_id", account.OrgID),
					zap.String("app_id", account.AppID))
			}
		}
	}

	return result, nil
}

// reloadInTx 余额不足时同步充值，返回充值后的余额
//
// 扣款失败（拒付、渠道异常、无渠道客户）不重试，原样返回当前余额，由调用方按额度耗尽处理。
// 扣款成功但本地入账失败返回 ErrReloadNotApplied，整个扣费失败。
func (s *DeductionService) reloadInTx(ctx context.Context, tx *gorm.DB, account *model.BillingAccount, current int64) (int64, error) {
	amount := *account.ReloadAmountCents
	reloadNo := idgen.GenerateReloadNo()

	pi, err := s.reloads.charge(ctx, tx, account, reloadNo, ReloadTriggerInsufficient)
	if err != nil {
		s.logger.Warn("同步充值失败，按额度耗尽处理",
			zap.String("org_id", account.OrgID),
			zap.String("app_id", account.AppID),
			zap.Int64("amount_cents", amount),
			zap.Error(err))
		return current, nil
	}

	reloaded := current + amount
	if err := s.applyReload(ctx, tx, account, current, amount, pi.ID); err != nil {
		s.logger.Error("同步充值已扣款但本地入账失败",
			zap.String("org_id", account.OrgID),
			zap.String("app_id", account.AppID),
			zap.String("payment_intent", pi.ID),
			zap.Int64("amount_cents", amount),
			zap.Error(err))
		return current, fmt.Errorf("%w: %v", ErrReloadNotApplied, err)
	}

	s.logger.Info("同步充值成功",
		zap.String("org_id", account.OrgID),
		zap.String("app_id", account.AppID),
		zap.String("reload_no", reloadNo),
		zap.Int64("balance_cents", reloaded))
	return reloaded, nil
}

func (s *DeductionService) applyReload(ctx context.Context, tx *gorm.DB, account *model.BillingAccount, current, amount int64, reference string) error {
	if err := s.accountRepo.SetBalance(ctx, tx, account.ID, current+amount); err != nil {
		return err
	}
	_, err := s.ledger.write(ctx, tx, account, entry{
		txType:      model.CreditTxTypeAutoReload,
		eventType:   model.LedgerEventCreditReloaded,
		amount:      amount,
		before:      current,
		reference:   reference,
		description: "auto reload: " + ReloadTriggerInsufficient,
	})
	return err
}

// submitRemoteDebit 异步记录渠道侧扣费流水，仅用于对账和历史查询
func (s *DeductionService) submitRemoteDebit(account *model.BillingAccount, req *DeductRequest, debitNo string) {
	snapshot := *account
	ok := s.tasks.Submit(async.Task{
		Name: "record_debit:" + account.OrgID + ":" + account.AppID,
		Run: func(ctx context.Context) error {
			customerID, err := s.customers.ensure(ctx, nil, &snapshot)
			if err != nil {
				return err
			}
			_, err = s.gateway.CreateBalanceTransaction(ctx, snapshot.AppID, payment.BalanceTransactionInput{
				CustomerID:      customerID,
				LocalDeltaCents: payment.DebitDelta(req.AmountCents),
				Description:     req.Description,
				Metadata:        req.Metadata,
				IdempotencyKey:  debitNo,
			})
			if err != nil {
				return fmt.Errorf("记录渠道扣费流水失败: %w", err)
			}
			return nil
		},
	})
	if !ok {
		s.logger.Warn("渠道扣费流水未记录",
			zap.String("org_id", account.OrgID),
			zap.String("app_id", account.AppID),
			zap.Int64("amount_cents", req.AmountCents))
	}
}
