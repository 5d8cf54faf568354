package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"creditledger/internal/infrastructure/async"
	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/infrastructure/payment"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 充值触发原因，写入扣款 metadata
const (
	ReloadTriggerInsufficient = "insufficient_balance"
	ReloadTriggerThreshold    = "below_threshold"
	ReloadTriggerSweep        = "sweep"
	ReloadTriggerModeChange   = "mode_change"
)

// ReloadService 自动充值
//
// 同步充值在扣费事务内执行（持有行锁），入账用 SetBalance；
// 后台充值在锁外执行，入账只能用 IncrementBalance，不能基于之前读到的余额覆盖。
// 同一账户的后台充值用 Redis 锁互斥，拿到锁后重新读取账户再决定是否扣款。
type ReloadService struct {
	db          *gorm.DB
	redis       redis.Cmdable
	gateway     PaymentGateway
	tasks       TaskSubmitter
	accountRepo *repository.AccountRepository
	ledger      *ledgerWriter
	customers   *customerBinder
	lockTTL     time.Duration
	logger      *zap.Logger
}

func NewReloadService(d Deps) *ReloadService {
	accountRepo := repository.NewAccountRepository(d.DB)
	return &ReloadService{
		db:          d.DB,
		redis:       d.Redis,
		gateway:     d.Gateway,
		tasks:       d.Tasks,
		accountRepo: accountRepo,
		ledger:      newLedgerWriter(d.DB, d.Config.Kafka.Topic.LedgerEvents),
		customers:   &customerBinder{accountRepo: accountRepo, gateway: d.Gateway},
		lockTTL:     d.reloadLockTTL(),
		logger:      d.Logger.Named("reload"),
	}
}

// Schedule 投递一次后台充值，不阻塞调用方
func (s *ReloadService) Schedule(orgID, appID, trigger string) bool {
	return s.tasks.Submit(async.Task{
		Name: "background_reload:" + orgID + ":" + appID,
		Run: func(ctx context.Context) error {
			return s.Run(ctx, orgID, appID, trigger)
		},
	})
}

// Run 执行一次后台充值
func (s *ReloadService) Run(ctx context.Context, orgID, appID, trigger string) error {
	reloadNo := idgen.GenerateReloadNo()
	reloadLock := lock.NewReloadLock(s.redis, orgID, appID, reloadNo, s.lockTTL)

	ok, err := reloadLock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("获取充值锁失败: %w", err)
	}
	if !ok {
		s.logger.Debug("已有充值在进行，跳过", zap.String("org_id", orgID), zap.String("app_id", appID))
		return nil
	}
	defer reloadLock.Unlock(ctx)

	// 拿到锁之后重新读取：上一次充值可能已经把余额拉回阈值之上
	account, err := s.accountRepo.Get(ctx, orgID, appID)
	if err != nil {
		return err
	}
	if !account.CanAutoReload() || !account.BelowThreshold() {
		s.logger.Debug("无需后台充值",
			zap.String("org_id", orgID),
			zap.String("app_id", appID),
			zap.Int64("balance_cents", account.CreditBalanceCents))
		return nil
	}

	amount := *account.ReloadAmountCents
	pi, err := s.charge(ctx, nil, account, reloadNo, trigger)
	if err != nil {
		return fmt.Errorf("后台充值扣款失败: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.IncrementBalance(ctx, tx, account.ID, amount); err != nil {
			return err
		}
		// 增量已经生效，再读一次拿到准确的入账后余额
		fresh, err := s.accountRepo.GetByID(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		_, err = s.ledger.write(ctx, tx, fresh, entry{
			txType:      model.CreditTxTypeBackgroundReload,
			eventType:   model.LedgerEventCreditReloaded,
			amount:      amount,
			before:      fresh.CreditBalanceCents - amount,
			reference:   pi.ID,
			description: "background reload: " + trigger,
		})
		return err
	})
	if err != nil {
		s.logger.Error("后台充值已扣款但本地入账失败",
			zap.String("org_id", orgID),
			zap.String("app_id", appID),
			zap.String("payment_intent", pi.ID),
			zap.Int64("amount_cents", amount),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrReloadNotApplied, err)
	}

	s.logger.Info("后台充值成功",
		zap.String("org_id", orgID),
		zap.String("app_id", appID),
		zap.String("reload_no", reloadNo),
		zap.Int64("amount_cents", amount))
	return nil
}

// charge 对账户绑定的支付方式扣款，成功后记录渠道侧充值流水
//
// 渠道流水记录失败只记日志：钱已经扣了，本地必须照常入账。
func (s *ReloadService) charge(ctx context.Context, tx *gorm.DB, account *model.BillingAccount, reloadNo, trigger string) (*payment.PaymentIntent, error) {
	if !account.CanAutoReload() {
		return nil, errors.New("账户未配置自动充值")
	}

	customerID, err := s.customers.ensure(ctx, tx, account)
	if err != nil {
		return nil, err
	}

	amount := *account.ReloadAmountCents
	metadata := map[string]string{
		payment.MetadataAutoReload:        "true",
		payment.MetadataOrgID:             account.OrgID,
		payment.MetadataAppID:             account.AppID,
		payment.MetadataAccountID:         account.ID,
		payment.MetadataReloadAmountCents: strconv.FormatInt(amount, 10),
		payment.MetadataReloadTrigger:     trigger,
	}

	pi, err := s.gateway.ChargeOffSession(ctx, account.AppID, payment.ChargeInput{
		CustomerID:      customerID,
		PaymentMethodID: *account.PaymentMethodID,
		AmountCents:     amount,
		Description:     "Credit auto-reload",
		IdempotencyKey:  reloadNo,
		Metadata:        metadata,
	})
	if err != nil {
		return nil, err
	}

	_, err = s.gateway.CreateBalanceTransaction(ctx, account.AppID, payment.BalanceTransactionInput{
		CustomerID:      customerID,
		LocalDeltaCents: payment.CreditDelta(amount),
		Description:     "Auto-reload credit",
		Metadata:        metadata,
		IdempotencyKey:  reloadNo + "-credit",
	})
	if err != nil {
		s.logger.Warn("记录渠道充值流水失败",
			zap.String("org_id", account.OrgID),
			zap.String("app_id", account.AppID),
			zap.String("payment_intent", pi.ID),
			zap.Int64("amount_cents", amount),
			zap.Error(err))
	}
	return pi, nil
}
