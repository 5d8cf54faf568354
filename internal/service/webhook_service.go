package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"creditledger/internal/infrastructure/payment"
	"creditledger/internal/model"
	"creditledger/internal/repository"

	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	EventCheckoutSessionCompleted   = "checkout.session.completed"
	EventPaymentIntentSucceeded     = "payment_intent.succeeded"
	EventPaymentIntentPaymentFailed = "payment_intent.payment_failed"
)

// WebhookService 渠道回调对账
//
// 入账类事件按 event id 去重：去重记录和余额变更在同一个事务里，重复投递直接确认。
// 未知事件类型直接确认，不做处理。
type WebhookService struct {
	db          *gorm.DB
	gateway     PaymentGateway
	accountRepo *repository.AccountRepository
	eventRepo   *repository.WebhookEventRepository
	ledger      *ledgerWriter
	logger      *zap.Logger
}

func NewWebhookService(d Deps) *WebhookService {
	return &WebhookService{
		db:          d.DB,
		gateway:     d.Gateway,
		accountRepo: repository.NewAccountRepository(d.DB),
		eventRepo:   repository.NewWebhookEventRepository(d.DB),
		ledger:      newLedgerWriter(d.DB, d.Config.Kafka.Topic.LedgerEvents),
		logger:      d.Logger.Named("webhook"),
	}
}

// HandleEvent 校验签名并处理事件。签名错误返回 payment.ErrSignatureInvalid
func (s *WebhookService) HandleEvent(ctx context.Context, appID string, payload []byte, signature string) error {
	event, err := s.gateway.ConstructEvent(ctx, appID, payload, signature)
	if err != nil {
		if errors.Is(err, payment.ErrSignatureInvalid) {
			s.logger.Warn("回调签名校验失败", zap.String("app_id", appID))
		}
		return err
	}
	return s.Dispatch(ctx, appID, event)
}

// Dispatch 处理已校验的事件
func (s *WebhookService) Dispatch(ctx context.Context, appID string, event stripe.Event) error {
	switch string(event.Type) {
	case EventCheckoutSessionCompleted:
		return s.handleCheckoutCompleted(ctx, appID, event)
	case EventPaymentIntentSucceeded:
		return s.handlePaymentSucceeded(ctx, event)
	case EventPaymentIntentPaymentFailed:
		return s.handlePaymentFailed(event)
	default:
		s.logger.Debug("忽略回调事件", zap.String("event_id", event.ID), zap.String("type", string(event.Type)))
		return nil
	}
}

func (s *WebhookService) handleCheckoutCompleted(ctx context.Context, appID string, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := decodeEventObject(event, &session); err != nil {
		return err
	}
	if session.Customer == nil || session.Customer.ID == "" {
		s.logger.Warn("checkout 回调缺少客户", zap.String("event_id", event.ID))
		return nil
	}
	customerID := session.Customer.ID

	processed, err := s.eventRepo.IsProcessed(ctx, event.ID)
	if err != nil {
		return err
	}
	if processed {
		s.logger.Info("重复回调，忽略", zap.String("event_id", event.ID))
		return nil
	}

	account, err := s.accountRepo.GetByCustomerID(ctx, nil, customerID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			s.logger.Warn("checkout 回调找不到账户", zap.String("event_id", event.ID), zap.String("customer", customerID))
			return nil
		}
		return err
	}

	var paymentMethodID string
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		pi, err := s.gateway.GetPaymentIntent(ctx, appID, session.PaymentIntent.ID)
		if err != nil {
			return fmt.Errorf("查询支付意图失败: %w", err)
		}
		paymentMethodID = pi.PaymentMethodID
	}

	amount := checkoutReloadAmount(&session, account)
	if amount <= 0 {
		s.logger.Warn("checkout 回调无法确定充值金额", zap.String("event_id", event.ID))
		return nil
	}

	_, err = s.gateway.CreateBalanceTransaction(ctx, appID, payment.BalanceTransactionInput{
		CustomerID:      customerID,
		LocalDeltaCents: payment.CreditDelta(amount),
		Description:     "Checkout reload",
		Metadata:        map[string]string{payment.MetadataAccountID: account.ID},
		IdempotencyKey:  "checkout-" + event.ID,
	})
	if err != nil {
		s.logger.Warn("记录渠道充值流水失败", zap.String("event_id", event.ID), zap.Error(err))
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.accountRepo.GetByCustomerID(ctx, tx, customerID)
		if err != nil {
			return err
		}

		first, err := s.eventRepo.MarkProcessed(ctx, tx, &model.WebhookEvent{
			EventID:   event.ID,
			EventType: string(event.Type),
			AccountID: locked.ID,
		})
		if err != nil {
			return err
		}
		if !first {
			return nil
		}

		fields := repository.AccountFields{}
		if paymentMethodID != "" {
			fields.PaymentMethodID = &paymentMethodID
		}
		if locked.ReloadAmountCents == nil {
			fields.ReloadAmountCents = &amount
		}
		if paymentMethodID != "" || locked.PaymentMethodID != nil {
			payg := model.BillingModePAYG
			fields.BillingMode = &payg
		} else {
			s.logger.Warn("checkout 未返回支付方式，保持当前模式", zap.String("event_id", event.ID))
		}
		if err := s.accountRepo.Update(ctx, tx, locked.OrgID, locked.AppID, fields); err != nil {
			return err
		}
		if err := s.accountRepo.IncrementBalance(ctx, tx, locked.ID, amount); err != nil {
			return err
		}
		if fields.BillingMode != nil {
			locked.BillingMode = *fields.BillingMode
		}

		reference := event.ID
		if session.PaymentIntent != nil {
			reference = session.PaymentIntent.ID
		}
		_, err = s.ledger.write(ctx, tx, locked, entry{
			txType:      model.CreditTxTypeCheckout,
			eventType:   model.LedgerEventCheckoutCompleted,
			amount:      amount,
			before:      locked.CreditBalanceCents,
			reference:   reference,
			description: "checkout reload",
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("checkout 入账失败: %w", err)
	}

	s.logger.Info("checkout 入账成功",
		zap.String("event_id", event.ID),
		zap.String("org_id", account.OrgID),
		zap.String("app_id", account.AppID),
		zap.Int64("amount_cents", amount))
	return nil
}

// checkoutReloadAmount metadata 中的充值金额，缺失时依次回退到账户充值金额、支付总额
func checkoutReloadAmount(session *stripe.CheckoutSession, account *model.BillingAccount) int64 {
	if raw, ok := session.Metadata[payment.MetadataReloadAmountCents]; ok {
		if amount, err := strconv.ParseInt(raw, 10, 64); err == nil && amount > 0 {
			return amount
		}
	}
	if account.ReloadAmountCents != nil && *account.ReloadAmountCents > 0 {
		return *account.ReloadAmountCents
	}
	return session.AmountTotal
}

// handlePaymentSucceeded 自动充值扣款成功：卡被更新时同步新的支付方式
func (s *WebhookService) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := decodeEventObject(event, &pi); err != nil {
		return err
	}
	if pi.Metadata[payment.MetadataAutoReload] != "true" {
		return nil
	}
	if pi.Customer == nil || pi.PaymentMethod == nil || pi.PaymentMethod.ID == "" {
		return nil
	}

	account, err := s.accountRepo.GetByCustomerID(ctx, nil, pi.Customer.ID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			s.logger.Warn("充值回调找不到账户", zap.String("event_id", event.ID), zap.String("customer", pi.Customer.ID))
			return nil
		}
		return err
	}

	newMethod := pi.PaymentMethod.ID
	if account.PaymentMethodID != nil && *account.PaymentMethodID == newMethod {
		return nil
	}

	if err := s.accountRepo.Update(ctx, nil, account.OrgID, account.AppID, repository.AccountFields{PaymentMethodID: &newMethod}); err != nil {
		return err
	}
	s.logger.Info("支付方式已更新",
		zap.String("org_id", account.OrgID),
		zap.String("app_id", account.AppID),
		zap.String("payment_method", newMethod))
	return nil
}

// handlePaymentFailed 自动充值扣款失败只记日志，账户不变
func (s *WebhookService) handlePaymentFailed(event stripe.Event) error {
	var pi stripe.PaymentIntent
	if err := decodeEventObject(event, &pi); err != nil {
		return err
	}
	if pi.Metadata[payment.MetadataAutoReload] != "true" {
		return nil
	}

	reason := ""
	if pi.LastPaymentError != nil {
		reason = pi.LastPaymentError.Msg
	}
	s.logger.Warn("自动充值扣款失败",
		zap.String("event_id", event.ID),
		zap.String("org_id", pi.Metadata[payment.MetadataOrgID]),
		zap.String("app_id", pi.Metadata[payment.MetadataAppID]),
		zap.String("payment_intent", pi.ID),
		zap.String("reason", reason))
	return nil
}

func decodeEventObject(event stripe.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data", ErrValidation, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: decode event %s: %v", ErrValidation, event.ID, err)
	}
	return nil
}
