package service

import (
	"context"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/async"
	"creditledger/internal/infrastructure/payment"

	"github.com/go-redis/redis/v8"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PaymentGateway 渠道操作，生产实现为 payment.StripeGateway
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, appID string, in payment.CustomerInput) (string, error)
	CreateBalanceTransaction(ctx context.Context, appID string, in payment.BalanceTransactionInput) (*payment.BalanceTransaction, error)
	ListBalanceTransactions(ctx context.Context, appID, customerID string, limit int64) ([]*payment.BalanceTransaction, error)
	CreateCheckoutSession(ctx context.Context, appID string, in payment.CheckoutInput) (*payment.CheckoutSession, error)
	ChargeOffSession(ctx context.Context, appID string, in payment.ChargeInput) (*payment.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, appID, paymentIntentID string) (*payment.PaymentIntent, error)
	ConstructEvent(ctx context.Context, appID string, payload []byte, signature string) (stripe.Event, error)
}

// TaskSubmitter 后台任务投递，生产实现为 async.Queue
type TaskSubmitter interface {
	Submit(task async.Task) bool
}

// Deps 各服务共享的依赖
type Deps struct {
	DB      *gorm.DB
	Redis   redis.Cmdable
	Gateway PaymentGateway
	Tasks   TaskSubmitter
	Config  *config.Config
	Logger  *zap.Logger
}

func (d Deps) reloadLockTTL() time.Duration {
	if d.Config.Billing.ReloadLockSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(d.Config.Billing.ReloadLockSeconds) * time.Second
}
