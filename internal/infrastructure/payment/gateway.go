package payment

import (
	"context"
	"fmt"
	"time"

	"creditledger/internal/infrastructure/keys"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

// GatewayConfig 网关配置
type GatewayConfig struct {
	Provider        string // 渠道密钥在 keys.Resolver 中的名称
	WebhookProvider string // 回调签名密钥在 keys.Resolver 中的名称
	Currency        string
	SuccessURL      string
	CancelURL       string
	APIBaseURL      string
}

// StripeGateway 以应用级密钥调用 Stripe
//
// 不使用全局 stripe.Key：每个密钥选择器对应一个 client.API，
// 由 HandleCache 持有，密钥轮换后自动淘汰重建。
type StripeGateway struct {
	cfg     GatewayConfig
	clients *HandleCache[*client.API]
	secrets *HandleCache[string]
	logger  *zap.Logger
}

func NewStripeGateway(resolver keys.Resolver, cfg GatewayConfig, logger *zap.Logger) *StripeGateway {
	logger = logger.Named("stripe")
	return &StripeGateway{
		cfg:     cfg,
		clients: NewHandleCache(resolver, cfg.Provider, newClientBuilder(cfg.APIBaseURL), logger),
		secrets: NewHandleCache(resolver, cfg.WebhookProvider, func(secret string) string { return secret }, logger),
		logger:  logger,
	}
}

func newClientBuilder(baseURL string) func(string) *client.API {
	if baseURL == "" {
		return func(key string) *client.API {
			return client.New(key, nil)
		}
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(baseURL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	backends := &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	return func(key string) *client.API {
		return client.New(key, backends)
	}
}

// CreateCustomer 创建渠道客户，幂等键绑定账户ID，并发创建会拿到同一个客户
func (g *StripeGateway) CreateCustomer(ctx context.Context, appID string, in CustomerInput) (string, error) {
	var customerID string
	err := g.clients.Do(ctx, keys.ForApp(appID), func(api *client.API) error {
		params := &stripe.CustomerParams{
			Description: stripe.String(fmt.Sprintf("org %s / app %s", in.OrgID, in.AppID)),
		}
		params.Context = ctx
		params.IdempotencyKey = stripe.String("customer-" + in.AccountID)
		params.AddMetadata(MetadataOrgID, in.OrgID)
		params.AddMetadata(MetadataAppID, in.AppID)
		params.AddMetadata(MetadataAccountID, in.AccountID)

		cust, err := api.Customers.New(params)
		if err != nil {
			return mapStripeError(err)
		}
		customerID = cust.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	g.logger.Info("创建渠道客户",
		zap.String("account_id", in.AccountID),
		zap.String("customer_id", customerID))
	return customerID, nil
}

// CreateBalanceTransaction 记录渠道侧余额流水
func (g *StripeGateway) CreateBalanceTransaction(ctx context.Context, appID string, in BalanceTransactionInput) (*BalanceTransaction, error) {
	if in.CustomerID == "" || in.LocalDeltaCents == 0 {
		return nil, fmt.Errorf("%w: customer and non-zero amount required", ErrInvalidRequest)
	}

	var out *BalanceTransaction
	err := g.clients.Do(ctx, keys.ForApp(appID), func(api *client.API) error {
		params := &stripe.CustomerBalanceTransactionParams{
			Customer:    stripe.String(in.CustomerID),
			Amount:      stripe.Int64(ProviderAmount(in.LocalDeltaCents)),
			Currency:    stripe.String(g.cfg.Currency),
			Description: stripe.String(in.Description),
		}
		params.Context = ctx
		if in.IdempotencyKey != "" {
			params.IdempotencyKey = stripe.String(in.IdempotencyKey)
		}
		for k, v := range in.Metadata {
			params.AddMetadata(k, v)
		}

		txn, err := api.CustomerBalanceTransactions.New(params)
		if err != nil {
			return mapStripeError(err)
		}
		out = toBalanceTransaction(txn)
		return nil
	})
	return out, err
}

// ListBalanceTransactions 查询渠道侧余额流水（最新在前）
func (g *StripeGateway) ListBalanceTransactions(ctx context.Context, appID, customerID string, limit int64) ([]*BalanceTransaction, error) {
	var out []*BalanceTransaction
	err := g.clients.Do(ctx, keys.ForApp(appID), func(api *client.API) error {
		out = out[:0]
		params := &stripe.CustomerBalanceTransactionListParams{
			Customer: stripe.String(customerID),
		}
		params.Context = ctx
		params.Limit = stripe.Int64(limit)
		params.Single = true

		iter := api.CustomerBalanceTransactions.List(params)
		for iter.Next() && int64(len(out)) < limit {
			out = append(out, toBalanceTransaction(iter.CustomerBalanceTransaction()))
		}
		return mapStripeError(iter.Err())
	})
	return out, err
}

// CreateCheckoutSession 创建 Checkout 支付页，支付成功后保存卡用于离线扣款
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, appID string, in CheckoutInput) (*CheckoutSession, error) {
	if in.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	metadata := map[string]string{
		MetadataOrgID:             in.OrgID,
		MetadataAppID:             in.AppID,
		MetadataReloadAmountCents: fmt.Sprintf("%d", in.AmountCents),
	}

	var out *CheckoutSession
	err := g.clients.Do(ctx, keys.ForApp(appID), func(api *client.API) error {
		params := &stripe.CheckoutSessionParams{
			Customer:   stripe.String(in.CustomerID),
			Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
			SuccessURL: stripe.String(g.cfg.SuccessURL),
			CancelURL:  stripe.String(g.cfg.CancelURL),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{
					PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
						Currency:   stripe.String(g.cfg.Currency),
						UnitAmount: stripe.Int64(in.AmountCents),
						ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
							Name: stripe.String("Credit reload"),
						},
					},
					Quantity: stripe.Int64(1),
				},
			},
			PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
				SetupFutureUsage: stripe.String("off_session"),
				Metadata:         metadata,
			},
		}
		params.Context = ctx
		for k, v := range metadata {
			params.AddMetadata(k, v)
		}

		sess, err := api.CheckoutSessions.New(params)
		if err != nil {
			return mapStripeError(err)
		}
		out = &CheckoutSession{ID: sess.ID, URL: sess.URL}
		return nil
	})
	return out, err
}

// ChargeOffSession 对已保存的支付方式离线扣款
//
// confirm=true 立即扣款，off_session=true 告知发卡行用户不在场；
// 需要 3DS 等用户操作时无法完成，按扣款失败处理。
func (g *StripeGateway) ChargeOffSession(ctx context.Context, appID string, in ChargeInput) (*PaymentIntent, error) {
	if in.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if in.CustomerID == "" || in.PaymentMethodID == "" {
		return nil, fmt.Errorf("%w: customer and payment method required", ErrPaymentDeclined)
	}

	var out *PaymentIntent
	err := g.clients.Do(ctx, keys.ForApp(appID), func(api *client.API) error {
		params := &stripe.PaymentIntentParams{
			Amount:        stripe.Int64(in.AmountCents),
			Currency:      stripe.String(g.cfg.Currency),
			Customer:      stripe.String(in.CustomerID),
			PaymentMethod: stripe.String(in.PaymentMethodID),
			Confirm:       stripe.Bool(true),
			OffSession:    stripe.Bool(true),
			Description:   stripe.String(in.Description),
		}
		params.Context = ctx
		if in.IdempotencyKey != "" {
			params.IdempotencyKey = stripe.String(in.IdempotencyKey)
		}
		for k, v := range in.Metadata {
			params.AddMetadata(k, v)
		}

		pi, err := api.PaymentIntents.New(params)
		if err != nil {
			return mapStripeError(err)
		}
		out = toPaymentIntent(pi)
		if pi.Status != stripe.PaymentIntentStatusSucceeded {
			return fmt.Errorf("%w: status is %s", ErrPaymentDeclined, pi.Status)
		}
		return nil
	})
	return out, err
}

// GetPaymentIntent 查询支付意图
func (g *StripeGateway) GetPaymentIntent(ctx context.Context, appID, paymentIntentID string) (*PaymentIntent, error) {
	var out *PaymentIntent
	err := g.clients.Do(ctx, keys.ForApp(appID), func(api *client.API) error {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := api.PaymentIntents.Get(paymentIntentID, params)
		if err != nil {
			return mapStripeError(err)
		}
		out = toPaymentIntent(pi)
		return nil
	})
	return out, err
}

// ConstructEvent 校验回调签名并解析事件
//
// 签名密钥按应用缓存；校验失败时淘汰缓存重新解析一次，
// 密钥确实变了才重试，兼容回调密钥轮换。
func (g *StripeGateway) ConstructEvent(ctx context.Context, appID string, payload []byte, signature string) (stripe.Event, error) {
	sel := keys.ForApp(appID)
	secret, err := g.secrets.Get(ctx, sel)
	if err != nil {
		return stripe.Event{}, err
	}

	event, err := constructEvent(payload, signature, secret)
	if err == nil {
		return event, nil
	}

	g.secrets.Evict(sel)
	fresh, resolveErr := g.secrets.Get(ctx, sel)
	if resolveErr != nil {
		return stripe.Event{}, resolveErr
	}
	if fresh != secret {
		if event, err = constructEvent(payload, signature, fresh); err == nil {
			return event, nil
		}
	}
	return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
}

func constructEvent(payload []byte, signature, secret string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

func toBalanceTransaction(txn *stripe.CustomerBalanceTransaction) *BalanceTransaction {
	return &BalanceTransaction{
		ID:                 txn.ID,
		AmountCents:        LocalAmount(txn.Amount),
		EndingBalanceCents: LocalAmount(txn.EndingBalance),
		Currency:           string(txn.Currency),
		Description:        txn.Description,
		Metadata:           txn.Metadata,
		CreatedAt:          time.Unix(txn.Created, 0).UTC(),
	}
}

func toPaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	out := &PaymentIntent{
		ID:          pi.ID,
		Status:      string(pi.Status),
		AmountCents: pi.Amount,
		Metadata:    pi.Metadata,
	}
	if pi.PaymentMethod != nil {
		out.PaymentMethodID = pi.PaymentMethod.ID
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	return out
}
