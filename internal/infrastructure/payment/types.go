package payment

import "time"

// 自动充值相关的 metadata key，回调处理据此识别充值扣款
const (
	MetadataAutoReload        = "auto_reload"
	MetadataOrgID             = "org_id"
	MetadataAppID             = "app_id"
	MetadataAccountID         = "account_id"
	MetadataReloadAmountCents = "reload_amount_cents"
	MetadataReloadTrigger     = "reload_trigger"
)

type CustomerInput struct {
	AccountID string
	OrgID     string
	AppID     string
}

// BalanceTransactionInput 渠道侧余额流水。LocalDeltaCents 使用本地余额符号
// （扣费为负，充值为正），由网关负责换算。
type BalanceTransactionInput struct {
	CustomerID      string
	LocalDeltaCents int64
	Description     string
	Metadata        map[string]string
	IdempotencyKey  string
}

// BalanceTransaction 渠道侧余额流水，金额已换算成本地余额符号
type BalanceTransaction struct {
	ID                 string            `json:"id"`
	AmountCents        int64             `json:"amount_cents"`
	EndingBalanceCents int64             `json:"ending_balance_cents"`
	Currency           string            `json:"currency"`
	Description        string            `json:"description"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

type CheckoutInput struct {
	CustomerID  string
	AmountCents int64
	OrgID       string
	AppID       string
}

type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// ChargeInput 离线扣卡（off-session）
type ChargeInput struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Description     string
	IdempotencyKey  string
	Metadata        map[string]string
}

type PaymentIntent struct {
	ID              string
	Status          string
	AmountCents     int64
	PaymentMethodID string
	CustomerID      string
	Metadata        map[string]string
}
