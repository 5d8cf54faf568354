package model

import (
	"time"
)

// BillingMode 计费模式
type BillingMode string

const (
	BillingModeTrial BillingMode = "trial" // 试用：开户赠送少量额度
	BillingModeBYOK  BillingMode = "byok"  // 客户自带密钥，账本不计量
	BillingModePAYG  BillingMode = "payg"  // 按量付费，余额不足时自动充值
)

// DefaultReloadThresholdCents 余额低于该值时触发后台自动充值（$2.00）
const DefaultReloadThresholdCents int64 = 200

// ParseBillingMode 解析计费模式
func ParseBillingMode(s string) (BillingMode, bool) {
	switch BillingMode(s) {
	case BillingModeTrial, BillingModeBYOK, BillingModePAYG:
		return BillingMode(s), true
	}
	return "", false
}

// CanTransitionTo 模式只能离开 trial，不能回到 trial
func (m BillingMode) CanTransitionTo(target BillingMode) bool {
	if target == BillingModeTrial {
		return false
	}
	_, ok := ParseBillingMode(string(target))
	return ok
}

// BillingAccount 计费账户表
// 每个 (org_id, app_id) 一行，credit_balance_cents 是扣费决策的唯一依据
type BillingAccount struct {
	ID                   string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrgID                string      `gorm:"type:varchar(64);uniqueIndex:uk_org_app;not null" json:"org_id"`
	AppID                string      `gorm:"type:varchar(64);uniqueIndex:uk_org_app;not null" json:"app_id"`
	ProviderCustomerID   *string     `gorm:"type:varchar(64);index" json:"provider_customer_id"`
	BillingMode          BillingMode `gorm:"type:varchar(16);not null;default:trial" json:"billing_mode"`
	CreditBalanceCents   int64       `gorm:"not null;default:0" json:"credit_balance_cents"` // 正数表示剩余额度
	ReloadAmountCents    *int64      `json:"reload_amount_cents"`                            // 自动充值金额
	ReloadThresholdCents int64       `gorm:"not null;default:200" json:"reload_threshold_cents"`
	PaymentMethodID      *string     `gorm:"type:varchar(64)" json:"payment_method_id"`
	CreatedAt            time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingAccount) TableName() string {
	return "billing_account"
}

// CanAutoReload payg 且绑定了支付方式和充值金额才能自动充值
func (a *BillingAccount) CanAutoReload() bool {
	return a.BillingMode == BillingModePAYG &&
		a.PaymentMethodID != nil && *a.PaymentMethodID != "" &&
		a.ReloadAmountCents != nil && *a.ReloadAmountCents > 0
}

// CustomerID 渠道客户ID，未创建时返回空串
func (a *BillingAccount) CustomerID() string {
	if a.ProviderCustomerID == nil {
		return ""
	}
	return *a.ProviderCustomerID
}

// BelowThreshold 余额低于后台充值阈值
func (a *BillingAccount) BelowThreshold() bool {
	return a.CreditBalanceCents < a.ReloadThresholdCents
}

// IsDepleted 余额查询接口使用的耗尽判断，与扣费时的充足判断（balance < amount）不同
func (a *BillingAccount) IsDepleted() bool {
	if a.BillingMode == BillingModeBYOK {
		return false
	}
	return a.CreditBalanceCents <= 0
}
