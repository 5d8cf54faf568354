package model

import (
	"time"
)

// ============================================================================
// 额度流水类型
// ============================================================================

const (
	CreditTxTypeTrialGrant       = "TRIAL_GRANT"       // 开户赠送
	CreditTxTypeDeduction        = "DEDUCTION"         // 用量扣费
	CreditTxTypeAutoReload       = "AUTO_RELOAD"       // 扣费时同步充值
	CreditTxTypeBackgroundReload = "BACKGROUND_RELOAD" // 低于阈值后的后台充值
	CreditTxTypeCheckout         = "CHECKOUT"          // Checkout 支付完成
)

// CreditTransaction 本地额度流水表
//
// 只追加，不修改，不删除。和余额变更在同一事务内写入，
// 记录变更前后余额，便于和渠道侧的 balance transaction 对账。
type CreditTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID     string    `gorm:"type:varchar(36);index;not null" json:"account_id"`
	Type          string    `gorm:"type:varchar(32);not null" json:"type"`
	Amount        int64     `gorm:"not null" json:"amount"` // 正数入账，负数出账
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Reference     string    `gorm:"type:varchar(128)" json:"reference"` // 渠道侧对象ID（payment intent / event）
	Description   string    `gorm:"type:varchar(256)" json:"description"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
