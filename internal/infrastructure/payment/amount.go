package payment

// 余额符号约定
//
// 本地账本: credit_balance_cents 为正表示剩余额度，充值为正、扣费为负。
// 渠道侧 customer balance: 为正表示客户欠款，所以扣费记 +amount，
// 赠送和充值记 -amount。两者符号相反，所有换算都走下面两个函数。

// ProviderAmount 把本地余额变动换算成渠道 balance transaction 的金额
func ProviderAmount(localDeltaCents int64) int64 {
	return -localDeltaCents
}

// LocalAmount 把渠道侧金额（单笔或期末余额）换算回本地余额符号
func LocalAmount(providerAmountCents int64) int64 {
	return -providerAmountCents
}

// DebitDelta 扣费对应的本地余额变动
func DebitDelta(amountCents int64) int64 {
	return -amountCents
}

// CreditDelta 充值/赠送对应的本地余额变动
func CreditDelta(amountCents int64) int64 {
	return amountCents
}
