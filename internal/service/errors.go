package service

import (
	"errors"

	"creditledger/internal/repository"
)

var (
	ErrAccountNotFound       = repository.ErrAccountNotFound
	ErrValidation            = errors.New("参数不合法")
	ErrInvalidModeTransition = errors.New("不允许的计费模式切换")
	ErrPaymentMethodRequired = errors.New("切换到 payg 需要支付方式和充值金额")
	// ErrReloadNotApplied 渠道已扣款但本地余额没有入账，必须上报而不能吞掉
	ErrReloadNotApplied = errors.New("充值已扣款但本地入账失败")
)
