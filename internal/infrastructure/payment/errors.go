package payment

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v81"
)

var (
	// ErrAuthentication 渠道拒绝了当前密钥（过期、轮换、吊销）
	ErrAuthentication = errors.New("payment: authentication failed")
	// ErrProviderUnavailable 渠道不可用，或换新密钥重试后仍然鉴权失败
	ErrProviderUnavailable = errors.New("payment: provider unavailable")
	// ErrPaymentDeclined 扣卡失败（拒付、需要用户验证、余额不足等）
	ErrPaymentDeclined = errors.New("payment: payment declined")
	// ErrSignatureInvalid 回调签名校验失败
	ErrSignatureInvalid = errors.New("payment: webhook signature invalid")
	// ErrInvalidRequest 参数不合法
	ErrInvalidRequest = errors.New("payment: invalid request")
)

// IsAuthError 是否为鉴权类错误，只有这类错误会触发换密钥重试
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// mapStripeError 把 stripe-go 的错误翻译成本包的错误类型，避免 stripe 类型泄漏到业务层
func mapStripeError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrAuthentication, stripeErr.Msg)
		case stripeErr.Type == stripe.ErrorTypeCard ||
			stripeErr.Code == stripe.ErrorCodeCardDeclined ||
			stripeErr.Code == stripe.ErrorCodeExpiredCard ||
			stripeErr.Code == stripe.ErrorCodeAuthenticationRequired:
			return fmt.Errorf("%w: %s", ErrPaymentDeclined, stripeErr.Msg)
		case stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %s", ErrProviderUnavailable, stripeErr.Msg)
		case stripeErr.HTTPStatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrInvalidRequest, stripeErr.Msg)
		}
	}
	return fmt.Errorf("payment: gateway error: %w", err)
}
