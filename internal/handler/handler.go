package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"creditledger/internal/infrastructure/keys"
	"creditledger/internal/infrastructure/payment"
	"creditledger/internal/model"
	"creditledger/internal/service"
	"creditledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 64 << 10

type AccountService interface {
	GetOrCreate(ctx context.Context, orgID, appID string) (*model.BillingAccount, error)
	GetBalance(ctx context.Context, orgID, appID string) (*service.BalanceView, error)
	ListTransactions(ctx context.Context, orgID, appID string, limit int) ([]*payment.BalanceTransaction, error)
	UpdateMode(ctx context.Context, orgID, appID string, req *service.UpdateModeRequest) (*model.BillingAccount, error)
	CreateCheckout(ctx context.Context, orgID, appID string, amountCents *int64) (*payment.CheckoutSession, error)
}

type DeductionService interface {
	Deduct(ctx context.Context, req *service.DeductRequest) (*service.DeductResult, error)
}

type WebhookService interface {
	HandleEvent(ctx context.Context, appID string, payload []byte, signature string) error
}

// Handler 统一处理器
type Handler struct {
	accounts   AccountService
	deductions DeductionService
	webhooks   WebhookService
	logger     *zap.Logger
}

func NewHandler(accounts AccountService, deductions DeductionService, webhooks WebhookService, logger *zap.Logger) *Handler {
	return &Handler{
		accounts:   accounts,
		deductions: deductions,
		webhooks:   webhooks,
		logger:     logger.Named("handler"),
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetAccount 获取账户，不存在时创建
// GET|POST /api/v1/billing/account
func (h *Handler) GetAccount(c *gin.Context) {
	orgID, appID := identity(c)
	account, err := h.accounts.GetOrCreate(c.Request.Context(), orgID, appID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, account)
}

// GetBalance 查询余额
// GET /api/v1/billing/balance
func (h *Handler) GetBalance(c *gin.Context) {
	orgID, appID := identity(c)
	view, err := h.accounts.GetBalance(c.Request.Context(), orgID, appID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, view)
}

// ListTransactions 渠道侧流水
// GET /api/v1/billing/transactions?limit=20
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			response.ParamError(c, "limit 参数错误")
			return
		}
		if n == 0 {
			response.ParamError(c, "limit 必须在 1-100 之间")
			return
		}
		limit = n
	}

	orgID, appID := identity(c)
	list, err := h.accounts.ListTransactions(c.Request.Context(), orgID, appID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"list": list})
}

// UpdateMode 切换计费模式
// PUT /api/v1/billing/mode
func (h *Handler) UpdateMode(c *gin.Context) {
	var req service.UpdateModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	orgID, appID := identity(c)
	account, err := h.accounts.UpdateMode(c.Request.Context(), orgID, appID, &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, account)
}

// CheckoutRequest 创建支付页请求，金额为空时使用账户充值金额
type CheckoutRequest struct {
	AmountCents *int64 `json:"amount_cents"`
}

// CreateCheckout 创建 Checkout 支付页
// POST /api/v1/billing/checkout
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req CheckoutRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "参数错误: "+err.Error())
			return
		}
	}

	orgID, appID := identity(c)
	session, err := h.accounts.CreateCheckout(c.Request.Context(), orgID, appID, req.AmountCents)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, session)
}

// ============================================================
// 扣费接口
// ============================================================

type DeductRequest struct {
	AmountCents int64             `json:"amount_cents" binding:"required,gt=0"`
	Description string            `json:"description" binding:"max=256"`
	Metadata    map[string]string `json:"metadata"`
}

// Deduct 扣费。额度不足返回 success=false, depleted=true，HTTP 200
// POST /api/v1/billing/deduct
func (h *Handler) Deduct(c *gin.Context) {
	var req DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	orgID, appID := identity(c)
	result, err := h.deductions.Deduct(c.Request.Context(), &service.DeductRequest{
		OrgID:       orgID,
		AppID:       appID,
		AmountCents: req.AmountCents,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 渠道回调
// ============================================================

// StripeWebhook 接收 Stripe 回调，签名校验失败返回 400
// POST /api/v1/webhooks/stripe/:app_id
func (h *Handler) StripeWebhook(c *gin.Context) {
	appID := c.Param("app_id")
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		response.ParamError(c, "读取请求体失败")
		return
	}

	err = h.webhooks.HandleEvent(c.Request.Context(), appID, payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrSignatureInvalid) {
			response.Fail(c, http.StatusBadRequest, response.CodeSignatureInvalid, "签名校验失败")
			return
		}
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"received": true})
}

// fail 按错误类型映射 HTTP 状态码
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, payment.ErrInvalidRequest):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrAccountNotFound):
		response.NotFound(c, response.CodeAccountNotFound, "计费账户不存在")
	case errors.Is(err, service.ErrInvalidModeTransition):
		response.BusinessError(c, response.CodeInvalidModeTransition, err.Error())
	case errors.Is(err, service.ErrPaymentMethodRequired):
		response.BusinessError(c, response.CodePaymentMethodRequired, err.Error())
	case errors.Is(err, payment.ErrProviderUnavailable),
		errors.Is(err, payment.ErrAuthentication),
		errors.Is(err, keys.ErrNotConfigured),
		errors.Is(err, keys.ErrNotFound):
		h.logger.Error("支付渠道不可用", zap.String("path", c.FullPath()), zap.Error(err))
		response.Fail(c, http.StatusBadGateway, response.CodeProviderUnavailable, "支付渠道暂不可用")
	case errors.Is(err, service.ErrReloadNotApplied):
		h.logger.Error("充值入账失败", zap.String("path", c.FullPath()), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, response.CodeReloadNotApplied, "充值入账失败，请联系支持")
	default:
		h.logger.Error("请求处理失败", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}
