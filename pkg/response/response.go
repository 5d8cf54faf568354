package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBadGateway    = 502
	CodeBusinessError = 1000
)

const (
	CodeAccountNotFound       = 1001
	CodeInvalidModeTransition = 1002
	CodePaymentMethodRequired = 1003
	CodeReloadNotApplied      = 1004
	CodeSignatureInvalid      = 1005
	CodeProviderUnavailable   = 1006
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Fail 以指定 HTTP 状态码返回错误
func Fail(c *gin.Context, status, code int, message string) {
	c.AbortWithStatusJSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, CodeParamError, message)
}

func Unauthorized(c *gin.Context, message string) {
	Fail(c, http.StatusUnauthorized, CodeUnauthorized, message)
}

func NotFound(c *gin.Context, code int, message string) {
	Fail(c, http.StatusNotFound, code, message)
}

func ServerError(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Fail(c, http.StatusBadRequest, code, message)
}
