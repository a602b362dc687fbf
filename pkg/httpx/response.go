package httpx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorBody 错误响应体
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error 输出 JSON 错误并中止后续处理
func Error(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: message, Code: code})
}

// Coder 带业务错误码的错误
type Coder interface {
	error
	ErrorCode() string
}

// WriteObject 有错误时按错误输出，否则输出对象
func WriteObject(c *gin.Context, obj interface{}, err error) {
	if err == nil {
		c.JSON(http.StatusOK, obj)
		return
	}
	var coded Coder
	if errors.As(err, &coded) {
		Error(c, http.StatusBadRequest, coded.ErrorCode(), coded.Error())
		return
	}
	Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}
