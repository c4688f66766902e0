package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Reason  string      `json:"reason,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func write(c *gin.Context, status int, r Response) {
	c.JSON(status, r)
}

// Success 200
func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, Response{Code: 0, Message: "success", Data: data})
}

// Created 201
func Created(c *gin.Context, data interface{}) {
	write(c, http.StatusCreated, Response{Code: 0, Message: "created", Data: data})
}

func BadRequest(c *gin.Context, msg string) {
	write(c, http.StatusBadRequest, Response{Code: http.StatusBadRequest, Message: msg, Reason: "BAD_REQUEST"})
}

func NotFound(c *gin.Context, msg string) {
	write(c, http.StatusNotFound, Response{Code: http.StatusNotFound, Message: msg, Reason: "NOT_FOUND"})
}

// Conflict 409，reason 为机器可读的错误码
func Conflict(c *gin.Context, reason, msg string) {
	write(c, http.StatusConflict, Response{Code: http.StatusConflict, Message: msg, Reason: reason})
}

func ServiceUnavailable(c *gin.Context, reason, msg string) {
	write(c, http.StatusServiceUnavailable, Response{Code: http.StatusServiceUnavailable, Message: msg, Reason: reason})
}

// InternalError 500，不向客户端暴露内部错误细节
func InternalError(c *gin.Context, err error) {
	_ = c.Error(err)
	write(c, http.StatusInternalServerError, Response{Code: http.StatusInternalServerError, Message: "internal server error", Reason: "INTERNAL"})
}
