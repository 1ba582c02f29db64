package response

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aura-live/backend/internal/errs"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Error: err})
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	c.JSON(http.StatusForbidden, Body{Success: false, Error: err})
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, Body{Success: false, Error: err})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Error: err})
}

// Error maps a domain error to its HTTP status. Throttling errors set Retry-After.
func Error(c *gin.Context, err error) {
	code := errs.Code(err)
	status := http.StatusInternalServerError
	msg := "internal error"
	switch code {
	case errs.CodeInvalid:
		status = http.StatusBadRequest
	case errs.CodeForbidden, errs.CodeBlocked:
		status = http.StatusForbidden
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeNotLive:
		status = http.StatusConflict
	case errs.CodeSlowMode, errs.CodeRateLimited:
		status = http.StatusTooManyRequests
		if secs := errs.RetryAfterSeconds(err); secs > 0 {
			c.Header("Retry-After", strconv.Itoa(secs))
		}
	case errs.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	if status != http.StatusInternalServerError {
		msg = err.Error()
	}
	c.JSON(status, Body{Success: false, Error: msg, Code: code})
}
