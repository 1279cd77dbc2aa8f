package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Error codes returned in the error envelope.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "SESSION_NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeInternal   = "INTERNAL_ERROR"
)

// Response is the envelope of every API response.
type Response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *Error    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error is the failure part of the envelope.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Success: true, Data: data, Timestamp: time.Now().UTC()})
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Response{
		Success:   false,
		Error:     &Error{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	})
}

func badRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, CodeBadRequest, message)
}
