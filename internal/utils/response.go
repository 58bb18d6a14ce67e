// internal/utils/response.go
package utils

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestIDKey is the gin context key the request id middleware sets
const RequestIDKey = "request_id"

// APIResponse is the envelope of every monitor JSON reply
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError describes a failed monitor request. Details carries the
// underlying error text, which for agent and journal failures is the same
// reason a client would see after "ERROR: ".
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

var errorCodes = map[int]string{
	http.StatusBadRequest:          "BAD_REQUEST",
	http.StatusForbidden:           "FORBIDDEN",
	http.StatusNotFound:            "NOT_FOUND",
	http.StatusInternalServerError: "INTERNAL_ERROR",
	http.StatusServiceUnavailable:  "UNAVAILABLE",
}

// SuccessResponse writes data in a success envelope
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, envelope(c, true, message, data, nil))
}

// ErrorResponse writes an error envelope; err may be nil
func ErrorResponse(c *gin.Context, statusCode int, message string, err error) {
	code, ok := errorCodes[statusCode]
	if !ok {
		code = "ERROR"
	}

	apiError := &APIError{Code: code, Message: message}
	if err != nil {
		apiError.Details = err.Error()
	}

	c.JSON(statusCode, envelope(c, false, message, nil, apiError))
}

func envelope(c *gin.Context, success bool, message string, data interface{}, apiError *APIError) APIResponse {
	return APIResponse{
		Success:   success,
		Message:   message,
		Data:      data,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: c.GetString(RequestIDKey),
	}
}
