package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/railhook/internal/webhook/domain"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

var (
	ErrInvalidRequest   = errors.New("invalid_request")
	ErrNotFound         = errors.New("not_found")
	ErrMethodNotAllowed = errors.New("method_not_allowed")
)

// ErrorHandlingMiddleware writes the response for the last error attached to
// the context when the handler did not write one itself.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, payload)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError never echoes the underlying error text; store failures can carry
// SQL fragments.
func mapError(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorResponse{Error: "Invalid signature"}
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, errorResponse{Error: "Rate limit exceeded"}
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorResponse{Error: "Payload too large"}
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"}
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorResponse{Error: "Not found"}
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorResponse{Error: "Invalid request", Message: "request body could not be read"}
	case errors.Is(err, domain.ErrEnqueueFailed):
		return http.StatusInternalServerError, errorResponse{
			Error:   "Failed to queue webhook",
			Message: "the event could not be queued for processing, please retry",
		}
	default:
		return http.StatusInternalServerError, errorResponse{
			Error:   "Internal server error",
			Message: "the event could not be stored, please retry",
		}
	}
}

// classifyErrorForLog returns the error type and code logged with the request.
func classifyErrorForLog(err error) (string, string) {
	switch {
	case err == nil:
		return "", ""
	case errors.Is(err, domain.ErrInvalidSignature):
		return "authentication_error", domain.ErrInvalidSignature.Error()
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limit_error", domain.ErrRateLimited.Error()
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return "request_error", domain.ErrPayloadTooLarge.Error()
	case errors.Is(err, ErrMethodNotAllowed):
		return "request_error", ErrMethodNotAllowed.Error()
	case errors.Is(err, ErrNotFound):
		return "request_error", ErrNotFound.Error()
	case errors.Is(err, ErrInvalidRequest):
		return "request_error", ErrInvalidRequest.Error()
	case errors.Is(err, domain.ErrEnqueueFailed):
		return "internal_error", domain.ErrEnqueueFailed.Error()
	default:
		return "internal_error", "internal_error"
	}
}
