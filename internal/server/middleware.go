package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var corsAllowedHeaders = []string{
	"Content-Type",
	"Stripe-Signature",
	"intuit-signature",
	"Plaid-Verification",
	"X-Webhook-Source",
	"X-Request-Id",
	"X-Correlation-ID",
}

// CORS allows any origin. Webhooks are sent by provider infrastructure, not
// browsers, so there is no origin list to enforce.
func CORS(extraHeaders ...string) gin.HandlerFunc {
	headers := append([]string{}, corsAllowedHeaders...)
	for _, h := range extraHeaders {
		h = strings.TrimSpace(h)
		if h == "" || containsFold(headers, h) {
			continue
		}
		headers = append(headers, h)
	}
	allowHeaders := strings.Join(headers, ", ")

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", allowHeaders)
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
		c.Next()
	}
}

// Preflight answers OPTIONS; the headers come from CORS.
func Preflight(c *gin.Context) {
	c.Header("Access-Control-Max-Age", "86400")
	c.Status(http.StatusNoContent)
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
