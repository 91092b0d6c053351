package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/twotruths/mediacore/pkg/response"
)

// WebhookSecretHeader carries the shared secret on merge service callbacks.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookSecret rejects requests whose X-Webhook-Secret does not match secret.
// An empty secret disables the check.
func WebhookSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(WebhookSecretHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			response.Unauthorized(c, "invalid webhook secret")
			c.Abort()
			return
		}
		c.Next()
	}
}
