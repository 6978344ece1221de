package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	WebhookTimestampHeader = "X-Webhook-Timestamp"
	WebhookSignatureHeader = "X-Webhook-Signature"

	// WebhookTolerance bounds the clock skew accepted on signed webhooks.
	WebhookTolerance = 5 * time.Minute

	maxWebhookBody = 1 << 20
)

// SignWebhook returns the hex HMAC-SHA256 of "timestamp.body".
func SignWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignature rejects requests whose body is not signed with secret.
// The body is restored for the downstream handler.
func WebhookSignature(secret string, now func() time.Time) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		if secret == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook secret not configured"})
			c.Abort()
			return
		}

		timestamp := c.GetHeader(WebhookTimestampHeader)
		signature := strings.TrimPrefix(c.GetHeader(WebhookSignatureHeader), "sha256=")
		if timestamp == "" || signature == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing webhook signature"})
			c.Abort()
			return
		}

		unix, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook timestamp"})
			c.Abort()
			return
		}
		skew := now().Sub(time.Unix(unix, 0))
		if skew < -WebhookTolerance || skew > WebhookTolerance {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "webhook timestamp outside tolerance"})
			c.Abort()
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		expected := SignWebhook(secret, timestamp, body)
		if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
			c.Abort()
			return
		}

		c.Next()
	}
}
