package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ap-development/medrelay/internal/crm"
	"github.com/ap-development/medrelay/internal/logging"
	"github.com/ap-development/medrelay/internal/transport/telegram"
)

// maxWebhookBody bounds how much of a webhook request is read.
const maxWebhookBody = 1 << 20

func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSelftest runs one assistant round trip on a scratch thread.
func handleSelftest(prober Prober, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if prober == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "selftest not configured"})
			return
		}
		res, err := prober.Probe(c.Request.Context())
		if err != nil {
			log.Error("selftest", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"ok":    false,
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":         true,
			"latency_ms": res.Latency.Milliseconds(),
			"reply_head": head(res.Reply, 120),
		})
	}
}

// handleTelegramWebhook validates the secret token, parses the update and
// hands it to the adapter. Telegram retries non-200 answers, so parse
// failures answer 200 to stop redelivery of garbage.
func handleTelegramWebhook(feeder TelegramFeeder, secret string, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !constantTimeEqual(c.GetHeader("X-Telegram-Bot-Api-Secret-Token"), secret) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad secret token"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}
		var update telegram.Update
		if err := json.Unmarshal(body, &update); err != nil {
			log.Warn("telegram webhook parse", "error", err)
			c.Status(http.StatusOK)
			return
		}
		if err := feeder.Feed(c.Request.Context(), update); err != nil {
			// The adapter is shutting down or saturated; let telegram retry.
			log.Warn("telegram webhook feed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not accepting updates"})
			return
		}
		c.Status(http.StatusOK)
	}
}

// handleCRMWebhook verifies the HMAC signature over the raw body and the
// scope id in the path, then feeds the event to the CRM mirror.
func handleCRMWebhook(feeder CRMFeeder, secret string, log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("scope") != feeder.ScopeID() {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown scope"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}
		if !crm.ValidSignature(secret, body, c.GetHeader("X-Signature")) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}
		var ev crm.WebhookEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
			return
		}
		if err := feeder.Feed(c.Request.Context(), ev); err != nil {
			log.Warn("crm webhook feed", "error", err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusOK)
	}
}

// head truncates s to at most n bytes on a rune boundary.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
