package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleStripeWebhook ingests a provider delivery. The body must reach the
// verifier as raw, unmodified bytes. Every benign resolution (applied,
// duplicate, ignored, no-op, stale, malformed-but-acknowledged) answers 200
// so the provider stops retrying; only signature and payload failures answer
// 400, and persistence failures answer 500 so the provider redelivers.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.reconcilerSvc.ProcessWebhook(
		c.Request.Context(),
		payload,
		c.GetHeader("Stripe-Signature"),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": string(outcome)})
}
