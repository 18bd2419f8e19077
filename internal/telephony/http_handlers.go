package telephony

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"call-scheduler/internal/calls"
	"call-scheduler/pkg/logger"

	"github.com/gin-gonic/gin"
)

const headerWebhookSecret = "X-Webhook-Secret"

// StatusSink receives pushed status updates. The reconciler implements it.
type StatusSink interface {
	ApplyExternal(ctx context.Context, externalCallID string, st calls.Status) (bool, error)
}

// StatusCallbackHandler converts the call service's status webhook to an
// internal update and hands it to the sink.
//
// No business logic here: the monotonic rule is applied by the sink.
type StatusCallbackHandler struct {
	Sink StatusSink

	// Secret, when set, must match the X-Webhook-Secret header.
	Secret string
}

func (h StatusCallbackHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status sink not configured"})
		return
	}
	if h.Secret != "" {
		got := c.GetHeader(headerWebhookSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
	}

	cb, err := ParseStatusCallback(c.Request)
	if err != nil {
		log.Warn("status callback parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	applied, err := h.Sink.ApplyExternal(c.Request.Context(), cb.CallID, cb.Status)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call_id"})
			return
		}
		log.Error("status callback apply failed", "call_id", cb.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "apply failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": cb.CallID, "status": cb.Status, "applied": applied})
}
