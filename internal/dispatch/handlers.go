package dispatch

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ksred/signal-relay/internal/signal"
	"github.com/ksred/signal-relay/pkg/response"
)

// GinHandlers contains HTTP handlers for the webhook endpoint
type GinHandlers struct {
	dispatcher *Dispatcher
}

// NewGinHandlers creates the webhook handlers
func NewGinHandlers(dispatcher *Dispatcher) *GinHandlers {
	return &GinHandlers{dispatcher: dispatcher}
}

// TradeHandler handles POST /trade. The body is an alert payload; it is
// normalized, then dispatched to every account. Per-account failures are
// reported inside a 200 response.
func (h *GinHandlers) TradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			response.BadRequest(c, "Could not read request body")
			return
		}

		sig, err := signal.Normalize(body)
		if err != nil {
			log.Warn().
				Err(err).
				Str("request_id", c.GetString("request_id")).
				Msg("rejected trade signal")
			response.Handle(c, nil, err)
			return
		}

		// A client disconnect must not abort a fan-out half way.
		ctx := context.WithoutCancel(c.Request.Context())
		result, err := h.dispatcher.Dispatch(ctx, sig)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, result)
	}
}
