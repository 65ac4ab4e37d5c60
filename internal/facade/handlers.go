package facade

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/signal-relay/internal/session"
	"github.com/ksred/signal-relay/internal/trades"
	"github.com/ksred/signal-relay/pkg/response"
)

// GinHandlers contains HTTP handlers for the query and debug routes
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates the query and debug handlers
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// HealthHandler handles GET /
func (h *GinHandlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Health(c.Request.Context()))
	}
}

// ListTradesHandler handles GET /trades with optional state, account,
// symbol and limit filters
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := ParseState(c.Query("state"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		f := trades.Filter{
			State:   state,
			Account: c.Query("account"),
			Symbol:  c.Query("symbol"),
		}
		if v := c.Query("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			f.Limit = limit
		}

		list, err := h.service.ListTrades(c.Request.Context(), f)
		response.Handle(c, list, err)
	}
}

// GetTradeHandler handles GET /trades/:trade_id
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.service.GetTrade(c.Request.Context(), c.Param("trade_id"))
		if errors.Is(err, trades.ErrTradeNotFound) {
			response.NotFound(c, "No records for trade "+c.Param("trade_id"))
			return
		}
		response.Handle(c, list, err)
	}
}

// TestHandler handles GET /test
func (h *GinHandlers) TestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.TestAccounts(c.Request.Context()))
	}
}

// DebugListHandler handles GET /debug/list
func (h *GinHandlers) DebugListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.DebugList())
	}
}

// DebugTokenHandler handles GET /debug/token/:account
func (h *GinHandlers) DebugTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := h.service.Token(c.Param("account"))
		response.Handle(c, info, err)
	}
}

// DebugInvalidateHandler handles POST /debug/invalidate/:account
func (h *GinHandlers) DebugInvalidateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := h.service.Invalidate(c.Param("account"))
		response.Handle(c, info, err)
	}
}

// DebugReauthHandler handles POST /debug/reauth/:account
func (h *GinHandlers) DebugReauthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.service.Reauth(c.Request.Context(), c.Param("account"))
		if session.IsAuthError(err) {
			response.BadGateway(c, err.Error())
			return
		}
		response.Handle(c, res, err)
	}
}

// DebugSyncHandler handles POST /debug/sync/:trade_id
func (h *GinHandlers) DebugSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.Sync(c.Request.Context(), c.Param("trade_id"))
		if errors.Is(err, trades.ErrTradeNotFound) {
			response.NotFound(c, "No records for trade "+c.Param("trade_id"))
			return
		}
		response.Handle(c, report, err)
	}
}
