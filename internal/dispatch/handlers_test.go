package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/signal-relay/internal/brokerage"
	"github.com/ksred/signal-relay/pkg/response"
)

const entryPayload = `{"embeds":[{"title":"EURUSD","description":"🔵 BUY Signal on EURUSD",
  "fields":[{"name":"Trade ID","value":"T1"},{"name":"Lot Size","value":"0.5"},
            {"name":"Entry Price","value":"1.1050"},{"name":"SL Price","value":"1.1000"}]}]}`

func newRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/trade", NewGinHandlers(h.dispatcher).TradeHandler())
	return r
}

func TestTradeHandler_Entry(t *testing.T) {
	h := newHarness(t, brokerage.SimulatorOptions{}, Options{})
	router := newRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/trade", strings.NewReader(entryPayload))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool   `json:"success"`
		Data    Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "T1", body.Data.TradeID)
	assert.Equal(t, Summary{Total: 2, Succeeded: 2}, body.Data.Summary)
	assert.Len(t, body.Data.Outcomes, 2)
}

func TestTradeHandler_InvalidSignal(t *testing.T) {
	h := newHarness(t, brokerage.SimulatorOptions{}, Options{})
	router := newRouter(h)

	payload := `{"embeds":[{"title":"EURUSD","description":"BUY Signal","fields":[{"name":"Lot Size","value":"abc"}]}]}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/trade", strings.NewReader(payload)))

	require.Equal(t, http.StatusBadRequest, w.Code)

	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, response.ErrCodeValidationFailed, body.Error.Code)
	assert.NotEmpty(t, body.Error.Details)
	assert.Zero(t, h.sim.Calls(brokerage.OpPlaceOrder))
}

func TestTradeHandler_NotJSON(t *testing.T) {
	h := newHarness(t, brokerage.SimulatorOptions{}, Options{})
	router := newRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/trade", strings.NewReader("not json")))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
