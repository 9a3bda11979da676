package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/wabridge/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("wabridge", "GET", "/health", 200, 12*time.Millisecond)
	RecordCRMRequest("inbound", 502, 24*time.Millisecond, false)
	RecordTransition("connected", "open")
	RecordReconnect("scheduled")
	RecordNotification("system", false)
	RecordOutbound("text", "sent")

	before := testutil.ToFloat64(bridgeInbound.WithLabelValues("forwarded"))
	RecordInbound("forwarded")
	if got := testutil.ToFloat64(bridgeInbound.WithLabelValues("forwarded")); got != before+1 {
		t.Fatalf("inbound forwarded=%v want %v", got, before+1)
	}

	SetSessionCounts(map[string]int{"connected": 3, "disconnected": 1})
	if got := testutil.ToFloat64(sessionsByStatus.WithLabelValues("connected")); got != 3 {
		t.Fatalf("connected gauge=%v want 3", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RequestID())
	r.GET("/x", func(c *gin.Context) {
		c.String(http.StatusOK, RequestIDFrom(c))
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	r.ServeHTTP(rec, req)
	if rec.Body.String() != "abc-123" || rec.Header().Get(RequestIDHeader) != "abc-123" {
		t.Fatalf("inbound request id not propagated: body=%q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if len(rec.Body.String()) != 36 {
		t.Fatalf("generated request id=%q", rec.Body.String())
	}
}
