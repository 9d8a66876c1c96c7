package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/serialsync/internal/testutil/testlog"
)

func TestRequestLoggerQuietPaths(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := initLogger(&buf, "node0", false)

	r := gin.New()
	r.Use(RequestLogger(logger, "/metrics"))
	r.Use(RequestMetricsMiddleware("node0"))
	r.GET("/metrics", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/status", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	for _, path := range []string{"/metrics", "/status", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	out := buf.String()
	if strings.Contains(out, "/metrics") {
		t.Fatalf("quiet path logged at info: %s", out)
	}
	if !strings.Contains(out, "/status") || !strings.Contains(out, "unmatched") {
		t.Fatalf("expected request lines, got: %s", out)
	}
}
