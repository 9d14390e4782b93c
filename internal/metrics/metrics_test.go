package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func scrape(t *testing.T) string {
	t.Helper()
	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", w.Code)
	}
	return w.Body.String()
}

func TestStatusBucket(t *testing.T) {
	for code, want := range map[int]string{
		101: "1xx", 200: "2xx", 201: "2xx", 304: "3xx",
		400: "4xx", 409: "4xx", 429: "4xx", 500: "5xx", 503: "5xx",
	} {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestHandler_ExposesEscrowCounters(t *testing.T) {
	EscrowTransitionsTotal.WithLabelValues("SHIPPED", "DELIVERED").Inc()
	EscrowRejectedTotal.WithLabelValues("ship", "unauthorized").Inc()

	body := scrape(t)
	for _, want := range []string{
		`tradeescrow_escrow_transitions_total{from="SHIPPED",to="DELIVERED"}`,
		`tradeescrow_escrow_rejected_total{action="ship",reason="unauthorized"}`,
		"tradeescrow_active_websocket_clients",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %s", want)
		}
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())
	r.POST("/v1/escrow/:id/ship", func(c *gin.Context) { c.Status(http.StatusConflict) })

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/v1/escrow/:id/ship", "4xx")
	before := testutil.ToFloat64(counter)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/escrow/esc_123/ship", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("route counter rose by %v, want 1", got)
	}
	if strings.Contains(scrape(t), "esc_123") {
		t.Error("raw path leaked into metric labels")
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	r := gin.New()
	r.Use(Middleware())

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "4xx")
	before := testutil.ToFloat64(counter)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/nope/abc", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("unmatched counter rose by %v, want 1", got)
	}
}

func TestRegisterDB(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := RegisterDB(db); err != nil {
		t.Fatalf("RegisterDB: %v", err)
	}
	if err := RegisterDB(db); err != nil {
		t.Fatalf("second RegisterDB: %v", err)
	}
	if body := scrape(t); !strings.Contains(body, "go_sql_open_connections") {
		t.Error("db pool stats not exported")
	}
}
