package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache map[string][]byte

func (m mapCache) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	b, ok := m[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (m mapCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m[key] = b
	return nil
}

func setupRouter(h *Handler, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/v1")
	g.Use(func(c *gin.Context) {
		c.Set(escrow.UserIDKey, userID)
		c.Next()
	})
	h.RegisterRoutes(g)
	return r
}

func TestListNotifications(t *testing.T) {
	hub := testHub()
	_ = hub.Notify(context.Background(), note("seller", escrow.NotifyEscrowCreated, "esc_1"))
	_ = hub.Notify(context.Background(), note("seller", escrow.NotifyEscrowLocked, "esc_1"))
	_ = hub.Notify(context.Background(), note("buyer", escrow.NotifyOrderShipped, "esc_1"))

	cache := mapCache{}
	r := setupRouter(NewHandler(hub, cache), "seller")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/notifications", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Notifications []escrow.Notification `json:"notifications"`
		Count         int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, escrow.NotifyEscrowLocked, resp.Notifications[0].Type)
	assert.Contains(t, cache, escrow.NotificationsCacheKey("seller"))
}

func TestListNotifications_LimitBypassesCache(t *testing.T) {
	hub := testHub()
	for i := 0; i < 3; i++ {
		_ = hub.Notify(context.Background(), note("u", escrow.NotifyEscrowCreated, "esc_1"))
	}
	cache := mapCache{}
	r := setupRouter(NewHandler(hub, cache), "u")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/notifications?limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
	assert.Empty(t, cache)
}

func TestGetStats(t *testing.T) {
	hub := testHub()
	require.NoError(t, hub.add(fakeSubscriber(hub, "seller", 1)))

	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(hub, nil).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/notifications/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, Stats{Connected: 1, Peak: 1, Accepted: 1}, st)
}
