package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/v1/escrow/my", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"escrows": []string{}}) })

	req := httptest.NewRequest(method, "/v1/escrow/my", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(t, HeadersMiddleware(), http.MethodGet, "")

	require.Equal(t, http.StatusOK, w.Code)
	for _, kv := range responseHeaders {
		assert.Equal(t, kv[1], w.Header().Get(kv[0]), kv[0])
	}
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
}

func TestCORSMiddleware_Origins(t *testing.T) {
	tests := []struct {
		name            string
		allowed         []string
		origin          string
		wantAllowOrigin string
		wantCredentials bool
	}{
		{"listed origin gets credentials", []string{"https://market.example.com"}, "https://market.example.com", "https://market.example.com", true},
		{"trailing slash in config", []string{"https://market.example.com/"}, "https://market.example.com", "https://market.example.com", true},
		{"unlisted origin", []string{"https://market.example.com"}, "https://evil.example.com", "", false},
		{"wildcard reflects origin", []string{"*"}, "https://anything.example.com", "https://anything.example.com", false},
		{"empty config allows any", nil, "https://anything.example.com", "https://anything.example.com", false},
		{"no origin header", []string{"*"}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, CORSMiddleware(tt.allowed), http.MethodGet, tt.origin)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantAllowOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredentials, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	w := serve(t, CORSMiddleware([]string{"*"}), http.MethodOptions, "https://market.example.com")

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, corsMethods, w.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, []string{"Origin"}, w.Header().Values("Vary"))
}
