package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func okHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireRole(t *testing.T) {
	auth := NewAuthMiddleware("test-secret", zap.NewNop())
	r := gin.New()
	r.GET("/admin", auth.RequireAuth(), auth.RequireRole("admin"), okHandler)

	admin, err := auth.GenerateToken("1", "root", "admin", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken error: %v", err)
	}
	viewer, _ := auth.GenerateToken("2", "guest", "viewer", time.Hour)
	expired, _ := auth.GenerateToken("1", "root", "admin", -time.Minute)
	forged, _ := NewAuthMiddleware("other-secret", zap.NewNop()).GenerateToken("1", "root", "admin", time.Hour)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"malformed header", "Token " + admin, http.StatusUnauthorized},
		{"admin", "Bearer " + admin, http.StatusOK},
		{"wrong role", "Bearer " + viewer, http.StatusForbidden},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + forged, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if w := serve(r, req); w.Code != tt.want {
				t.Fatalf("got %d want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(1, 2, zap.NewNop())
	defer rl.Shutdown()
	now := time.Unix(0, 0)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.GET("/", rl.RateLimit(), okHandler)
	r.GET("/batch", rl.RateLimitWithConfig(1, 1), okHandler)

	get := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1234"
		return serve(r, req).Code
	}

	if get("/") != http.StatusOK || get("/") != http.StatusOK {
		t.Fatal("burst should allow two requests")
	}
	if code := get("/"); code != http.StatusTooManyRequests {
		t.Fatalf("third request: got %d want 429", code)
	}
	if code := get("/batch"); code != http.StatusOK {
		t.Fatalf("route limit must use its own bucket, got %d", code)
	}

	now = now.Add(time.Second)
	if code := get("/"); code != http.StatusOK {
		t.Fatalf("token should refill after a second, got %d", code)
	}
	if stats := rl.GetGlobalStats(); stats["rejected"].(int64) != 1 {
		t.Fatalf("unexpected stats %v", stats)
	}

	now = now.Add(time.Hour)
	if n := rl.evictIdle(10 * time.Minute); n != 2 {
		t.Fatalf("expected two idle buckets evicted, got %d", n)
	}
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.example"}))
	r.GET("/", okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	if got := serve(r, req).Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("allowed origin: got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	if got := serve(r, req).Header().Get("Access-Control-Allow-Origin"); got != "null" {
		t.Fatalf("disallowed origin: got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	if w := serve(r, req); w.Code != http.StatusNoContent {
		t.Fatalf("preflight: got %d", w.Code)
	}
}

func TestRequestSizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeLimit(8))
	r.POST("/", okHandler)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"0123456789"}`))
	if w := serve(r, req); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("got %d want 413", w.Code)
	}
}

func TestJSONContentType(t *testing.T) {
	r := gin.New()
	r.Use(JSONContentType())
	r.POST("/", okHandler)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if w := serve(r, req); w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("form body: got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	if w := serve(r, req); w.Code != http.StatusOK {
		t.Fatalf("empty body: got %d", w.Code)
	}
}

func TestTimeoutHandler(t *testing.T) {
	r := gin.New()
	r.Use(TimeoutHandler(10 * time.Millisecond))
	r.GET("/slow", func(c *gin.Context) {
		<-c.Request.Context().Done()
	})

	if w := serve(r, httptest.NewRequest(http.MethodGet, "/slow", nil)); w.Code != http.StatusGatewayTimeout {
		t.Fatalf("got %d want 504", w.Code)
	}
}
