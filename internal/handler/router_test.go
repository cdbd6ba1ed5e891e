package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fileledger/internal/metrics"
	"github.com/hitoshi/fileledger/internal/middleware"
	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/notice"
	"github.com/hitoshi/fileledger/internal/realtime"
	"github.com/hitoshi/fileledger/internal/session"
)

type routerFixture struct {
	handler  http.Handler
	registry *session.Registry
	files    *mockFileService
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	registry := session.NewRegistry(session.NewMemoryStorage(), session.DefaultRegistryConfig(), nil)
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	reg := prometheus.NewRegistry()
	files := &mockFileService{
		listOwnedFn: func(ctx context.Context, owner model.Identity) ([]*model.File, error) {
			return []*model.File{sampleFile("f1", owner.ID)}, nil
		},
		listAllFn: func(ctx context.Context, actor model.Identity) ([]*model.File, error) {
			return []*model.File{}, nil
		},
	}

	h := NewRouter(&RouterDeps{
		ContextOpener:     registry,
		CORSAllowedOrigin: "http://localhost:8080",
		CSRF:              middleware.CSRFConfig{Secret: "test-secret"},
		RateLimiter:       rl,
		Notices:           notice.NewFlash("test-secret", false, ""),
		Metrics:           metrics.NewCollector(reg),
		Gatherer:          reg,
		AuthGateway:       &mockAuthGateway{},
		FileService:       files,
		Events:            realtime.NewHub(),
		HealthChecks: map[string]HealthCheck{
			"database": func(ctx context.Context) error { return nil },
		},
	})
	return &routerFixture{handler: h, registry: registry, files: files}
}

// loginAs はブラウジングコンテキストを作成してログイン状態にし、そのCookieを返す。
func (f *routerFixture) loginAs(t *testing.T, id string, s *model.Session) *http.Cookie {
	t.Helper()
	st, err := f.registry.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s != nil {
		if err := st.SetCurrent(context.Background(), s); err != nil {
			t.Fatalf("SetCurrent() error = %v", err)
		}
	}
	return &http.Cookie{Name: middleware.BrowsingContextCookieName, Value: id}
}

func (f *routerFixture) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestRouter_PublicEndpoints(t *testing.T) {
	f := newRouterFixture(t)

	t.Run("health", func(t *testing.T) {
		w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if f.registry.Len() != 0 {
			t.Error("health check must not open a browsing context")
		}
	})

	t.Run("metrics", func(t *testing.T) {
		f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		w := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "fileledger_http_status_total") {
			t.Errorf("status = %d, body missing fileledger_http_status_total", w.Code)
		}
	})

	t.Run("static", func(t *testing.T) {
		w := f.do(httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("root redirects to landing", func(t *testing.T) {
		w := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusFound || w.Header().Get("Location") != "/dashboard" {
			t.Errorf("status = %d, Location = %q", w.Code, w.Header().Get("Location"))
		}
	})

	t.Run("login page sets security headers", func(t *testing.T) {
		w := f.do(httptest.NewRequest(http.MethodGet, "/login", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if w.Header().Get("Content-Security-Policy") == "" || w.Header().Get("X-Frame-Options") == "" {
			t.Errorf("security headers missing: %v", w.Header())
		}
	})
}

func TestRouter_PageGuards(t *testing.T) {
	f := newRouterFixture(t)
	user := f.loginAs(t, strings.Repeat("01", 32), testSession("user-1", model.RoleUser))
	admin := f.loginAs(t, strings.Repeat("02", 32), testSession("admin-1", model.RoleAdmin))

	tests := []struct {
		name         string
		path         string
		cookie       *http.Cookie
		wantStatus   int
		wantLocation string
	}{
		{"anonymous dashboard", "/dashboard", nil, http.StatusFound, "/login"},
		{"anonymous upload", "/upload", nil, http.StatusFound, "/login?next=%2Fupload"},
		{"user dashboard", "/dashboard", user, http.StatusOK, ""},
		{"user admin page", "/admin/files", user, http.StatusFound, "/dashboard"},
		{"admin admin page", "/admin/logs", admin, http.StatusOK, ""},
		{"user on login", "/login", user, http.StatusFound, "/dashboard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cookies []*http.Cookie
			if tt.cookie != nil {
				cookies = append(cookies, tt.cookie)
			}
			w := f.do(httptest.NewRequest(http.MethodGet, tt.path, nil), cookies...)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
		})
	}
}

func TestRouter_APIGuards(t *testing.T) {
	f := newRouterFixture(t)
	user := f.loginAs(t, strings.Repeat("03", 32), testSession("user-1", model.RoleUser))
	admin := f.loginAs(t, strings.Repeat("04", 32), testSession("admin-1", model.RoleAdmin))

	tests := []struct {
		name       string
		path       string
		cookie     *http.Cookie
		wantStatus int
		wantCode   string
	}{
		{"anonymous files", "/api/files", nil, http.StatusUnauthorized, model.ErrCodeNotAuthenticated},
		{"user files", "/api/files", user, http.StatusOK, ""},
		{"user admin files", "/api/admin/files", user, http.StatusForbidden, model.ErrCodeAuthorization},
		{"admin admin files", "/api/admin/files", admin, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cookies []*http.Cookie
			if tt.cookie != nil {
				cookies = append(cookies, tt.cookie)
			}
			w := f.do(httptest.NewRequest(http.MethodGet, tt.path, nil), cookies...)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if body := decodeError(t, w); body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
			}
		})
	}
}

func TestRouter_StateChangingRequestsRequireCSRF(t *testing.T) {
	f := newRouterFixture(t)
	contextID := strings.Repeat("05", 32)
	user := f.loginAs(t, contextID, testSession("user-1", model.RoleUser))

	w := f.do(httptest.NewRequest(http.MethodDelete, "/api/files/f1", nil), user)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}

	// トークンを取得してから送る
	w = f.do(httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil), user)
	var tokenResp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&tokenResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if tokenResp["token"] != middleware.CSRFToken("test-secret", contextID) {
		t.Errorf("token = %q, want the token bound to the browsing context", tokenResp["token"])
	}
	var csrfCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "csrf_token" {
			csrfCookie = c
		}
	}
	if csrfCookie == nil {
		t.Fatal("csrf cookie not set")
	}

	deleted := ""
	f.files.deleteFn = func(ctx context.Context, actor model.Identity, id string) error {
		deleted = id
		return nil
	}
	req := httptest.NewRequest(http.MethodDelete, "/api/files/f1", nil)
	req.Header.Set("X-CSRF-Token", csrfCookie.Value)
	w = f.do(req, user, csrfCookie)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d, body = %s", w.Code, http.StatusNoContent, w.Body.String())
	}
	if deleted != "f1" {
		t.Errorf("deleted = %q", deleted)
	}
}

func TestRouter_HealthFailure(t *testing.T) {
	registry := session.NewRegistry(session.NewMemoryStorage(), session.DefaultRegistryConfig(), nil)
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rl.Stop()

	h := NewRouter(&RouterDeps{
		ContextOpener: registry,
		RateLimiter:   rl,
		Notices:       notice.NewFlash("test-secret", false, ""),
		AuthGateway:   &mockAuthGateway{},
		FileService:   &mockFileService{},
		Events:        realtime.NewHub(),
		HealthChecks: map[string]HealthCheck{
			"storage": func(ctx context.Context) error { return errors.New("bucket missing") },
		},
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
