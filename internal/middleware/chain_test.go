package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/session"
)

// loggedInContext はログイン済みのブラウジングコンテキストをレジストリに用意し、そのIDを返す。
func loggedInContext(t *testing.T, registry *session.Registry, userID string) string {
	t.Helper()
	id := strings.Repeat("cd", 32)
	st, err := registry.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := st.SetCurrent(context.Background(), &model.Session{
		Token:     "chain-token",
		Identity:  model.Identity{ID: userID, Role: model.RoleUser},
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("SetCurrent() error = %v", err)
	}
	return id
}

// TestMiddlewareChain_BrowsingContext_GETRequest は
// ブラウジングコンテキストミドルウェアでGETリクエストが通りユーザーIDが注入されることを検証する。
func TestMiddlewareChain_BrowsingContext_GETRequest(t *testing.T) {
	registry := session.NewRegistry(session.NewMemoryStorage(), session.DefaultRegistryConfig(), nil)
	id := loggedInContext(t, registry, "user-chain-test")

	var capturedUserID string
	handler := NewBrowsingContextMiddleware(registry, BrowsingContextConfig{})(
		NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedUserID, _ = UserIDFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})))

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.AddCookie(&http.Cookie{Name: BrowsingContextCookieName, Value: id})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if capturedUserID != "user-chain-test" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-chain-test")
	}
}

// TestMiddlewareChain_POSTRequest_RequiresCSRF は
// ログイン済みでもCSRFトークンのないPOSTが拒否されることを検証する。
func TestMiddlewareChain_POSTRequest_RequiresCSRF(t *testing.T) {
	registry := session.NewRegistry(session.NewMemoryStorage(), session.DefaultRegistryConfig(), nil)
	id := loggedInContext(t, registry, "user-post-test")

	handlerCalled := false
	handler := NewBrowsingContextMiddleware(registry, BrowsingContextConfig{})(
		NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
			w.WriteHeader(http.StatusOK)
		})))

	tests := []struct {
		name       string
		withToken  bool
		wantStatus int
	}{
		{"with token", true, http.StatusOK},
		{"without token", false, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handlerCalled = false
			req := httptest.NewRequest(http.MethodPost, "/api/files", nil)
			req.AddCookie(&http.Cookie{Name: BrowsingContextCookieName, Value: id})
			if tt.withToken {
				token := CSRFToken("", id)
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: token})
				req.Header.Set(csrfHeaderName, token)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Result().StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
			if handlerCalled != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handlerCalled = %v", handlerCalled)
			}
		})
	}
}

// TestMiddlewareChain_AnonymousContext_PassesThrough は
// 未ログインでもブラウジングコンテキストミドルウェア自体は401を返さないことを検証する。
// 認証の要否はルートガードが判定する。
func TestMiddlewareChain_AnonymousContext_PassesThrough(t *testing.T) {
	registry := session.NewRegistry(session.NewMemoryStorage(), session.DefaultRegistryConfig(), nil)

	var hasUser bool
	handler := NewBrowsingContextMiddleware(registry, BrowsingContextConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := UserIDFromContext(r.Context())
		hasUser = err == nil
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login", nil))

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	if hasUser {
		t.Error("anonymous context must not carry a user ID")
	}
}
