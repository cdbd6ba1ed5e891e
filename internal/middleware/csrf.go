package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/fileledger/internal/model"
)

const (
	// csrfCookieName はCSRFトークンを保持するCookieの名前。
	// フロントエンドからJavaScriptで読み取れるよう、HttpOnlyではない。
	csrfCookieName = "csrf_token"

	// csrfHeaderName はリクエストヘッダーからCSRFトークンを読み取る際のヘッダー名。
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFConfig はCSRFミドルウェアの設定。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
	Secret       string // トークン導出用の鍵（SESSION_SECRET）
}

// CSRFToken はブラウジングコンテキストに紐づくCSRFトークンを返す。
// 別のコンテキスト向けに発行されたトークンは一致しない。
func CSRFToken(secret, contextID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("csrf:" + contextID))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewCSRFMiddleware はCSRFトークンの配布・検証ミドルウェアを返す。
// BrowsingContextMiddlewareの後に配置する。
// 安全なメソッド（GET, HEAD, OPTIONS）は検証せず、トークンCookieを最新に保つ。
// 状態変更メソッド（POST, PUT, PATCH, DELETE）はCookieとヘッダーの両方が
// 現在のコンテキストのトークンと一致することを要求する。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contextID := BrowsingContextIDFromContext(r.Context())

			if isSafeMethod(r.Method) {
				if contextID != "" {
					ensureCSRFCookie(w, r, config, CSRFToken(config.Secret, contextID))
				}
				next.ServeHTTP(w, r)
				return
			}

			reason := ""
			cookie, err := r.Cookie(csrfCookieName)
			headerToken := r.Header.Get(csrfHeaderName)
			switch {
			case contextID == "":
				reason = "missing browsing context"
			case err != nil || cookie.Value == "":
				reason = "missing cookie token"
			case headerToken == "":
				reason = "missing header token"
			default:
				expected := CSRFToken(config.Secret, contextID)
				if !hmac.Equal([]byte(cookie.Value), []byte(expected)) || !hmac.Equal([]byte(headerToken), []byte(expected)) {
					reason = "token mismatch"
				}
			}

			if reason != "" {
				slog.Warn("CSRF validation failed: "+reason,
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				writeCSRFError(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewCSRFTokenHandler はCSRFトークン取得エンドポイントのハンドラーを返す。
// GET /api/csrf-token
// 現在のブラウジングコンテキストのトークンをCookieとJSONの両方で返す。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contextID := BrowsingContextIDFromContext(r.Context())
		if contextID == "" {
			slog.Error("CSRF token requested outside a browsing context")
			WriteInternalServerError(w)
			return
		}

		token := CSRFToken(config.Secret, contextID)
		ensureCSRFCookie(w, r, config, token)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"token": token,
		})
	})
}

// writeCSRFError はCSRF検証失敗の統一エラーレスポンスを書き込む。
func writeCSRFError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
		Code:     "CSRF_ERROR",
		Message:  "リクエストを検証できませんでした。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	})
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// ensureCSRFCookie はCookieのトークンが現在のコンテキストのものでなければ置き換える。
// コンテキストが再発行された直後は古いトークンが残っているため。
func ensureCSRFCookie(w http.ResponseWriter, r *http.Request, config CSRFConfig, token string) {
	if c, err := r.Cookie(csrfCookieName); err == nil && c.Value == token {
		return
	}
	// 同じレスポンスで既に設定済み（ミドルウェアとトークンハンドラーの両方を通る場合）
	for _, v := range w.Header().Values("Set-Cookie") {
		if strings.HasPrefix(v, csrfCookieName+"=") {
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   0, // ブラウジングコンテキストCookieより長く残さない
		HttpOnly: false,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
