// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/session"
)

// BrowsingContextCookieName はブラウジングコンテキストIDを保持するCookie名。
const BrowsingContextCookieName = "bctx"

// browsingContextIDBytes はコンテキストIDの乱数バイト数（16進で64文字）。
const browsingContextIDBytes = 32

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// storeContextKey はリクエストコンテキストにsession.Storeを格納するためのキー。
	storeContextKey = contextKey("session_store")
	// contextIDContextKey はブラウジングコンテキストIDを格納するためのキー。
	contextIDContextKey = contextKey("browsing_context_id")
)

// ContextOpener はブラウジングコンテキストのStoreを開くインターフェース。
// session.Registryが実装する。
type ContextOpener interface {
	Open(ctx context.Context, contextID string) (*session.Store, error)
}

// BrowsingContextConfig はブラウジングコンテキストCookieの設定。
type BrowsingContextConfig struct {
	CookieDomain string
	CookieSecure bool
	MaxAge       int // Cookieの有効期間（秒）
}

// NewBrowsingContextMiddleware はCookieからブラウジングコンテキストを特定し、
// 対応するsession.Storeをリクエストコンテキストに注入するミドルウェアを返す。
// Cookieがない、または形式が不正な場合は新しいIDを発行する。
// ログイン済みの場合はユーザーIDも注入する。認証の要否はここでは判定しない。
func NewBrowsingContextMiddleware(opener ContextOpener, cfg BrowsingContextConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. CookieからコンテキストIDを取得（なければ発行）
			id := ""
			if cookie, err := r.Cookie(BrowsingContextCookieName); err == nil && validContextID(cookie.Value) {
				id = cookie.Value
			} else {
				newID, err := generateContextID()
				if err != nil {
					slog.Error("failed to generate browsing context ID", slog.String("error", err.Error()))
					WriteInternalServerError(w)
					return
				}
				id = newID
			}

			// アクセスのたびに有効期限を延長する
			http.SetCookie(w, &http.Cookie{
				Name:     BrowsingContextCookieName,
				Value:    id,
				Path:     "/",
				Domain:   cfg.CookieDomain,
				MaxAge:   cfg.MaxAge,
				HttpOnly: true,
				Secure:   cfg.CookieSecure,
				SameSite: http.SameSiteLaxMode,
			})

			// 2. Storeを開く
			st, err := opener.Open(r.Context(), id)
			if err != nil {
				slog.Error("failed to open browsing context",
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusServiceUnavailable,
					model.NewTransientBackendError("セッションストレージに接続できませんでした"))
				return
			}

			// 3. Storeと（ログイン済みなら）ユーザーIDをコンテキストに注入
			ctx := context.WithValue(r.Context(), storeContextKey, st)
			ctx = context.WithValue(ctx, contextIDContextKey, id)
			if s := st.Current(); s != nil {
				ctx = context.WithValue(ctx, userIDContextKey, s.Identity.ID)
				setLogUserID(ctx, s.Identity.ID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StoreFromContext はリクエストコンテキストからsession.Storeを取得する。
// ブラウジングコンテキストミドルウェアを通過したリクエストでのみ有効。
func StoreFromContext(ctx context.Context) (*session.Store, bool) {
	st, ok := ctx.Value(storeContextKey).(*session.Store)
	return st, ok && st != nil
}

// ContextWithStore はコンテキストにsession.Storeを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithStore(ctx context.Context, st *session.Store) context.Context {
	return context.WithValue(ctx, storeContextKey, st)
}

// SessionFromContext は現在の有効なセッションを返す。未ログイン・期限切れの場合はnil。
func SessionFromContext(ctx context.Context) *model.Session {
	st, ok := StoreFromContext(ctx)
	if !ok {
		return nil
	}
	return st.Current()
}

// BrowsingContextIDFromContext はブラウジングコンテキストIDを返す。
func BrowsingContextIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextIDContextKey).(string)
	return id
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// ログイン済みのブラウジングコンテキストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

func generateContextID() (string, error) {
	b := make([]byte, browsingContextIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validContextID(id string) bool {
	if len(id) != browsingContextIDBytes*2 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
