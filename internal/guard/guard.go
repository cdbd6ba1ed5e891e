// Package guard はページとAPIのアクセス制御（ルートガード）を提供する。
// 判定はリクエストコンテキストのセッションのスナップショットのみで行い、
// セッションストアを変更しない。
package guard

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/fileledger/internal/metrics"
	"github.com/hitoshi/fileledger/internal/middleware"
	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/notice"
)

const (
	// LoginPath はログイン画面のパス。
	LoginPath = "/login"
	// LandingPath はログイン後や権限不足時に遷移するパス。
	LandingPath = "/dashboard"
)

// Outcome はガードの判定結果。
type Outcome string

const (
	// Allow は通過を許可する。
	Allow Outcome = "allow"
	// NeedLogin は未ログインまたはセッション期限切れ。
	NeedLogin Outcome = "need_login"
	// Forbidden はログイン済みだが権限が不足している。
	Forbidden Outcome = "forbidden"
)

// CheckAuthenticated は有効なセッションがあるかどうかを判定する。
func CheckAuthenticated(s *model.Session, now time.Time) Outcome {
	if !s.Valid(now) {
		return NeedLogin
	}
	return Allow
}

// CheckAdmin は有効なセッションがあり、かつ管理者ロールかどうかを判定する。
// ロールはセッションのスナップショットから読み取り、再取得はしない。
func CheckAdmin(s *model.Session, now time.Time) Outcome {
	if o := CheckAuthenticated(s, now); o != Allow {
		return o
	}
	if !s.Identity.IsAdmin() {
		return Forbidden
	}
	return Allow
}

// Notifier はリダイレクト先で表示する通知を登録する。notice.Flashが実装する。
type Notifier interface {
	Push(w http.ResponseWriter, r *http.Request, n notice.Notice)
}

// Guard はルートガードのHTTPミドルウェアを生成する。
type Guard struct {
	notifier Notifier
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// New は新しいGuardを生成する。collectorがnilの場合はメトリクスを記録しない。
func New(notifier Notifier, collector metrics.MetricsCollector) *Guard {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Guard{notifier: notifier, metrics: collector, now: time.Now}
}

type check func(*model.Session, time.Time) Outcome

// RequireAuthenticatedPage はログイン必須のページ用ミドルウェアを返す。
// 未ログインの場合は元のURLをnextに付けてログイン画面へリダイレクトする。
func (g *Guard) RequireAuthenticatedPage() func(next http.Handler) http.Handler {
	return g.page("authenticated", CheckAuthenticated)
}

// RequireAdminPage は管理者専用のページ用ミドルウェアを返す。
// 一般ユーザーはアクセス拒否の通知付きでダッシュボードへリダイレクトする。
func (g *Guard) RequireAdminPage() func(next http.Handler) http.Handler {
	return g.page("admin", CheckAdmin)
}

// RequireAuthenticatedAPI はログイン必須のAPI用ミドルウェアを返す。未ログインは401。
func (g *Guard) RequireAuthenticatedAPI() func(next http.Handler) http.Handler {
	return g.api("authenticated", CheckAuthenticated)
}

// RequireAdminAPI は管理者専用のAPI用ミドルウェアを返す。一般ユーザーは403。
func (g *Guard) RequireAdminAPI() func(next http.Handler) http.Handler {
	return g.api("admin", CheckAdmin)
}

func (g *Guard) page(name string, fn check) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome := fn(middleware.SessionFromContext(r.Context()), g.now())
			g.metrics.RecordGuardDecision(name, string(outcome))

			switch outcome {
			case NeedLogin:
				g.notifier.Push(w, r, notice.LoginRequired())
				http.Redirect(w, r, LoginURL(r.URL.RequestURI()), http.StatusFound)
			case Forbidden:
				g.notifier.Push(w, r, notice.AccessDenied())
				http.Redirect(w, r, LandingPath, http.StatusFound)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (g *Guard) api(name string, fn check) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome := fn(middleware.SessionFromContext(r.Context()), g.now())
			g.metrics.RecordGuardDecision(name, string(outcome))

			switch outcome {
			case NeedLogin:
				middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
			case Forbidden:
				middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewAuthorizationError())
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// LoginURL はログイン後にnextへ戻るためのログイン画面URLを返す。
func LoginURL(next string) string {
	next = SanitizeNext(next)
	if next == LandingPath {
		return LoginPath
	}
	return LoginPath + "?next=" + url.QueryEscape(next)
}

// SanitizeNext はログイン後の遷移先を同一オリジンのパスに制限する。
// 絶対URL、スキーム相対URL（//host）、バックスラッシュを含むもの、
// ログイン画面自身は既定の遷移先に置き換える。
func SanitizeNext(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return LandingPath
	}
	if strings.ContainsAny(raw, "\\\r\n\t") {
		return LandingPath
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return LandingPath
	}
	if u.Path == LoginPath || strings.HasPrefix(u.Path, LoginPath+"/") {
		return LandingPath
	}
	return u.RequestURI()
}
