package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fileledger/internal/guard"
	"github.com/hitoshi/fileledger/internal/metrics"
	"github.com/hitoshi/fileledger/internal/middleware"
	"github.com/hitoshi/fileledger/internal/web"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	ContextOpener     middleware.ContextOpener
	BrowsingContext   middleware.BrowsingContextConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 通知・メトリクス
	Notices  NoticeFlash
	Metrics  metrics.MetricsCollector
	Gatherer prometheus.Gatherer

	// 認証
	AuthGateway AuthGateway

	// ファイル
	FileService FileService

	// リアルタイム
	Events    EventSubscriber
	KeepAlive time.Duration

	// ヘルスチェック（名前→確認関数）
	HealthChecks map[string]HealthCheck
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Logging → HTTPMetrics → Recovery → SecurityHeaders → CORS
//	→ BrowsingContext → CSRF → RateLimit(GeneralMiddleware) → Guard
//
// /health、/metrics、/static/* はブラウジングコンテキストの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewHTTPMetricsMiddleware(collector))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthGateway, deps.Notices)
	fileHandler := NewFileHandler(deps.FileService, deps.Notices)
	eventsHandler := NewEventsHandler(deps.Events, deps.KeepAlive)
	pageHandler := NewPageHandler(deps.Notices)
	healthHandler := NewHealthHandler(deps.HealthChecks)
	g := guard.New(deps.Notices, collector)

	// --- ブラウジングコンテキスト不要のルート ---
	r.Get("/health", healthHandler.Health)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(web.StaticFS()))))

	// --- ブラウジングコンテキスト配下のルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBrowsingContextMiddleware(deps.ContextOpener, deps.BrowsingContext))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 公開ページ
		r.Get("/", pageHandler.Root)
		r.Get(guard.LoginPath, pageHandler.Public)
		r.Get("/register", pageHandler.Public)

		// 認証
		r.Route("/auth", func(r chi.Router) {
			r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", authHandler.Login)
			r.With(deps.RateLimiter.LoginMiddleware()).Post("/register", authHandler.Register)
			r.Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
		})

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)
		r.Get("/api/notices", authHandler.Notices)

		// ログインが必要な画面
		r.Group(func(r chi.Router) {
			r.Use(g.RequireAuthenticatedPage())
			for _, path := range []string{"/dashboard", "/upload", "/share", "/history", "/settings"} {
				r.Get(path, pageHandler.App)
			}
		})

		// 管理者のみの画面
		r.Group(func(r chi.Router) {
			r.Use(g.RequireAdminPage())
			r.Get("/admin/files", pageHandler.App)
			r.Get("/admin/logs", pageHandler.App)
		})

		// ログインが必要なAPI
		r.Group(func(r chi.Router) {
			r.Use(g.RequireAuthenticatedAPI())

			r.Patch("/api/profile", authHandler.UpdateProfile)
			r.Get("/api/events", eventsHandler.Stream)

			r.Route("/api/files", func(r chi.Router) {
				r.Get("/", fileHandler.ListOwned)
				r.Post("/", fileHandler.Upload)
				r.Get("/shared", fileHandler.ListShared)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", fileHandler.Get)
					r.Delete("/", fileHandler.Delete)
					r.Get("/download", fileHandler.Download)
					r.Put("/permission", fileHandler.SetPermission)
					r.Get("/access-logs", fileHandler.AccessLogs)
				})
			})
		})

		// 管理者のみのAPI
		r.Group(func(r chi.Router) {
			r.Use(g.RequireAdminAPI())
			r.Get("/api/admin/files", fileHandler.ListAll)
			r.Get("/api/admin/access-logs", fileHandler.AllAccessLogs)
		})
	})

	return r
}
