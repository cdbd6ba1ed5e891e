package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/fileledger/internal/auth"
	"github.com/hitoshi/fileledger/internal/config"
	"github.com/hitoshi/fileledger/internal/database"
	"github.com/hitoshi/fileledger/internal/file"
	"github.com/hitoshi/fileledger/internal/handler"
	"github.com/hitoshi/fileledger/internal/logger"
	"github.com/hitoshi/fileledger/internal/metrics"
	"github.com/hitoshi/fileledger/internal/middleware"
	"github.com/hitoshi/fileledger/internal/notice"
	"github.com/hitoshi/fileledger/internal/profile"
	"github.com/hitoshi/fileledger/internal/provider"
	"github.com/hitoshi/fileledger/internal/realtime"
	"github.com/hitoshi/fileledger/internal/repository"
	"github.com/hitoshi/fileledger/internal/session"
	"github.com/hitoshi/fileledger/internal/storage"
	"github.com/hitoshi/fileledger/internal/worker/cleanup"
)

// activeContextsInterval はアクティブなブラウジングコンテキスト数を記録する間隔。
const activeContextsInterval = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("auth_provider", cfg.AuthProvider),
		slog.String("session_storage", cfg.SessionStorage),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB・オブジェクトストレージ・セッションストレージを開き、全依存関係をワイヤリングして
// HTTPサーバーとファイル変更通知のリスナーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 3. 認証プロバイダーとゲートウェイ
	authProvider, err := newAuthProvider(cfg, db)
	if err != nil {
		return err
	}
	profileRepo := repository.NewPostgresProfileRepo(db)
	resolver := profile.NewResolver(profileRepo, slog.Default())
	sessionLifetime := time.Duration(cfg.SessionMaxAge) * time.Second
	gateway := auth.NewGateway(authProvider, resolver, profileRepo, auth.Config{
		ProviderTimeout: cfg.ProviderTimeout,
		SessionLifetime: sessionLifetime,
	}, slog.Default())
	gateway.SetMetrics(collector)

	healthChecks := map[string]handler.HealthCheck{
		"database": db.PingContext,
	}

	// 4. セッションストレージとブラウジングコンテキスト
	var sessionStorage session.Storage
	switch cfg.SessionStorage {
	case config.SessionStorageRedis:
		redisStorage, err := session.NewRedisStorageFromURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to open session storage: %w", err)
		}
		defer redisStorage.Close()
		if err := redisStorage.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to session storage: %w", err)
		}
		healthChecks["session_storage"] = redisStorage.Ping
		sessionStorage = redisStorage
	default:
		sessionStorage = session.NewMemoryStorage()
	}

	registry := session.NewRegistry(sessionStorage, session.RegistryConfig{
		MaxContexts: cfg.ContextMax,
		IdleTTL:     cfg.ContextIdleTTL,
	}, slog.Default())
	registry.SetOnOpen(gateway.Restore)

	// 5. オブジェクトストレージとファイルサービス
	objects, err := storage.NewS3Store(storage.S3Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("failed to configure object storage: %w", err)
	}
	healthChecks["object_storage"] = objects.Ping

	fileService := file.NewService(
		repository.NewPostgresFileRepo(db),
		repository.NewPostgresAccessLogRepo(db),
		objects,
		file.Config{MaxUploadSize: cfg.UploadMaxSize, PresignExpiry: cfg.PresignExpiry},
		slog.Default(),
	)
	fileService.SetMetrics(collector)

	// 6. リアルタイム通知
	hub := realtime.NewHub()
	listener := realtime.NewPGListener(cfg.DatabaseURL, hub, slog.Default())

	// 7. ルーターの構築（設定はreq/min単位なのでreq/secに変換する）
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     perMinute(cfg.RateLimitGeneral),
		GeneralBurst:    cfg.RateLimitGeneral,
		LoginRate:       perMinute(cfg.RateLimitLogin),
		LoginBurst:      cfg.RateLimitLogin,
		CleanupInterval: 5 * time.Minute,
	})
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		ContextOpener: registry,
		BrowsingContext: middleware.BrowsingContextConfig{
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
			MaxAge:       cfg.SessionMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			Secret:       cfg.SessionSecret,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		Notices:  notice.NewFlash(cfg.SessionSecret, cfg.CookieSecure, cfg.CookieDomain),
		Metrics:  collector,
		Gatherer: reg,

		AuthGateway: gateway,
		FileService: fileService,

		Events:    hub,
		KeepAlive: handler.DefaultKeepAlive,

		HealthChecks: healthChecks,
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return listener.Run(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(activeContextsInterval)
		defer ticker.Stop()
		for {
			collector.SetActiveContexts(registry.Len())
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down API server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// newAuthProvider は設定に応じた認証プロバイダーを生成する。
func newAuthProvider(cfg *config.Config, db *sql.DB) (provider.Client, error) {
	switch cfg.AuthProvider {
	case config.AuthProviderGoTrue:
		return provider.NewGoTrueClient(provider.GoTrueConfig{
			BaseURL:    cfg.GoTrueURL,
			APIKey:     cfg.GoTrueAPIKey,
			HTTPClient: &http.Client{Timeout: cfg.ProviderTimeout},
		}), nil
	case config.AuthProviderLocal, "":
		return provider.NewLocalProvider(db, provider.LocalConfig{
			JWTSecret:     cfg.JWTSecret,
			TokenLifetime: time.Duration(cfg.SessionMaxAge) * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.AuthProvider)
	}
}

// perMinute はreq/minをrate.Limit（req/sec）に変換する。
func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、アクセスログと失効トークンのクリーンアップをcronスケジュールで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.RetentionDays = cfg.AccessLogRetentionDays

	runCleanup := func() {
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}
	}

	// 3. スケジューラの起動
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.CleanupSchedule, runCleanup); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}

	slog.Info("worker starting",
		slog.String("cleanup_schedule", cfg.CleanupSchedule),
		slog.Int("retention_days", cfg.AccessLogRetentionDays),
	)

	// 起動直後に1回実行
	runCleanup()
	scheduler.Start()

	<-ctx.Done()
	slog.Info("shutting down worker...")

	// 実行中のジョブの完了を待つ
	<-scheduler.Stop().Done()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
