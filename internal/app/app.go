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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/katarogu/account/internal/config"
	"github.com/katarogu/account/internal/database"
	"github.com/katarogu/account/internal/fallback"
	"github.com/katarogu/account/internal/handler"
	"github.com/katarogu/account/internal/ingest"
	"github.com/katarogu/account/internal/logger"
	"github.com/katarogu/account/internal/metrics"
	"github.com/katarogu/account/internal/middleware"
	"github.com/katarogu/account/internal/provider"
	"github.com/katarogu/account/internal/provider/memory"
	"github.com/katarogu/account/internal/provider/supabase"
	"github.com/katarogu/account/internal/repository"
	"github.com/katarogu/account/internal/security"
	"github.com/katarogu/account/internal/session"
	"github.com/katarogu/account/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

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
		slog.Bool("memory_provider", cfg.UseMemoryProvider()),
		slog.Bool("memory_store", cfg.UseMemoryStore()),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	default:
		return runServe(cfg)
	}
}

// services はserveモードで組み立てた依存関係を保持する。
type services struct {
	handler   http.Handler
	registry  *session.Registry
	pipelines *ingest.Set
	limiter   *middleware.RateLimiter
	cleanup   *cleanup.CleanupJob
	db        *sql.DB
}

// Close はバックグラウンド処理を停止し、DB接続を閉じる。
func (s *services) Close() {
	s.registry.Close()
	s.limiter.Stop()
	if s.db != nil {
		s.db.Close()
	}
}

// buildServices は設定に従って全依存関係をワイヤリングする。
// SUPABASE_URLが未設定の場合はメモリ上のIdP、DATABASE_URLが未設定の場合はメモリ上のセッション保存を使う。
func buildServices(cfg *config.Config) (*services, error) {
	// 1. セッションの永続化
	var (
		db      *sql.DB
		repo    repository.BrowserSessionRepository
		checker handler.HealthChecker
	)
	if cfg.UseMemoryStore() {
		repo = repository.NewMemoryBrowserSessionRepo()
		slog.Warn("DATABASE_URLが未設定のため、セッションをメモリに保持します")
	} else {
		var err error
		db, err = database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		repo = repository.NewPostgresBrowserSessionRepo(db)
		checker = db
	}

	// 2. IdP・ストレージ
	var (
		factory provider.Factory
		objects http.Handler
	)
	if cfg.UseMemoryProvider() {
		backend := memory.NewBackend(strings.TrimRight(cfg.BaseURL, "/") + "/storage")
		factory = backend
		objects = backend
		slog.Warn("SUPABASE_URLが未設定のため、メモリ上のIdPを使用します")
	} else {
		factory = supabase.NewFactory(supabase.Config{
			URL:       cfg.SupabaseURL,
			AnonKey:   cfg.SupabaseAnonKey,
			Bucket:    cfg.StorageBucket,
			JWTSecret: cfg.SupabaseJWTSecret,
		})
	}

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 4. セキュリティサービス
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()

	// 5. セッション・画像取り込み
	registry := session.NewRegistry(factory, repo, fallback.NewResolver(cfg.AvatarFallbackBase, cfg.BannerFallbackURL), session.RegistryOptions{
		MaxAge: cfg.SessionMaxAge,
		Store: session.Options{
			BaseURL:   cfg.BaseURL,
			Sanitizer: sanitizer,
			Recorder:  collector,
		},
		Gauge: collector,
	})
	pipelines := ingest.NewSet(ingest.Options{
		MaxBytes:  cfg.MaxUploadSize,
		Client:    ssrfGuard.NewSafeClient(cfg.FetchTimeout),
		Validator: ssrfGuard,
	})

	// 6. ルーター
	limiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	deps := &handler.RouterDeps{
		Sessions: registry,
		SessionCookie: middleware.SessionCookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
			MaxAge: cfg.SessionMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			Secret:        []byte(cfg.CSRFSecret),
			AllowedOrigin: cfg.CORSAllowedOrigin,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		Logger:            slog.Default(),
		Statuses:          collector,

		HealthChecker: checker,
		Metrics:       metrics.Handler(reg),
		Objects:       objects,

		Pipelines: pipelines,
		Asset:     handler.AssetHandlerConfig{MaxUploadSize: cfg.MaxUploadSize},
		Auth:      handler.AuthHandlerConfig{AppURL: cfg.BaseURL},
		Stream:    handler.StreamConfig{AllowedOrigin: cfg.CORSAllowedOrigin},
	}

	// 7. クリーンアップジョブ
	job := cleanup.NewCleanupJob(repo, collector, slog.Default(), registry, pipelines)
	job.IdleTimeout = cfg.SessionIdleTimeout

	return &services{
		handler:   handler.NewRouter(deps),
		registry:  registry,
		pipelines: pipelines,
		limiter:   limiter,
		cleanup:   job,
		db:        db,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、クリーンアップジョブとHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if svc.db != nil {
		if err := database.Ping(ctx, svc.db, 10*time.Second); err != nil {
			return err
		}
		slog.Info("database connection established")
	}

	go svc.cleanup.Start(ctx, cfg.CleanupInterval)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           svc.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runCleanup は期限切れの永続化セッションを1回削除する。
// cronなど外部スケジューラからの実行を想定している。
func runCleanup(cfg *config.Config) error {
	if cfg.UseMemoryStore() {
		return errors.New("cleanup requires DATABASE_URL")
	}

	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Ping(ctx, db, 10*time.Second); err != nil {
		return err
	}

	job := cleanup.NewCleanupJob(repository.NewPostgresBrowserSessionRepo(db), nil, slog.Default())
	return job.Run(ctx)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.UseMemoryStore() {
		return errors.New("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
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
