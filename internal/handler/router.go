package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/katarogu/account/internal/middleware"
)

// HealthChecker は依存先の疎通を確認する。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// PipelineStore は画像取り込みパイプラインの取得と破棄を行う。
type PipelineStore interface {
	PipelineSet
	PipelineDropper
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Sessions          middleware.SessionRegistry
	SessionCookie     middleware.SessionCookieConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Statuses          middleware.StatusRecorder

	// nilの場合は /health が常に200を返す
	HealthChecker HealthChecker
	// nilの場合は /metrics を公開しない
	Metrics http.Handler
	// nil以外の場合は /storage/ 以下でオブジェクトを配信する（メモリ実装使用時）
	Objects http.Handler

	// 画像取り込み
	Pipelines PipelineStore
	Asset     AssetHandlerConfig

	Auth   AuthHandlerConfig
	Stream StreamConfig
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Session → Logging → RateLimit(General) → CSRF
//
// /health と /metrics はセッションを作らないようチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{HSTS: deps.SessionCookie.Secure}))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Objects != nil {
		r.Method(http.MethodGet, "/storage/*", http.StripPrefix("/storage", deps.Objects))
	}

	sessionHandler := NewSessionHandler(deps.Stream)
	authHandler := NewAuthHandler(deps.Pipelines, deps.Auth)
	identityHandler := NewIdentityHandler()
	profileHandler := NewProfileHandler()
	assetHandler := NewAssetHandler(deps.Pipelines, deps.Asset)
	csrf := middleware.NewCSRF(deps.CSRF)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions, deps.SessionCookie))
		r.Use(middleware.NewLoggingMiddleware(logger, deps.Statuses))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(csrf.Middleware())

		r.Method(http.MethodGet, "/api/csrf-token", csrf.TokenHandler())

		// セッション
		r.Get("/api/session", sessionHandler.Get)
		r.Get("/api/session/stream", sessionHandler.Stream)

		// 認証（認証専用レート制限を追加）
		r.Route("/api/auth", func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/signin", authHandler.SignIn)
			r.Post("/signout", authHandler.SignOut)
			r.Post("/register", authHandler.Register)
			r.Post("/reset", authHandler.ResetPassword)
		})

		// OAuthフロー
		r.With(deps.RateLimiter.AuthMiddleware()).Get("/auth/{provider}/login", authHandler.OAuthLogin)
		r.Get("/auth/callback", authHandler.Callback)

		// IdP連携
		r.Route("/api/identities", func(r chi.Router) {
			r.Post("/refresh", identityHandler.Refresh)
			r.Post("/{provider}/link", identityHandler.Link)
			r.Delete("/{provider}", identityHandler.Unlink)
		})

		// プロフィール
		r.Patch("/api/profile", profileHandler.Update)

		// 画像
		r.Route("/api/assets/{kind}", func(r chi.Router) {
			r.Delete("/", assetHandler.Remove)

			r.Route("/selection", func(r chi.Router) {
				r.Post("/", assetHandler.Select)
				r.Delete("/", assetHandler.Cancel)
				r.Post("/import", assetHandler.Import)
				r.Get("/preview", assetHandler.Preview)
				r.Put("/crop", assetHandler.Crop)
				r.Post("/confirm", assetHandler.Confirm)
			})
		})
	})

	return r
}

// healthHandler はヘルスチェックのハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("ヘルスチェックに失敗しました", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
