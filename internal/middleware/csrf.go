package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/katarogu/account/internal/model"
)

// csrfHeaderName は状態変更リクエストでCSRFトークンを送るヘッダー名。
const csrfHeaderName = "X-CSRF-Token"

// ErrCodeCSRFInvalid はCSRF検証に失敗した場合のエラーコード。
const ErrCodeCSRFInvalid = "CSRF_TOKEN_INVALID"

// CSRFConfig はCSRF保護の設定。
type CSRFConfig struct {
	// Secret はトークンの署名鍵。空の場合は起動ごとにランダムな鍵を生成する。
	Secret []byte
	// AllowedOrigin はOriginヘッダーとして受け付けるフロントエンドのオリジン。
	AllowedOrigin string
}

// CSRF はブラウザセッションに紐づいたCSRFトークンを発行・検証する。
// トークンはセッションIDのHMACのため、サーバー側に状態を持たない。
// セッションミドルウェアの内側で使用する。
type CSRF struct {
	secret        []byte
	allowedOrigin string
}

// NewCSRF は新しいCSRFを生成する。
func NewCSRF(cfg CSRFConfig) *CSRF {
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic("csrf: failed to generate secret: " + err.Error())
		}
	}
	return &CSRF{
		secret:        secret,
		allowedOrigin: strings.TrimRight(cfg.AllowedOrigin, "/"),
	}
}

// Token はセッションIDに対応するトークンを返す。
func (c *CSRF) Token(sessionID string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware は状態変更メソッド（POST, PUT, PATCH, DELETE）のトークンを検証するミドルウェアを返す。
// 安全なメソッドは検証しない。
func (c *CSRF) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if reason := c.failure(r); reason != "" {
				slog.Warn("CSRF validation failed",
					slog.String("reason", reason),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
					Code:     ErrCodeCSRFInvalid,
					Message:  "リクエストを検証できませんでした。",
					Category: model.CategoryAuth,
					Action:   "ページを再読み込みしてから再度お試しください。",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// failure は検証に失敗した理由を返す。成功時は空文字列。
func (c *CSRF) failure(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" && !c.sameOrigin(origin, r) {
		return "origin not allowed"
	}
	id, err := SessionIDFromContext(r.Context())
	if err != nil {
		return "no session"
	}
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return "missing header token"
	}
	if !hmac.Equal([]byte(header), []byte(c.Token(id))) {
		return "token mismatch"
	}
	return ""
}

// sameOrigin はOriginヘッダーが許可オリジンまたはリクエスト先ホストと一致するかを返す。
func (c *CSRF) sameOrigin(origin string, r *http.Request) bool {
	origin = strings.TrimRight(origin, "/")
	if c.allowedOrigin != "" && origin == c.allowedOrigin {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// TokenHandler はCSRFトークン取得エンドポイントのハンドラーを返す。
// GET /api/csrf-token
func (c *CSRF) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := SessionIDFromContext(r.Context())
		if err != nil {
			slog.Error("CSRF token requested without session", slog.String("error", err.Error()))
			WriteInternalServerError(w)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"token": c.Token(id),
		})
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
