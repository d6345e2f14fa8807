// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/katarogu/account/internal/session"
)

const sessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	storeContextKey     = contextKey("session_store")
	sessionIDContextKey = contextKey("session_id")
)

// SessionRegistry はブラウザセッションの取得・作成に必要なインターフェース。
// session.Registryの部分集合として定義する。
type SessionRegistry interface {
	Create(ctx context.Context) (string, *session.Store, error)
	Get(ctx context.Context, id string) (*session.Store, bool, error)
}

// SessionCookieConfig はセッションCookieの属性。
type SessionCookieConfig struct {
	Secure bool
	Domain string
	MaxAge time.Duration
}

// NewSessionMiddleware はCookieのセッションIDに対応するStoreをリクエストコンテキストに注入する。
// Cookieがない、または復元できないセッションの場合は新しい匿名セッションを作成し、Cookieを発行する。
func NewSessionMiddleware(registry SessionRegistry, cfg SessionCookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				id    string
				store *session.Store
			)

			if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
				s, found, err := registry.Get(r.Context(), cookie.Value)
				if err != nil {
					slog.Error("failed to load session",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
				if found {
					id, store = cookie.Value, s
				}
			}

			if store == nil {
				newID, s, err := registry.Create(r.Context())
				if err != nil {
					slog.Error("failed to create session",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
				id, store = newID, s
				setSessionCookie(w, id, cfg)
			}

			ctx := context.WithValue(r.Context(), storeContextKey, store)
			ctx = context.WithValue(ctx, sessionIDContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func setSessionCookie(w http.ResponseWriter, id string, cfg SessionCookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   int(cfg.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		// OAuthコールバックのトップレベル遷移でCookieを送るためLaxにする
		SameSite: http.SameSiteLaxMode,
	})
}

// StoreFromContext はリクエストコンテキストからセッションのStoreを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func StoreFromContext(ctx context.Context) (*session.Store, error) {
	store, ok := ctx.Value(storeContextKey).(*session.Store)
	if !ok || store == nil {
		return nil, fmt.Errorf("session store not found in context")
	}
	return store, nil
}

// SessionIDFromContext はリクエストコンテキストからブラウザセッションIDを取得する。
func SessionIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(sessionIDContextKey).(string)
	if !ok || id == "" {
		return "", fmt.Errorf("session ID not found in context")
	}
	return id, nil
}

// UserIDFromContext はセッションのログイン中ユーザーIDを取得する。未ログインの場合はエラーを返す。
func UserIDFromContext(ctx context.Context) (string, error) {
	store, err := StoreFromContext(ctx)
	if err != nil {
		return "", err
	}
	if u := store.Snapshot().User; u != nil && u.ID != "" {
		return u.ID, nil
	}
	return "", fmt.Errorf("user ID not found in context")
}

// ContextWithSession はコンテキストにセッションIDとStoreを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, id string, store *session.Store) context.Context {
	ctx = context.WithValue(ctx, storeContextKey, store)
	return context.WithValue(ctx, sessionIDContextKey, id)
}
