package handler

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/katarogu/account/internal/middleware"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/session"
)

// callbackErrorPath はOAuthコールバック失敗時の遷移先。
const callbackErrorPath = "/auth/callback/error"

// PipelineDropper はセッションの画像取り込み状態を破棄する。
type PipelineDropper interface {
	Drop(sessionID string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// AppURL はコールバック後のリダイレクト先の基準URL。
	AppURL string
}

// AuthHandler はメールアドレス・OAuthによる認証のHTTPハンドラー。
type AuthHandler struct {
	pipelines PipelineDropper
	appURL    string
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(pipelines PipelineDropper, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		pipelines: pipelines,
		appURL:    strings.TrimRight(config.AppURL, "/"),
	}
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Name            string `json:"name"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

// SignIn はメールアドレスとパスワードでログインする。
// POST /api/auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := store.SignIn(r.Context(), req.Email, req.Password); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeSnapshot(w, http.StatusOK, store)
}

// SignOut はログアウトし、選択中の画像を破棄する。
// POST /api/auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	if sessionID, err := middleware.SessionIDFromContext(r.Context()); err == nil && h.pipelines != nil {
		h.pipelines.Drop(sessionID)
	}
	if err := store.SignOut(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeSnapshot(w, http.StatusOK, store)
}

// Register はユーザーを新規登録する。確認メールの送信後に202を返す。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := store.Register(r.Context(), session.RegisterInput{
		Name:            req.Name,
		Username:        req.Username,
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "confirmation_sent"})
}

// ResetPassword はパスワード再設定メールの送信を依頼する。
// POST /api/auth/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := store.ResetPassword(r.Context(), req.Email); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// OAuthLogin はIdPの認可画面へリダイレクトする。
// GET /auth/{provider}/login?next=...
func (h *AuthHandler) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "provider")
	p, ok := model.ParseProvider(name)
	if !ok {
		middleware.WriteError(w, model.NewUnsupportedProviderError(name))
		return
	}

	redirect, err := store.SignInWithOAuth(r.Context(), p, r.URL.Query().Get("next"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusTemporaryRedirect)
}

// Callback はOAuthログイン・identity連携のコールバックを処理する。
// 成功時はnextへ、失敗時はエラーページへリダイレクトする。
// GET /auth/callback?code=...&next=...
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	// IdP側で拒否された場合はcodeの代わりにerror_descriptionが返る
	if desc := q.Get("error_description"); desc != "" && q.Get("code") == "" {
		slog.Warn("OAuth認可が拒否されました", slog.String("reason", desc))
		h.redirectError(w, r, desc)
		return
	}

	if err := store.ExchangeCode(r.Context(), q.Get("code")); err != nil {
		h.redirectError(w, r, session.Classify(err).Message)
		return
	}
	http.Redirect(w, r, h.appURL+session.SafeNext(q.Get("next")), http.StatusTemporaryRedirect)
}

func (h *AuthHandler) redirectError(w http.ResponseWriter, r *http.Request, msg string) {
	target := h.appURL + callbackErrorPath + "?" + url.Values{"msg": {msg}}.Encode()
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}
