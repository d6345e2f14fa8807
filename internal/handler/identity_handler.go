package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/katarogu/account/internal/identity"
	"github.com/katarogu/account/internal/middleware"
)

// IdentityHandler はサードパーティIdP連携のHTTPハンドラー。
type IdentityHandler struct{}

// NewIdentityHandler はIdentityHandlerを生成する。
func NewIdentityHandler() *IdentityHandler {
	return &IdentityHandler{}
}

type linkResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// Link は連携を開始し、ブラウザの遷移先となる認可URLを返す。
// POST /api/identities/{provider}/link
func (h *IdentityHandler) Link(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	redirect, err := identity.NewManager(store, store.Auth()).Link(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linkResponse{RedirectURL: redirect})
}

// Unlink は連携を解除する。
// DELETE /api/identities/{provider}
func (h *IdentityHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	if err := identity.NewManager(store, store.Auth()).Unlink(r.Context(), chi.URLParam(r, "provider")); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeSnapshot(w, http.StatusOK, store)
}

// Refresh は連携一覧を再取得する。
// POST /api/identities/refresh
func (h *IdentityHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	if err := store.RefreshIdentities(r.Context()); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeSnapshot(w, http.StatusOK, store)
}
