package handler

import (
	"net/http"

	"github.com/katarogu/account/internal/middleware"
	"github.com/katarogu/account/internal/model"
)

// ProfileHandler はプロフィール編集のHTTPハンドラー。
type ProfileHandler struct{}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler() *ProfileHandler {
	return &ProfileHandler{}
}

// updateProfileRequest は指定されたフィールドのみを更新する。
type updateProfileRequest struct {
	Username   *string `json:"username"`
	Name       *string `json:"name"`
	Visibility *string `json:"visibility"`
}

// Update はユーザー名・表示名・公開範囲を更新する。
// フィールドは username, name, visibility の順に適用し、最初の失敗で中断する。
// PATCH /api/profile
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == nil && req.Name == nil && req.Visibility == nil {
		middleware.WriteError(w, model.NewValidationError("", "更新する項目がありません。", "username, name, visibility のいずれかを指定してください。"))
		return
	}

	ctx := r.Context()
	if req.Username != nil {
		if err := store.UpdateUsername(ctx, *req.Username); err != nil {
			middleware.WriteError(w, err)
			return
		}
	}
	if req.Name != nil {
		if err := store.UpdateDisplayName(ctx, *req.Name); err != nil {
			middleware.WriteError(w, err)
			return
		}
	}
	if req.Visibility != nil {
		if err := store.UpdateVisibility(ctx, *req.Visibility); err != nil {
			middleware.WriteError(w, err)
			return
		}
	}
	writeSnapshot(w, http.StatusOK, store)
}
