// Package handler はアカウント管理APIのHTTPハンドラーを提供する。
//
// 各ハンドラーはセッションミドルウェアが注入したsession.Storeに操作を委譲し、
// 操作後のスナップショットをJSONで返す。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/katarogu/account/internal/middleware"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/session"
)

// maxJSONBody はJSONリクエストボディの上限。
const maxJSONBody = 64 << 10

// UserResponse はユーザー情報のJSONレスポンス。
type UserResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	Name          string    `json:"name"`
	Username      string    `json:"username"`
	Visibility    string    `json:"visibility"`
	CreatedAt     time.Time `json:"created_at"`
}

// IdentityResponse は連携済みIdPのJSONレスポンス。
type IdentityResponse struct {
	IdentityID     string    `json:"identity_id"`
	ProviderUserID string    `json:"provider_user_id"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	LinkedAt       time.Time `json:"linked_at"`
}

// SnapshotResponse はセッション状態のJSONレスポンス。
// identitiesは連携可能な全IdPをキーに持ち、未連携の場合はnull。
type SnapshotResponse struct {
	Ready      bool                         `json:"ready"`
	User       *UserResponse                `json:"user"`
	Identities map[string]*IdentityResponse `json:"identities"`
	AvatarURL  string                       `json:"avatar_url"`
	BannerURL  string                       `json:"banner_url"`
}

// newSnapshotResponse はスナップショットをレスポンス形式に変換する。
func newSnapshotResponse(snap session.Snapshot) SnapshotResponse {
	resp := SnapshotResponse{
		Ready:      snap.Ready,
		Identities: make(map[string]*IdentityResponse, len(model.LinkableProviders)),
		AvatarURL:  snap.AvatarURL,
		BannerURL:  snap.BannerURL,
	}
	if u := snap.User; u != nil {
		resp.User = &UserResponse{
			ID:            u.ID,
			Email:         u.Email,
			EmailVerified: u.EmailVerified,
			Name:          u.Name,
			Username:      u.Username,
			Visibility:    string(u.Visibility),
			CreatedAt:     u.CreatedAt,
		}
	}
	for _, p := range model.LinkableProviders {
		link, ok := snap.Identities[p]
		if !ok || link == nil {
			resp.Identities[string(p)] = nil
			continue
		}
		resp.Identities[string(p)] = &IdentityResponse{
			IdentityID:     link.IdentityID,
			ProviderUserID: link.ProviderUserID,
			AvatarURL:      link.AvatarURL(),
			LinkedAt:       link.LinkedAt,
		}
	}
	return resp
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeSnapshot はストアの現在の状態を書き込む。
func writeSnapshot(w http.ResponseWriter, status int, store *session.Store) {
	writeJSON(w, status, newSnapshotResponse(store.Snapshot()))
}

// decodeJSON はリクエストボディをデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		msg := "リクエストボディが不正です。"
		if errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			msg = "JSONの形式が不正です。"
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeValidation,
			Message:  msg,
			Category: model.CategoryValidation,
			Action:   "リクエストの内容を確認してください。",
		})
		return false
	}
	return true
}

// storeFrom はリクエストのセッションストアを返す。存在しない場合は500を書き込む。
func storeFrom(w http.ResponseWriter, r *http.Request) (*session.Store, bool) {
	store, err := middleware.StoreFromContext(r.Context())
	if err != nil {
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return store, true
}
