package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/katarogu/account/internal/imaging"
	"github.com/katarogu/account/internal/ingest"
	"github.com/katarogu/account/internal/middleware"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/session"
)

// multipartOverhead はmultipartの境界やヘッダーに許容するバイト数。
const multipartOverhead = 64 << 10

// uploadFieldName は画像ファイルを格納するフォームフィールド名。
const uploadFieldName = "file"

// PipelineSet はセッションと画像種別ごとの取り込みパイプラインを提供する。
type PipelineSet interface {
	Get(sessionID string, kind model.AssetKind, target ingest.Target) *ingest.Pipeline
}

// AssetHandlerConfig は画像ハンドラーの設定。
type AssetHandlerConfig struct {
	// MaxUploadSize は選択できる画像ファイルの上限。0以下の場合はingest.MaxFileSize。
	MaxUploadSize int64
}

// AssetHandler はアバター・バナー画像の選択・切り出し・アップロードのHTTPハンドラー。
type AssetHandler struct {
	pipelines PipelineSet
	maxBytes  int64
}

// NewAssetHandler はAssetHandlerを生成する。
func NewAssetHandler(pipelines PipelineSet, config AssetHandlerConfig) *AssetHandler {
	maxBytes := config.MaxUploadSize
	if maxBytes <= 0 {
		maxBytes = ingest.MaxFileSize
	}
	return &AssetHandler{pipelines: pipelines, maxBytes: maxBytes}
}

type importRequest struct {
	Provider string `json:"provider"`
}

type cropRequest struct {
	Region    imaging.Region `json:"region"`
	Displayed imaging.Size   `json:"displayed"`
}

type confirmRequest struct {
	Displayed  imaging.Size `json:"displayed"`
	PixelRatio float64      `json:"pixel_ratio"`
}

// Select はmultipartで送信された画像を選択する。
// POST /api/assets/{kind}/selection
func (h *AssetHandler) Select(w http.ResponseWriter, r *http.Request) {
	p, _, ok := h.pipeline(w, r)
	if !ok {
		return
	}

	// Content-Lengthで明らかに上限を超える場合は読み込まずに拒否させる
	size := int64(-1)
	if r.ContentLength > h.maxBytes+multipartOverhead {
		size = r.ContentLength
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		middleware.WriteError(w, model.NewValidationError(uploadFieldName, "multipart/form-data で送信してください。", "画像ファイルを選択し直してください。"))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				middleware.WriteError(w, model.NewFileTooLargeError(h.maxBytes))
				return
			}
			middleware.WriteError(w, model.NewValidationError(uploadFieldName, "フォームの読み込みに失敗しました。", "画像ファイルを選択し直してください。"))
			return
		}
		if part.FormName() != uploadFieldName {
			part.Close()
			continue
		}

		view, err := p.Select(part, size, partContentType(part.Header.Get("Content-Type")))
		part.Close()
		if err != nil {
			middleware.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	middleware.WriteError(w, model.NewValidationError(uploadFieldName, "画像ファイルがありません。", "画像ファイルを選択してください。"))
}

// Import は連携済みIdPのアバター画像を取り込んで選択する。
// POST /api/assets/{kind}/selection/import
func (h *AssetHandler) Import(w http.ResponseWriter, r *http.Request) {
	p, store, ok := h.pipeline(w, r)
	if !ok {
		return
	}
	var req importRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prov, ok := model.ParseProvider(req.Provider)
	if !ok {
		middleware.WriteError(w, model.NewUnsupportedProviderError(req.Provider))
		return
	}
	link, ok := store.Snapshot().Identities[prov]
	if !ok || link == nil {
		middleware.WriteError(w, model.NewIdentityNotLinkedError(prov))
		return
	}
	avatar := link.AvatarURL()
	if avatar == "" {
		middleware.WriteError(w, model.NewValidationError("provider", "連携先にアバター画像がありません。", "画像ファイルを選択してください。"))
		return
	}

	view, err := p.SelectFromURL(r.Context(), avatar)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Preview は選択中の画像をそのまま返す。
// GET /api/assets/{kind}/selection/preview
func (h *AssetHandler) Preview(w http.ResponseWriter, r *http.Request) {
	p, _, ok := h.pipeline(w, r)
	if !ok {
		return
	}
	data, contentType, err := p.Preview()
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Crop はクロップ領域を更新する。
// PUT /api/assets/{kind}/selection/crop
func (h *AssetHandler) Crop(w http.ResponseWriter, r *http.Request) {
	p, _, ok := h.pipeline(w, r)
	if !ok {
		return
	}
	var req cropRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := p.Adjust(req.Region, req.Displayed)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Confirm は確定した領域を切り出してアップロードする。
// POST /api/assets/{kind}/selection/confirm
func (h *AssetHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	p, store, ok := h.pipeline(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := p.Confirm(r.Context(), req.Displayed, req.PixelRatio); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeSnapshot(w, http.StatusOK, store)
}

// Cancel は選択中の画像を破棄する。
// DELETE /api/assets/{kind}/selection
func (h *AssetHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, _, ok := h.pipeline(w, r)
	if !ok {
		return
	}
	p.Cancel()
	writeJSON(w, http.StatusOK, p.View())
}

// Remove はアップロード済みの画像を削除し、既定画像に戻す。
// DELETE /api/assets/{kind}
func (h *AssetHandler) Remove(w http.ResponseWriter, r *http.Request) {
	store, kind, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := store.RemoveAsset(r.Context(), kind); err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeSnapshot(w, http.StatusOK, store)
}

// target はログイン中のストアとURLの画像種別を返す。
func (h *AssetHandler) target(w http.ResponseWriter, r *http.Request) (*session.Store, model.AssetKind, bool) {
	store, ok := storeFrom(w, r)
	if !ok {
		return nil, "", false
	}
	raw := chi.URLParam(r, "kind")
	kind, ok := model.ParseAssetKind(raw)
	if !ok {
		middleware.WriteError(w, model.NewValidationError("kind", "画像の種別が不正です。", "avatar または banner を指定してください。"))
		return nil, "", false
	}
	if store.Snapshot().User == nil {
		middleware.WriteError(w, model.NewUnauthenticatedError())
		return nil, "", false
	}
	return store, kind, true
}

// pipeline はリクエストのセッションと画像種別に対応するPipelineを返す。
func (h *AssetHandler) pipeline(w http.ResponseWriter, r *http.Request) (*ingest.Pipeline, *session.Store, bool) {
	store, kind, ok := h.target(w, r)
	if !ok {
		return nil, nil, false
	}
	sessionID, err := middleware.SessionIDFromContext(r.Context())
	if err != nil {
		slog.Error("セッションIDがコンテキストにありません", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return nil, nil, false
	}
	return h.pipelines.Get(sessionID, kind, store), store, true
}

// partContentType はパートのContent-Typeからパラメータを除いたメディアタイプを返す。
// 画像以外の場合は空文字列を返し、デコード結果から判定させる。
func partContentType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	if !strings.HasPrefix(mt, "image/") {
		return ""
	}
	return mt
}
