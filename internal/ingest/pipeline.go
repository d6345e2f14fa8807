// Package ingest は選択された画像を検証・切り出し、アップロード用のペイロードに変換する。
//
// Pipelineは画像種別ごとの状態機械で、Idle → FileSelected → Previewing → Confirmed → Idle と遷移する。
// Cancelはどの状態からでもIdleに戻し、デコード済み画像と元データを解放する。
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/katarogu/account/internal/imaging"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/session"
)

// MaxFileSize は選択できる画像ファイルの上限（12MiB）。
const MaxFileSize int64 = 12 << 20

// initialWidthPercent は初期クロップ領域の幅（画像幅に対する百分率）。
const initialWidthPercent = 90

const defaultFetchTimeout = 10 * time.Second

// State はパイプラインの状態。
type State string

const (
	StateIdle         State = "idle"
	StateFileSelected State = "file_selected"
	StatePreviewing   State = "previewing"
	StateConfirmed    State = "confirmed"
)

// Spec は画像種別ごとの制約。
type Spec struct {
	Aspect    float64
	MinWidth  int
	MinHeight int
}

// SpecFor は画像種別の制約を返す。
func SpecFor(kind model.AssetKind) Spec {
	if kind == model.AssetBanner {
		return Spec{Aspect: imaging.AspectBanner, MinWidth: 600, MinHeight: 150}
	}
	return Spec{Aspect: imaging.AspectAvatar, MinWidth: 256, MinHeight: 256}
}

// Target は確定したペイロードの受け取り先。session.Storeが実装する。
type Target interface {
	UploadAsset(ctx context.Context, req model.AssetUploadRequest) error
	Notify(n session.Notice)
}

// URLValidator はURLの事前検証を行う。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Options はPipelineの設定。
type Options struct {
	// MaxBytes は選択できるファイルサイズの上限。0以下の場合はMaxFileSize。
	MaxBytes int64
	// Client はURLからの取り込みに使用するHTTPクライアント（SSRF防止済みのもの）。
	Client    *http.Client
	Validator URLValidator
}

// View はパイプラインの現在の状態。
type View struct {
	Kind        model.AssetKind `json:"kind"`
	State       State           `json:"state"`
	Natural     imaging.Size    `json:"natural"`
	Region      imaging.Region  `json:"region"`
	ContentType string          `json:"content_type,omitempty"`
	Format      string          `json:"format,omitempty"`
}

// Pipeline は1種類の画像の取り込みを扱う。
type Pipeline struct {
	kind   model.AssetKind
	spec   Spec
	target Target
	opts   Options

	mu          sync.Mutex
	state       State
	source      []byte
	contentType string
	format      string
	img         image.Image
	natural     imaging.Size
	region      imaging.Region
	touched     time.Time
	// gen は選択内容が入れ替わるたびに進む。Confirmの描画中に取り消されたかの判定に使う。
	gen uint64

	render func(image.Image, imaging.Region, imaging.Size, float64) (*imaging.Payload, error)
}

// New はPipelineを生成する。
func New(kind model.AssetKind, target Target, opts Options) *Pipeline {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = MaxFileSize
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Pipeline{
		kind:    kind,
		spec:    SpecFor(kind),
		target:  target,
		opts:    opts,
		state:   StateIdle,
		touched: time.Now(),
		render:  render,
	}
}

// View は現在の状態を返す。
func (p *Pipeline) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

// Select はファイルを選択する。sizeが上限を超える場合はデコード前に拒否する。
// 受理した場合はPreviewingに遷移し、中央に配置した初期クロップ領域を設定する。
func (p *Pipeline) Select(r io.Reader, size int64, contentType string) (View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touched = time.Now()

	if size > p.opts.MaxBytes {
		p.resetLocked()
		return p.viewLocked(), p.reject(model.NewFileTooLargeError(p.opts.MaxBytes))
	}

	data, err := io.ReadAll(io.LimitReader(r, p.opts.MaxBytes+1))
	if err != nil {
		p.resetLocked()
		return p.viewLocked(), p.reject(model.NewProcessingError(err.Error()))
	}
	if int64(len(data)) > p.opts.MaxBytes {
		p.resetLocked()
		return p.viewLocked(), p.reject(model.NewFileTooLargeError(p.opts.MaxBytes))
	}

	return p.selectLocked(data, contentType)
}

// SelectFromURL は外部URLの画像を取得して選択する。連携済みIdPのアバター画像の取り込みに使用する。
func (p *Pipeline) SelectFromURL(ctx context.Context, rawURL string) (View, error) {
	if p.opts.Validator != nil {
		if err := p.opts.Validator.ValidateURL(rawURL); err != nil {
			p.Cancel()
			return p.View(), p.reject(model.NewValidationError("url", "取り込めないURLです。", "別の画像を指定してください。"))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		p.Cancel()
		return p.View(), p.reject(model.NewValidationError("url", "URLが不正です。", "別の画像を指定してください。"))
	}
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		p.Cancel()
		return p.View(), p.reject(model.NewProcessingError(fmt.Sprintf("fetch failed: %v", err)))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.Cancel()
		return p.View(), p.reject(model.NewProcessingError(fmt.Sprintf("unexpected status %d", resp.StatusCode)))
	}

	slog.Debug("画像を取得しました",
		slog.String("kind", string(p.kind)),
		slog.Int64("content_length", resp.ContentLength),
	)
	return p.Select(resp.Body, resp.ContentLength, resp.Header.Get("Content-Type"))
}

// selectLocked はdataをデコードして選択する。
// Content-Typeは申告値ではなくデコードした形式から決める。
func (p *Pipeline) selectLocked(data []byte, declared string) (View, error) {
	p.gen++
	p.state = StateFileSelected
	p.source = data

	img, format, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		p.resetLocked()
		return p.viewLocked(), p.reject(model.NewProcessingError(err.Error()))
	}

	natural := imaging.NaturalSize(img)
	if int(natural.Width) < p.spec.MinWidth || int(natural.Height) < p.spec.MinHeight {
		p.resetLocked()
		return p.viewLocked(), p.reject(model.NewImageTooSmallError(p.spec.MinWidth, p.spec.MinHeight))
	}

	p.img = img
	p.format = format
	p.natural = natural
	p.contentType = "image/" + format
	if declared != "" && declared != p.contentType {
		slog.Debug("申告されたContent-Typeとデコード結果が異なります",
			slog.String("kind", string(p.kind)),
			slog.String("declared", declared),
			slog.String("format", format),
		)
	}
	p.region = imaging.CenterAspect(p.spec.Aspect, initialWidthPercent, natural)
	p.state = StatePreviewing
	return p.viewLocked(), nil
}

// Preview はプレビュー表示用の元データを返す。
func (p *Pipeline) Preview() ([]byte, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePreviewing {
		return nil, "", model.NewPipelineStateError(string(p.state))
	}
	p.touched = time.Now()
	return p.source, p.contentType, nil
}

// Adjust はクロップ領域を更新する。領域は画像範囲と固定アスペクト比に収められる。
// ピクセル単位の領域はdisplayed基準で扱い、displayedが無効な場合は実寸を基準にする。
func (p *Pipeline) Adjust(r imaging.Region, displayed imaging.Size) (View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePreviewing {
		return p.viewLocked(), model.NewPipelineStateError(string(p.state))
	}
	p.touched = time.Now()

	bounds := displayed
	if !bounds.Valid() {
		bounds = p.natural
	}
	clamped, err := imaging.Clamp(r, bounds, p.spec.Aspect)
	if err != nil {
		if errors.Is(err, imaging.ErrNoRegion) {
			return p.viewLocked(), nil
		}
		return p.viewLocked(), model.NewValidationError("region", err.Error(), "クロップ範囲を指定し直してください。")
	}
	p.region = clamped
	return p.viewLocked(), nil
}

// Confirm は確定した領域を切り出してPNGにエンコードし、アップロードする。
// displayedはプレビューの表示サイズ、pixelRatioはデバイスピクセル比。
// 処理に失敗した場合はアップロードせずにIdleへ戻る。
// 描画中にCancelまたは新しい選択が行われた場合は、結果を破棄してアップロードしない。
func (p *Pipeline) Confirm(ctx context.Context, displayed imaging.Size, pixelRatio float64) error {
	p.mu.Lock()
	if p.state != StatePreviewing {
		state := p.state
		p.mu.Unlock()
		return model.NewPipelineStateError(string(state))
	}
	if p.region.IsZero() {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConfirmed
	p.touched = time.Now()
	gen := p.gen
	img, region := p.img, p.region
	if !displayed.Valid() {
		displayed = p.natural
	}
	p.mu.Unlock()

	payload, err := p.render(img, region, displayed, pixelRatio)

	p.mu.Lock()
	if p.gen != gen || p.state != StateConfirmed {
		state := p.state
		p.mu.Unlock()
		slog.Info("確定処理中に選択が取り消されました",
			slog.String("kind", string(p.kind)),
		)
		return model.NewPipelineStateError(string(state))
	}
	p.resetLocked()
	p.mu.Unlock()

	if err != nil {
		slog.Warn("画像の切り出しに失敗しました",
			slog.String("kind", string(p.kind)),
			slog.String("error", err.Error()),
		)
		return p.reject(model.NewProcessingError(err.Error()))
	}

	return p.target.UploadAsset(ctx, model.AssetUploadRequest{
		Kind:        p.kind,
		Data:        payload.Data,
		ContentType: payload.ContentType,
	})
}

// Cancel はIdleに戻り、選択中の画像を破棄する。
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

// idleSince は最終操作時刻を返す。
func (p *Pipeline) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.touched
}

func render(img image.Image, region imaging.Region, displayed imaging.Size, pixelRatio float64) (*imaging.Payload, error) {
	raster, err := imaging.Rasterize(img, region, displayed, pixelRatio)
	if err != nil {
		return nil, err
	}
	return imaging.EncodePNG(raster)
}

func (p *Pipeline) resetLocked() {
	p.gen++
	p.state = StateIdle
	p.source = nil
	p.contentType = ""
	p.format = ""
	p.img = nil
	p.natural = imaging.Size{}
	p.region = imaging.Region{}
}

func (p *Pipeline) viewLocked() View {
	return View{
		Kind:        p.kind,
		State:       p.state,
		Natural:     p.natural,
		Region:      p.region,
		ContentType: p.contentType,
		Format:      p.format,
	}
}

func (p *Pipeline) reject(apiErr *model.APIError) error {
	p.target.Notify(session.Notice{
		Level:   session.NoticeError,
		Title:   "画像を使用できません",
		Message: apiErr.Message,
		Code:    apiErr.Code,
	})
	return apiErr
}
