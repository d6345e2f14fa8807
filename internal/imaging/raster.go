package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"

	// デコード対象のフォーマットを登録する
	_ "image/gif"
	_ "image/jpeg"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ContentTypePNG は出力ペイロードのContent-Type。
const ContentTypePNG = "image/png"

// Payload はエンコード済みの画像データ。
type Payload struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Decode は画像をデコードする。対応形式はpng, jpeg, gif, webp。
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// NaturalSize は画像の実寸を返す。
func NaturalSize(img image.Image) Size {
	b := img.Bounds()
	return Size{Width: float64(b.Dx()), Height: float64(b.Dy())}
}

// Rasterize は確定したクロップ領域を元画像から切り出し、ピクセル比で拡大したラスタを返す。
// 領域は表示座標で渡し、元画像座標への変換はToNaturalで行う。
func Rasterize(src image.Image, r Region, displayed Size, pixelRatio float64) (*image.RGBA, error) {
	if src == nil {
		return nil, errors.New("source image is nil")
	}
	natural := NaturalSize(src)

	rect, err := ToNatural(r, natural, displayed)
	if err != nil {
		return nil, err
	}

	srcRect := toImageRect(rect, src.Bounds())
	if srcRect.Empty() {
		return nil, fmt.Errorf("crop region is outside the image: %+v", rect)
	}

	w, h := OutputSize(rect, pixelRatio)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("output raster is empty: %dx%d", w, h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, srcRect, xdraw.Src, nil)
	return dst, nil
}

// EncodePNG はラスタをPNGとしてエンコードする。
func EncodePNG(img image.Image) (*Payload, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	b := img.Bounds()
	return &Payload{
		Data:        buf.Bytes(),
		ContentType: ContentTypePNG,
		Width:       b.Dx(),
		Height:      b.Dy(),
	}, nil
}

// toImageRect は元画像座標の矩形を整数座標に丸め、画像範囲内に収める。
func toImageRect(rect Rect, bounds image.Rectangle) image.Rectangle {
	x0 := bounds.Min.X + int(math.Round(rect.X))
	y0 := bounds.Min.Y + int(math.Round(rect.Y))
	x1 := bounds.Min.X + int(math.Round(rect.X+rect.Width))
	y1 := bounds.Min.Y + int(math.Round(rect.Y+rect.Height))
	return image.Rect(x0, y0, x1, y1).Intersect(bounds)
}
