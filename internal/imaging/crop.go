// Package imaging はクロップ領域の幾何計算と、画像の切り出し・エンコードを提供する。
//
// クロップ領域はプレビュー表示上の座標（表示サイズ基準）で指定され、
// 元画像の座標へは軸ごとに natural/displayed の比率で変換する。
// 出力ラスタはさらにデバイスピクセル比で拡大し、高DPI環境でも実解像度で取り込む。
package imaging

import (
	"errors"
	"fmt"
	"math"
)

// Unit はクロップ領域の単位。
type Unit string

const (
	// UnitPercent は表示サイズに対する百分率。
	UnitPercent Unit = "%"
	// UnitPixel は表示上のピクセル。
	UnitPixel Unit = "px"
)

// 画像種別ごとの固定アスペクト比。
const (
	AspectAvatar = 1.0
	AspectBanner = 4.0
)

// maxPixelRatio はデバイスピクセル比の上限。極端な値による巨大ラスタ生成を防ぐ。
const maxPixelRatio = 4.0

// ErrNoRegion はクロップ領域が未確定の場合に返される。
// エラーではなく「何もしない」ことを示すガード条件として扱う。
var ErrNoRegion = errors.New("crop region is not set")

// Size は画像の幅と高さを表す。
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid は幅と高さがともに正であるかを返す。
func (s Size) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Region はユーザーが指定したクロップ領域。
// Aspectは領域生成時に適用されたアスペクト比（幅/高さ）で、0は制約なし。
type Region struct {
	Unit   Unit    `json:"unit"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Aspect float64 `json:"aspect"`
}

// IsZero は領域が未設定（幅または高さが0以下）かどうかを返す。
func (r Region) IsZero() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Rect は元画像のピクセル座標上の矩形。
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CenterAspect は指定アスペクト比を満たす領域を画像中央に配置して返す。
// 幅はwidthPercent（百分率）を基準とし、高さが画像に収まらない場合は高さ基準に縮める。
// 戻り値の単位は百分率。
func CenterAspect(aspect, widthPercent float64, natural Size) Region {
	if !natural.Valid() || aspect <= 0 {
		return Region{}
	}
	if widthPercent <= 0 || widthPercent > 100 {
		widthPercent = 100
	}

	w := natural.Width * widthPercent / 100
	h := w / aspect
	if h > natural.Height {
		h = natural.Height
		w = h * aspect
	}

	wp := w / natural.Width * 100
	hp := h / natural.Height * 100
	return Region{
		Unit:   UnitPercent,
		X:      (100 - wp) / 2,
		Y:      (100 - hp) / 2,
		Width:  wp,
		Height: hp,
		Aspect: aspect,
	}
}

// ToPixels は領域を表示サイズ基準のピクセル単位に変換する。
func ToPixels(r Region, displayed Size) Region {
	if r.Unit != UnitPercent {
		r.Unit = UnitPixel
		return r
	}
	return Region{
		Unit:   UnitPixel,
		X:      r.X * displayed.Width / 100,
		Y:      r.Y * displayed.Height / 100,
		Width:  r.Width * displayed.Width / 100,
		Height: r.Height * displayed.Height / 100,
		Aspect: r.Aspect,
	}
}

// toPercent はピクセル単位の領域を百分率に戻す。
func toPercent(r Region, displayed Size) Region {
	return Region{
		Unit:   UnitPercent,
		X:      r.X / displayed.Width * 100,
		Y:      r.Y / displayed.Height * 100,
		Width:  r.Width / displayed.Width * 100,
		Height: r.Height / displayed.Height * 100,
		Aspect: r.Aspect,
	}
}

// Clamp は領域をboundsの範囲内かつアスペクト比aspectに収める。
// 入力と同じ単位で返す。aspectが0以下の場合は比率を強制しない。
func Clamp(r Region, bounds Size, aspect float64) (Region, error) {
	if r.IsZero() {
		return Region{}, ErrNoRegion
	}
	if !bounds.Valid() {
		return Region{}, fmt.Errorf("invalid bounds %vx%v", bounds.Width, bounds.Height)
	}

	unit := r.Unit
	px := ToPixels(r, bounds)

	if aspect > 0 {
		// 幅を基準に比率を合わせ、はみ出す場合は縮める
		px.Height = px.Width / aspect
		if px.Width > bounds.Width {
			px.Width = bounds.Width
			px.Height = px.Width / aspect
		}
		if px.Height > bounds.Height {
			px.Height = bounds.Height
			px.Width = px.Height * aspect
		}
		px.Aspect = aspect
	} else {
		px.Width = math.Min(px.Width, bounds.Width)
		px.Height = math.Min(px.Height, bounds.Height)
	}

	px.X = clampFloat(px.X, 0, bounds.Width-px.Width)
	px.Y = clampFloat(px.Y, 0, bounds.Height-px.Height)

	if unit == UnitPercent {
		return toPercent(px, bounds), nil
	}
	return px, nil
}

// ToNatural は表示座標上の領域を元画像のピクセル座標に変換する。
// 縮尺は軸ごとに natural/displayed で独立に計算する。
func ToNatural(r Region, natural, displayed Size) (Rect, error) {
	if r.IsZero() {
		return Rect{}, ErrNoRegion
	}
	if !natural.Valid() || !displayed.Valid() {
		return Rect{}, fmt.Errorf("invalid dimensions: natural=%vx%v displayed=%vx%v",
			natural.Width, natural.Height, displayed.Width, displayed.Height)
	}

	px := ToPixels(r, displayed)
	scaleX := natural.Width / displayed.Width
	scaleY := natural.Height / displayed.Height

	return Rect{
		X:      px.X * scaleX,
		Y:      px.Y * scaleY,
		Width:  px.Width * scaleX,
		Height: px.Height * scaleY,
	}, nil
}

// OutputSize は出力ラスタの寸法を返す。元画像座標の矩形をピクセル比で拡大する。
func OutputSize(rect Rect, pixelRatio float64) (int, int) {
	pr := normalizePixelRatio(pixelRatio)
	w := int(math.Round(rect.Width * pr))
	h := int(math.Round(rect.Height * pr))
	return w, h
}

func normalizePixelRatio(pr float64) float64 {
	if pr <= 0 || math.IsNaN(pr) || math.IsInf(pr, 0) {
		return 1
	}
	if pr > maxPixelRatio {
		return maxPixelRatio
	}
	return pr
}

func clampFloat(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
