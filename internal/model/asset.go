package model

import "fmt"

// AssetKind はプロフィール画像の種別を表す。
type AssetKind string

const (
	// AssetAvatar はアバター画像。
	AssetAvatar AssetKind = "avatar"
	// AssetBanner はバナー画像。
	AssetBanner AssetKind = "banner"
)

// ParseAssetKind は文字列から画像種別を解析する。
func ParseAssetKind(s string) (AssetKind, bool) {
	switch AssetKind(s) {
	case AssetAvatar, AssetBanner:
		return AssetKind(s), true
	default:
		return "", false
	}
}

// MetaKey は画像URLを保存するメタデータのキーを返す。
func (k AssetKind) MetaKey() string {
	if k == AssetBanner {
		return MetaBanner
	}
	return MetaAvatar
}

// ObjectPath はストレージ上のオブジェクトパス（{userID}/{kind}.png）を返す。
func (k AssetKind) ObjectPath(userID string) string {
	return fmt.Sprintf("%s/%s.png", userID, k)
}

// AssetUploadRequest はアップロード対象の画像ペイロードを表す。
// 取り込みパイプラインが生成し、SessionStoreのアップロード操作が消費する。
type AssetUploadRequest struct {
	Kind        AssetKind
	Data        []byte
	ContentType string
	UserID      string
}
