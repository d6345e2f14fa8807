// Package fallback はユーザー画像が未設定の場合に使用する既定画像URLを決定する。
package fallback

import (
	"net/url"
)

const (
	defaultAvatarBase = "https://api.dicebear.com/7.x/lorelei-neutral/png"
	defaultBannerURL  = "https://images.unsplash.com/photo-1636955816868-fcb881e57954?q=50"

	// anonymousSeed は未ログイン時のアバター生成に使うシード。
	anonymousSeed = "anonymous"
)

// Resolver は既定画像URLを決定する。入力のみで結果が決まり、副作用を持たない。
type Resolver struct {
	avatarBase string
	bannerURL  string
}

// NewResolver はResolverを生成する。空文字列を渡した場合は既定値を使用する。
func NewResolver(avatarBase, bannerURL string) *Resolver {
	if avatarBase == "" {
		avatarBase = defaultAvatarBase
	}
	if bannerURL == "" {
		bannerURL = defaultBannerURL
	}
	return &Resolver{avatarBase: avatarBase, bannerURL: bannerURL}
}

// AvatarURL はユーザー名をシードとした生成アバターのURLを返す。
// ユーザー名が空の場合はユーザーIDをシードにする。
func (r *Resolver) AvatarURL(username, userID string) string {
	seed := username
	if seed == "" {
		seed = userID
	}
	if seed == "" {
		seed = anonymousSeed
	}
	q := url.Values{}
	q.Set("seed", seed)
	q.Set("radius", "50")
	return r.avatarBase + "?" + q.Encode()
}

// BannerURL は固定の既定バナーURLを返す。
func (r *Resolver) BannerURL() string {
	return r.bannerURL
}

// Anonymous は未ログイン時のアバターとバナーのURLを返す。
func (r *Resolver) Anonymous() (avatar, banner string) {
	return r.AvatarURL("", ""), r.bannerURL
}
