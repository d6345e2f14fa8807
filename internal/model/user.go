// Package model はドメインモデルを定義する。
package model

import "time"

// Visibility はプロフィールの公開範囲を表す。
type Visibility string

const (
	// VisibilityPublic は誰でも閲覧できる公開範囲。
	VisibilityPublic Visibility = "public"
	// VisibilityUnlisted はURLを知っている人のみ閲覧できる公開範囲。
	VisibilityUnlisted Visibility = "unlisted"
	// VisibilityPrivate は本人のみ閲覧できる公開範囲。
	VisibilityPrivate Visibility = "private"
)

// ParseVisibility は文字列から公開範囲を解析する。
// 不明な値の場合はfalseを返す。
func ParseVisibility(s string) (Visibility, bool) {
	switch Visibility(s) {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate:
		return Visibility(s), true
	default:
		return "", false
	}
}

// メタデータのキー。IdPのuser_metadataに格納される。
const (
	MetaName       = "name"
	MetaUsername   = "username"
	MetaVisibility = "visibility"
	MetaAvatar     = "avatar"
	MetaBanner     = "banner"
)

// User は外部IdPが保持するユーザーレコードを表す。
// Metadataは生のuser_metadataで、他フィールドはそこから導出される。
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	Username      string
	Visibility    Visibility
	Metadata      map[string]any
	Identities    []IdentityLink
	CreatedAt     time.Time
}

// MetaString はメタデータから文字列値を取り出す。
// 存在しない場合や文字列でない場合は空文字列を返す。
func (u *User) MetaString(key string) string {
	if u == nil || u.Metadata == nil {
		return ""
	}
	s, _ := u.Metadata[key].(string)
	return s
}

// Provider はサードパーティIdPの名前。
type Provider string

const (
	ProviderGitHub  Provider = "github"
	ProviderGoogle  Provider = "google"
	ProviderDiscord Provider = "discord"
)

// LinkableProviders は連携可能なIdPの一覧。
var LinkableProviders = []Provider{ProviderGitHub, ProviderGoogle, ProviderDiscord}

// ParseProvider は文字列から連携可能なIdPを解析する。
func ParseProvider(s string) (Provider, bool) {
	for _, p := range LinkableProviders {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// IdentityLink はユーザーと外部IdPの連携情報を表す。
// 更新時は部分マージせず、常にセット全体を置き換える。
type IdentityLink struct {
	ID             string
	IdentityID     string
	UserID         string
	Provider       Provider
	ProviderUserID string
	Data           map[string]any
	LinkedAt       time.Time
}

// AvatarURL はIdPが提供するアバター画像URLを返す。存在しない場合は空文字列。
func (l *IdentityLink) AvatarURL() string {
	if l == nil || l.Data == nil {
		return ""
	}
	for _, key := range []string{"avatar_url", "picture"} {
		if s, ok := l.Data[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// LinkedIdentities はIdP名から連携情報へのマップ。未連携のIdPはキーが存在しない。
type LinkedIdentities map[Provider]*IdentityLink

// BrowserSession はブラウザのログインセッションを表す。
// IdPのリフレッシュトークンを保持し、プロセス再起動後の復元に使用する。
type BrowserSession struct {
	ID           string
	UserID       string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
