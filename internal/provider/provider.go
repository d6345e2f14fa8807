// Package provider は外部のID・ストレージサービスとの契約を定義する。
//
// 実装はブラウザセッションごとに1つ生成され、そのセッションのトークンを保持する。
// 認証状態の変化はEventsチャネルで通知される。
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/katarogu/account/internal/model"
)

// EventType は認証状態変化イベントの種別。
type EventType string

const (
	EventInitialSession EventType = "INITIAL_SESSION"
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventUserUpdated    EventType = "USER_UPDATED"
)

// Session はIdPが発行したトークンの組。
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *model.User
}

// Event は認証状態の変化を表す。SignedOutではSessionはnil。
type Event struct {
	Type    EventType
	Session *Session
}

// UploadOptions はオブジェクトアップロードのオプション。
type UploadOptions struct {
	ContentType string
	Overwrite   bool
}

// Auth はIdPの認証機能。
type Auth interface {
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string, metadata map[string]any) error
	SignOut(ctx context.Context) error

	// Events は認証状態変化の通知チャネルを返す。Closeで閉じられる。
	Events() <-chan Event

	// GetUser は現在のセッションの正規ユーザーレコードを取得する。
	// 未ログインの場合は(nil, nil)を返す。
	GetUser(ctx context.Context) (*model.User, error)
	UpdateUser(ctx context.Context, metadata map[string]any) (*model.User, error)
	GetUserIdentities(ctx context.Context) ([]model.IdentityLink, error)

	// LinkIdentity は連携フローのリダイレクト先URLを返す。
	LinkIdentity(ctx context.Context, p model.Provider, redirectTo string) (string, error)
	UnlinkIdentity(ctx context.Context, link model.IdentityLink) error

	SignInWithOAuth(ctx context.Context, p model.Provider, redirectTo string) (string, error)
	ExchangeCodeForSession(ctx context.Context, code string) (*Session, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error

	// RestoreSession は永続化されたリフレッシュトークンからセッションを復元する。
	RestoreSession(ctx context.Context, refreshToken string) (*Session, error)

	Close()
}

// Storage はIdPに付随するオブジェクトストレージ。
type Storage interface {
	Upload(ctx context.Context, path string, data []byte, opts UploadOptions) error
	Remove(ctx context.Context, paths []string) error
	PublicURL(path string) string
}

// Client はブラウザセッション単位のAuthとStorageの組。
type Client interface {
	Auth
	Storage
}

// Factory はブラウザセッションごとにClientを生成する。
type Factory interface {
	NewClient() Client
}

// Error はサービスが返したエラー応答。
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// Rejected はリクエスト内容を理由とする拒否（4xx）かどうかを返す。
func (e *Error) Rejected() bool {
	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}

// IsRejection はerrがIdPによる拒否かどうかを返す。
// 拒否以外（通信失敗、5xx）は再試行可能な通信エラーとして扱う。
func IsRejection(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Rejected()
	}
	return false
}

// ErrNoSession はログインしていない状態でユーザー操作を呼び出した場合に返される。
var ErrNoSession = errors.New("no active session")
