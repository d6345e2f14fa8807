// Package memory はプロセス内で完結するproviderの実装を提供する。
// 外部サービスを用意できない開発環境とテストで使用する。
package memory

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/provider"
)

const tokenTTL = time.Hour

// Object はストレージ上のオブジェクト。
type Object struct {
	Data        []byte
	ContentType string
}

type account struct {
	user     model.User
	password string
}

type pendingFlow struct {
	provider model.Provider
	userID   string // 空の場合はOAuthログイン、それ以外はidentity連携
}

// Backend は複数のClientで共有されるユーザー・ストレージの状態。
type Backend struct {
	publicBase string

	mu      sync.Mutex
	users   map[string]*account
	byEmail map[string]string
	access  map[string]string
	refresh map[string]string
	objects map[string]Object
	flows   map[string]pendingFlow
}

// NewBackend はBackendを生成する。publicBaseは公開URLの接頭辞。
func NewBackend(publicBase string) *Backend {
	return &Backend{
		publicBase: strings.TrimRight(publicBase, "/"),
		users:      make(map[string]*account),
		byEmail:    make(map[string]string),
		access:     make(map[string]string),
		refresh:    make(map[string]string),
		objects:    make(map[string]Object),
		flows:      make(map[string]pendingFlow),
	}
}

// NewClient はブラウザセッション用のClientを生成する。
func (b *Backend) NewClient() provider.Client {
	return &Client{
		backend: b,
		events:  make(chan provider.Event, 16),
	}
}

// AddUser はユーザーを登録済み・確認済みの状態で追加する。
func (b *Backend) AddUser(email, password string, metadata map[string]any) *model.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.createLocked(email, password, metadata)
	acc.user.EmailVerified = true
	return copyUser(&acc.user)
}

// Object は保存されたオブジェクトを返す。
func (b *Backend) Object(path string) (Object, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[path]
	return obj, ok
}

// ServeHTTP は保存されたオブジェクトをパスで返す。開発環境で公開URLを配信するために使う。
func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	obj, ok := b.Object(strings.TrimLeft(r.URL.Path, "/"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(obj.Data)
}

// User はユーザーレコードのコピーを返す。
func (b *Backend) User(id string) (*model.User, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.users[id]
	if !ok {
		return nil, false
	}
	return copyUser(&acc.user), true
}

func (b *Backend) createLocked(email, password string, metadata map[string]any) *account {
	id := uuid.New().String()
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	acc := &account{
		user: model.User{
			ID:        id,
			Email:     email,
			Metadata:  meta,
			CreatedAt: time.Now(),
		},
		password: password,
	}
	acc.user.Identities = []model.IdentityLink{{
		ID:             id,
		IdentityID:     uuid.New().String(),
		UserID:         id,
		Provider:       "email",
		ProviderUserID: id,
		Data:           map[string]any{"email": email},
		LinkedAt:       acc.user.CreatedAt,
	}}
	derive(&acc.user)
	b.users[id] = acc
	b.byEmail[strings.ToLower(email)] = id
	return acc
}

// issueLocked はユーザーに新しいトークンを発行する。
func (b *Backend) issueLocked(userID string) *provider.Session {
	access := uuid.New().String()
	refresh := uuid.New().String()
	b.access[access] = userID
	b.refresh[refresh] = userID
	return &provider.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(tokenTTL),
		User:         copyUser(&b.users[userID].user),
	}
}

func (b *Backend) userByAccessLocked(token string) (*account, error) {
	id, ok := b.access[token]
	if !ok {
		return nil, rejected(http.StatusUnauthorized, "bad_jwt", "invalid access token")
	}
	acc, ok := b.users[id]
	if !ok {
		return nil, rejected(http.StatusNotFound, "user_not_found", "user not found")
	}
	return acc, nil
}

// startFlowLocked は認可フローを開始し、コード付きのリダイレクトURLを返す。
func (b *Backend) startFlowLocked(flow pendingFlow, redirectTo string) string {
	code := uuid.New().String()
	b.flows[code] = flow

	u, err := url.Parse(redirectTo)
	if err != nil {
		return redirectTo
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String()
}

func (b *Backend) publicURL(path string) string {
	return b.publicBase + "/" + strings.TrimLeft(path, "/")
}

func rejected(status int, code, msg string) *provider.Error {
	return &provider.Error{StatusCode: status, Code: code, Message: msg}
}

// derive はメタデータから表示用フィールドを導出する。
func derive(u *model.User) {
	u.Name = u.MetaString(model.MetaName)
	u.Username = u.MetaString(model.MetaUsername)
	if v, ok := model.ParseVisibility(u.MetaString(model.MetaVisibility)); ok {
		u.Visibility = v
	} else {
		u.Visibility = model.VisibilityPublic
	}
}

func copyUser(u *model.User) *model.User {
	c := *u
	c.Metadata = make(map[string]any, len(u.Metadata))
	for k, v := range u.Metadata {
		c.Metadata[k] = v
	}
	c.Identities = append([]model.IdentityLink(nil), u.Identities...)
	return &c
}
