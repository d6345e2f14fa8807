package memory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/provider"
)

// Client は1つのブラウザセッションに対応するインメモリクライアント。
type Client struct {
	backend *Backend

	mu      sync.Mutex
	session *provider.Session
	events  chan provider.Event
	closed  bool
}

// Events は認証状態変化の通知チャネルを返す。
func (c *Client) Events() <-chan provider.Event {
	return c.events
}

// Close はイベントチャネルを閉じる。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *Client) setSession(typ provider.EventType, s *provider.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.session = s
	ev := provider.Event{Type: typ, Session: s}
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}

func (c *Client) accessToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", provider.ErrNoSession
	}
	return c.session.AccessToken, nil
}

// SignInWithPassword はメールアドレスとパスワードでログインする。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*provider.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := c.backend
	b.mu.Lock()
	id, ok := b.byEmail[strings.ToLower(email)]
	if !ok || b.users[id].password != password {
		b.mu.Unlock()
		return nil, rejected(http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
	}
	s := b.issueLocked(id)
	b.mu.Unlock()

	c.setSession(provider.EventSignedIn, s)
	return s, nil
}

// SignUp はユーザーを登録する。メール確認待ちの状態で作成し、ログインはしない。
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.byEmail[strings.ToLower(email)]; exists {
		return rejected(http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
	}
	b.createLocked(email, password, metadata)
	return nil
}

// SignOut はトークンを無効化する。
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s != nil {
		b := c.backend
		b.mu.Lock()
		delete(b.access, s.AccessToken)
		delete(b.refresh, s.RefreshToken)
		b.mu.Unlock()
	}
	c.setSession(provider.EventSignedOut, nil)
	return nil
}

// GetUser は正規のユーザーレコードを返す。未ログインの場合は(nil, nil)。
func (c *Client) GetUser(ctx context.Context) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := c.accessToken()
	if err != nil {
		return nil, nil
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, err := b.userByAccessLocked(token)
	if err != nil {
		return nil, err
	}
	return copyUser(&acc.user), nil
}

// UpdateUser はメタデータを部分更新する。
func (c *Client) UpdateUser(ctx context.Context, metadata map[string]any) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}
	b := c.backend
	b.mu.Lock()
	acc, err := b.userByAccessLocked(token)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	for k, v := range metadata {
		acc.user.Metadata[k] = v
	}
	derive(&acc.user)
	user := copyUser(&acc.user)
	b.mu.Unlock()

	c.mu.Lock()
	var s *provider.Session
	if c.session != nil {
		cp := *c.session
		cp.User = user
		s = &cp
	}
	c.mu.Unlock()
	if s != nil {
		c.setSession(provider.EventUserUpdated, s)
	}
	return user, nil
}

// GetUserIdentities は連携済みidentityの一覧を返す。
func (c *Client) GetUserIdentities(ctx context.Context) ([]model.IdentityLink, error) {
	user, err := c.GetUser(ctx)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, provider.ErrNoSession
	}
	return user.Identities, nil
}

// LinkIdentity は連携フローを開始し、コールバックURLを返す。
func (c *Client) LinkIdentity(ctx context.Context, p model.Provider, redirectTo string) (string, error) {
	token, err := c.accessToken()
	if err != nil {
		return "", err
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, err := b.userByAccessLocked(token)
	if err != nil {
		return "", err
	}
	for _, ident := range acc.user.Identities {
		if ident.Provider == p {
			return "", rejected(http.StatusUnprocessableEntity, "identity_already_exists", fmt.Sprintf("%s identity is already linked", p))
		}
	}
	return b.startFlowLocked(pendingFlow{provider: p, userID: acc.user.ID}, redirectTo), nil
}

// UnlinkIdentity はidentityの連携を解除する。最後の1件は解除できない。
func (c *Client) UnlinkIdentity(ctx context.Context, link model.IdentityLink) error {
	token, err := c.accessToken()
	if err != nil {
		return err
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, err := b.userByAccessLocked(token)
	if err != nil {
		return err
	}
	if len(acc.user.Identities) <= 1 {
		return rejected(http.StatusUnprocessableEntity, "single_identity_not_deletable", "User must have at least 1 identity after unlinking")
	}
	kept := acc.user.Identities[:0:0]
	found := false
	for _, ident := range acc.user.Identities {
		if ident.IdentityID == link.IdentityID {
			found = true
			continue
		}
		kept = append(kept, ident)
	}
	if !found {
		return rejected(http.StatusNotFound, "identity_not_found", "Identity doesn't exist")
	}
	acc.user.Identities = kept
	return nil
}

// SignInWithOAuth はOAuthログインフローを開始し、コールバックURLを返す。
func (c *Client) SignInWithOAuth(_ context.Context, p model.Provider, redirectTo string) (string, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startFlowLocked(pendingFlow{provider: p}, redirectTo), nil
}

// ExchangeCodeForSession は認可コードを消費し、ログインまたはidentity連携を完了する。
func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (*provider.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := c.backend
	b.mu.Lock()
	flow, ok := b.flows[code]
	if !ok {
		b.mu.Unlock()
		return nil, rejected(http.StatusBadRequest, "flow_state_not_found", "invalid flow state, no valid flow state found")
	}
	delete(b.flows, code)

	userID := flow.userID
	if userID == "" {
		// OAuthログイン: 同じプロバイダーの仮想アカウントを使用する
		email := string(flow.provider) + "@oauth.invalid"
		id, exists := b.byEmail[email]
		if !exists {
			acc := b.createLocked(email, "", map[string]any{model.MetaName: string(flow.provider)})
			acc.user.EmailVerified = true
			id = acc.user.ID
		}
		userID = id
	}

	acc := b.users[userID]
	if !hasProvider(acc.user.Identities, flow.provider) {
		acc.user.Identities = append(acc.user.Identities, model.IdentityLink{
			ID:             uuid.New().String(),
			IdentityID:     uuid.New().String(),
			UserID:         userID,
			Provider:       flow.provider,
			ProviderUserID: uuid.New().String(),
			Data:           map[string]any{},
			LinkedAt:       time.Now(),
		})
	}
	s := b.issueLocked(userID)
	b.mu.Unlock()

	c.setSession(provider.EventSignedIn, s)
	return s, nil
}

// ResetPasswordForEmail は何もしない。登録有無を漏らさないため常に成功する。
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	return ctx.Err()
}

// RestoreSession はリフレッシュトークンを新しいトークンに交換する。
func (c *Client) RestoreSession(ctx context.Context, refreshToken string) (*provider.Session, error) {
	if refreshToken == "" {
		c.setSession(provider.EventInitialSession, nil)
		return nil, nil
	}
	b := c.backend
	b.mu.Lock()
	id, ok := b.refresh[refreshToken]
	if !ok {
		b.mu.Unlock()
		c.setSession(provider.EventInitialSession, nil)
		return nil, rejected(http.StatusBadRequest, "refresh_token_not_found", "Invalid Refresh Token")
	}
	delete(b.refresh, refreshToken)
	s := b.issueLocked(id)
	b.mu.Unlock()

	c.setSession(provider.EventInitialSession, s)
	return s, nil
}

// Upload はオブジェクトを保存する。Overwriteがfalseで既存の場合は拒否する。
func (c *Client) Upload(ctx context.Context, path string, data []byte, opts provider.UploadOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.accessToken(); err != nil {
		return err
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.objects[path]; exists && !opts.Overwrite {
		return rejected(http.StatusConflict, "Duplicate", "The resource already exists")
	}
	b.objects[path] = Object{Data: append([]byte(nil), data...), ContentType: opts.ContentType}
	return nil
}

// Remove はオブジェクトを削除する。存在しないパスは無視する。
func (c *Client) Remove(ctx context.Context, paths []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.accessToken(); err != nil {
		return err
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range paths {
		delete(b.objects, p)
	}
	return nil
}

// PublicURL は公開URLを返す。
func (c *Client) PublicURL(path string) string {
	return c.backend.publicURL(path)
}

func hasProvider(idents []model.IdentityLink, p model.Provider) bool {
	for _, ident := range idents {
		if ident.Provider == p {
			return true
		}
	}
	return false
}

// compile-time interface check
var (
	_ provider.Client  = (*Client)(nil)
	_ provider.Factory = (*Backend)(nil)
)
