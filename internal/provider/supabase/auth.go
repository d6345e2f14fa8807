package supabase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/auth-go/types"

	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/provider"
)

// userRecord はGoTrueのユーザーレコードのうちidentity一覧部分。
// auth-goのtypes.Identityはidentity_idを持たないため、連携解除に使う一覧はこちらで読む。
type userRecord struct {
	Identities []identityRecord `json:"identities"`
}

// identityRecord はGoTrueのidentityレコード。
type identityRecord struct {
	ID           string         `json:"id"`
	IdentityID   string         `json:"identity_id"`
	UserID       string         `json:"user_id"`
	Provider     string         `json:"provider"`
	IdentityData map[string]any `json:"identity_data"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SignInWithPassword はメールアドレスとパスワードでログインする。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*provider.Session, error) {
	s, err := c.grant(ctx, types.TokenRequest{GrantType: "password", Email: email, Password: password})
	if err != nil {
		return nil, err
	}
	c.setSession(provider.EventSignedIn, s)
	return s, nil
}

// SignUp はユーザーを登録する。メール確認が不要な設定の場合はそのままログインする。
func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]any) error {
	api, call := c.auth(ctx, "")
	out, err := api.Signup(types.SignupRequest{
		Email:    email,
		Password: password,
		Data:     metadata,
	})
	if err != nil {
		return call.err(err)
	}
	if out.AccessToken == "" {
		return nil
	}
	s, err := c.toSession(&out.Session)
	if err != nil {
		return err
	}
	c.setSession(provider.EventSignedIn, s)
	return nil
}

// SignOut はIdP側のセッションを無効化する。
// 通信の成否にかかわらずローカルのセッションは破棄する。
func (c *Client) SignOut(ctx context.Context) error {
	token, err := c.accessToken()
	if errors.Is(err, provider.ErrNoSession) {
		c.setSession(provider.EventSignedOut, nil)
		return nil
	}

	api, call := c.auth(ctx, token)
	err = call.err(api.Logout())
	c.setSession(provider.EventSignedOut, nil)

	// 既に無効なセッションは成功扱い
	var pe *provider.Error
	if errors.As(err, &pe) && (pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusNotFound) {
		return nil
	}
	return err
}

// GetUser は正規のユーザーレコードを取得する。未ログインの場合は(nil, nil)。
func (c *Client) GetUser(ctx context.Context) (*model.User, error) {
	token, err := c.accessToken()
	if errors.Is(err, provider.ErrNoSession) {
		return nil, nil
	}

	api, call := c.auth(ctx, token)
	out, err := api.GetUser()
	if err != nil {
		return nil, call.err(err)
	}
	return toUser(&out.User), nil
}

// UpdateUser はuser_metadataを部分更新する。
func (c *Client) UpdateUser(ctx context.Context, metadata map[string]any) (*model.User, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	api, call := c.auth(ctx, token)
	out, err := api.UpdateUser(types.UpdateUserRequest{Data: metadata})
	if err != nil {
		return nil, call.err(err)
	}
	user := toUser(&out.User)

	if s := c.currentSession(); s != nil {
		s.User = user
		c.setSession(provider.EventUserUpdated, s)
	}
	return user, nil
}

// GetUserIdentities は連携済みidentityの一覧を取得する。
func (c *Client) GetUserIdentities(ctx context.Context) ([]model.IdentityLink, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}

	var out userRecord
	if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user", nil, token, nil, &out); err != nil {
		return nil, err
	}
	links := make([]model.IdentityLink, 0, len(out.Identities))
	for _, ident := range out.Identities {
		identityID := ident.IdentityID
		if identityID == "" {
			identityID = ident.ID
		}
		links = append(links, model.IdentityLink{
			ID:             ident.ID,
			IdentityID:     identityID,
			UserID:         ident.UserID,
			Provider:       model.Provider(ident.Provider),
			ProviderUserID: ident.ID,
			Data:           ident.IdentityData,
			LinkedAt:       ident.CreatedAt,
		})
	}
	return links, nil
}

// LinkIdentity はidentity連携フローのリダイレクト先URLを取得する。
func (c *Client) LinkIdentity(ctx context.Context, p model.Provider, redirectTo string) (string, error) {
	token, err := c.accessToken()
	if err != nil {
		return "", err
	}

	challenge, err := c.newChallenge()
	if err != nil {
		return "", err
	}

	q := url.Values{
		"provider":              {string(p)},
		"redirect_to":           {redirectTo},
		"skip_http_redirect":    {"true"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"s256"},
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user/identities/authorize", q, token, nil, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("empty url in link response")
	}
	return out.URL, nil
}

// UnlinkIdentity はidentityの連携を解除する。
func (c *Client) UnlinkIdentity(ctx context.Context, link model.IdentityLink) error {
	token, err := c.accessToken()
	if err != nil {
		return err
	}
	path := "/auth/v1/user/identities/" + url.PathEscape(link.IdentityID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, token, nil, nil)
}

// SignInWithOAuth はPKCEフローでGoTrueの/authorizeを呼び出し、IdPの認可URLを返す。
func (c *Client) SignInWithOAuth(ctx context.Context, p model.Provider, redirectTo string) (string, error) {
	api, call := c.auth(ctx, "")
	out, err := api.Authorize(types.AuthorizeRequest{
		Provider:   types.Provider(p),
		RedirectTo: redirectTo,
		FlowType:   types.FlowPKCE,
	})
	if err != nil {
		return "", call.err(err)
	}

	c.mu.Lock()
	c.verifier = out.Verifier
	c.mu.Unlock()

	return out.AuthorizationURL, nil
}

// ExchangeCodeForSession は認可コードをセッションに交換する（PKCE）。
func (c *Client) ExchangeCodeForSession(ctx context.Context, code string) (*provider.Session, error) {
	c.mu.Lock()
	verifier := c.verifier
	c.mu.Unlock()
	if verifier == "" {
		return nil, &provider.Error{StatusCode: http.StatusBadRequest, Code: "flow_state_not_found", Message: "no pending authorization flow"}
	}

	s, err := c.grant(ctx, types.TokenRequest{GrantType: "pkce", Code: code, CodeVerifier: verifier})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.verifier = ""
	c.mu.Unlock()

	c.setSession(provider.EventSignedIn, s)
	return s, nil
}

// ResetPasswordForEmail はパスワード再設定メールを送信する。
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	api, call := c.auth(ctx, "")
	if redirectTo != "" {
		call.query = url.Values{"redirect_to": {redirectTo}}
	}
	return call.err(api.Recover(types.RecoverRequest{Email: email}))
}

// RestoreSession はリフレッシュトークンからセッションを復元する。
// 結果にかかわらずINITIAL_SESSIONイベントを1回通知する。
func (c *Client) RestoreSession(ctx context.Context, refreshToken string) (*provider.Session, error) {
	if refreshToken == "" {
		c.setSession(provider.EventInitialSession, nil)
		return nil, nil
	}

	s, err := c.grant(ctx, types.TokenRequest{GrantType: "refresh_token", RefreshToken: refreshToken})
	if err != nil {
		c.setSession(provider.EventInitialSession, nil)
		return nil, err
	}
	c.setSession(provider.EventInitialSession, s)
	return s, nil
}

// grant はトークンエンドポイントを呼び出してセッションを取得する。
func (c *Client) grant(ctx context.Context, req types.TokenRequest) (*provider.Session, error) {
	api, call := c.auth(ctx, "")
	out, err := api.Token(req)
	if err != nil {
		return nil, call.err(err)
	}
	return c.toSession(&out.Session)
}

// toSession はトークンレスポンスをセッションに変換する。
// 有効期限はアクセストークンのexpクレームを優先する。
func (c *Client) toSession(out *types.Session) (*provider.Session, error) {
	if out.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	expiresAt, err := c.factory.tokens.expiry(out.AccessToken)
	if err != nil {
		if len(c.factory.tokens.secret) > 0 {
			return nil, err
		}
		switch {
		case out.ExpiresAt > 0:
			expiresAt = time.Unix(out.ExpiresAt, 0)
		case out.ExpiresIn > 0:
			expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
		}
	}

	s := &provider.Session{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    expiresAt,
	}
	if out.User.ID != uuid.Nil {
		s.User = toUser(&out.User)
	}
	return s, nil
}

// newChallenge はPKCEのcode_verifierを生成・保持し、code_challengeを返す。
func (c *Client) newChallenge() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(b)
	sum := sha256.Sum256([]byte(verifier))

	c.mu.Lock()
	c.verifier = verifier
	c.mu.Unlock()

	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// toUser はGoTrueのユーザーレコードをドメインモデルに変換する。
func toUser(u *types.User) *model.User {
	if u == nil {
		return nil
	}
	meta := u.UserMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	user := &model.User{
		ID:            u.ID.String(),
		Email:         u.Email,
		EmailVerified: u.EmailConfirmedAt != nil,
		Metadata:      meta,
		CreatedAt:     u.CreatedAt,
	}
	user.Name = user.MetaString(model.MetaName)
	user.Username = user.MetaString(model.MetaUsername)
	if v, ok := model.ParseVisibility(user.MetaString(model.MetaVisibility)); ok {
		user.Visibility = v
	} else {
		user.Visibility = model.VisibilityPublic
	}

	for _, ident := range u.Identities {
		user.Identities = append(user.Identities, model.IdentityLink{
			ID:             ident.ID,
			IdentityID:     ident.ID,
			UserID:         ident.UserID.String(),
			Provider:       model.Provider(ident.Provider),
			ProviderUserID: ident.ID,
			Data:           ident.IdentityData,
			LinkedAt:       ident.CreatedAt,
		})
	}
	return user
}
