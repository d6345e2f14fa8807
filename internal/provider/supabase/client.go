// Package supabase はSupabaseのGoTrue/Storage APIを利用するproviderの実装を提供する。
// 通信はsupabase-communityのauth-go/storage-goで行い、トークンの自動更新とイベント通知をこのパッケージが担う。
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	auth "github.com/supabase-community/auth-go"
	"github.com/supabase-community/auth-go/types"

	"github.com/katarogu/account/internal/provider"
)

const (
	defaultBucket        = "profiles"
	defaultRefreshMargin = 60 * time.Second
	defaultHTTPTimeout   = 15 * time.Second

	eventBufferSize = 16
	maxResponseSize = 1 << 20
)

// Config はSupabaseクライアントの設定。
type Config struct {
	URL       string
	AnonKey   string
	Bucket    string
	JWTSecret string

	// RefreshMargin はアクセストークン期限の何秒前に更新するか。
	RefreshMargin time.Duration

	// テスト用にオーバーライド可能なHTTPクライアント
	HTTPClient *http.Client
}

// Factory はブラウザセッションごとのClientを生成する。
type Factory struct {
	cfg    Config
	http   *http.Client
	auth   auth.Client
	tokens tokenInspector
}

// NewFactory はFactoryを生成する。
func NewFactory(cfg Config) *Factory {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.Bucket == "" {
		cfg.Bucket = defaultBucket
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = defaultRefreshMargin
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Factory{
		cfg:    cfg,
		http:   hc,
		auth:   auth.New("", cfg.AnonKey).WithCustomAuthURL(cfg.URL + "/auth/v1"),
		tokens: tokenInspector{secret: []byte(cfg.JWTSecret)},
	}
}

// authCall は1回のGoTrue呼び出しに使うトランスポート。
// リクエストにctxとqueryを付与し、4xx/5xxの応答を記録する。
type authCall struct {
	ctx   context.Context
	base  http.RoundTripper
	query url.Values

	status int
	body   []byte
}

// RoundTrip はhttp.RoundTripperを実装する。
func (a *authCall) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(a.ctx)
	if len(a.query) > 0 {
		q := req.URL.Query()
		for k, vs := range a.query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := a.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		a.status, a.body = resp.StatusCode, body
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	return resp, nil
}

// err はauth-goが返したエラーをprovider.Errorに変換する。
func (a *authCall) err(err error) error {
	if err == nil {
		return nil
	}
	if a.status != 0 {
		return parseError(a.status, a.body)
	}
	if errors.Is(err, types.ErrInvalidTokenRequest) {
		return &provider.Error{StatusCode: http.StatusBadRequest, Code: "validation_failed", Message: err.Error()}
	}
	return fmt.Errorf("auth request failed: %w", err)
}

// auth はctxに紐づくauth-goクライアントを返す。tokenが空の場合はanon keyのみで呼び出す。
func (c *Client) auth(ctx context.Context, token string) (auth.Client, *authCall) {
	base := c.factory.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	call := &authCall{ctx: ctx, base: base}
	api := c.factory.auth.WithClient(http.Client{Transport: call, Timeout: c.factory.http.Timeout})
	if token != "" {
		api = api.WithToken(token)
	}
	return api, call
}

// NewClient はトークンを持たないClientを生成する。
func (f *Factory) NewClient() provider.Client {
	return &Client{
		factory: f,
		events:  make(chan provider.Event, eventBufferSize),
	}
}

// Client は1つのブラウザセッションに対応するSupabaseクライアント。
// アクセストークンの期限前に自動更新し、状態変化をイベントで通知する。
type Client struct {
	factory *Factory

	mu       sync.Mutex
	session  *provider.Session
	verifier string
	timer    *time.Timer
	failures int // 通信エラーによるトークン更新の連続失敗回数
	events   chan provider.Event
	closed   bool
}

// Events は認証状態変化の通知チャネルを返す。
func (c *Client) Events() <-chan provider.Event {
	return c.events
}

// Close は自動更新を停止し、イベントチャネルを閉じる。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	close(c.events)
}

// currentSession は現在のセッションのコピーを返す。
func (c *Client) currentSession() *provider.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// accessToken は現在のアクセストークンを返す。未ログインの場合はErrNoSession。
func (c *Client) accessToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.AccessToken == "" {
		return "", provider.ErrNoSession
	}
	return c.session.AccessToken, nil
}

// setSession はセッションを置き換え、自動更新を再設定してイベントを通知する。
func (c *Client) setSession(typ provider.EventType, s *provider.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.session = s
	c.failures = 0
	c.scheduleRefreshLocked()
	c.emitLocked(provider.Event{Type: typ, Session: s})
}

// scheduleRefreshLocked はアクセストークン期限に合わせて更新タイマーを設定する。
// c.muを保持した状態で呼び出すこと。
func (c *Client) scheduleRefreshLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.session == nil || c.session.RefreshToken == "" || c.session.ExpiresAt.IsZero() {
		return
	}
	d := time.Until(c.session.ExpiresAt) - c.factory.cfg.RefreshMargin
	if d < 0 {
		d = 0
	}
	token := c.session.RefreshToken
	c.timer = time.AfterFunc(d, func() { c.autoRefresh(token) })
}

// emitLocked はイベントを送信する。バッファが満杯の場合は最も古いイベントを捨てる。
// 受信側は毎回全体を再取得するため、途中のイベントが欠落しても収束する。
func (c *Client) emitLocked(ev provider.Event) {
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

// autoRefresh はリフレッシュトークンでアクセストークンを更新する。
func (c *Client) autoRefresh(token string) {
	c.mu.Lock()
	stale := c.closed || c.session == nil || c.session.RefreshToken != token
	c.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
	defer cancel()

	s, err := c.grant(ctx, types.TokenRequest{GrantType: "refresh_token", RefreshToken: token})
	if err != nil {
		if provider.IsRejection(err) {
			slog.Warn("リフレッシュトークンが無効になったためサインアウトします",
				slog.String("error", err.Error()),
			)
			c.setSession(provider.EventSignedOut, nil)
			return
		}
		slog.Warn("アクセストークンの更新に失敗しました",
			slog.String("error", err.Error()),
		)
		c.mu.Lock()
		if !c.closed && c.session != nil && c.session.RefreshToken == token {
			c.timer = time.AfterFunc(refreshBackoff(c.failures), func() { c.autoRefresh(token) })
			c.failures++
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	current := !c.closed && c.session != nil && c.session.RefreshToken == token
	c.mu.Unlock()
	if !current {
		return
	}
	c.setSession(provider.EventTokenRefreshed, s)
}

// errorResponse はGoTrueのエラーレスポンス。サービスごとにフィールド名が異なる。
type errorResponse struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

func parseError(status int, body []byte) *provider.Error {
	pe := &provider.Error{StatusCode: status}
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		pe.Code = er.ErrorCode
		if pe.Code == "" {
			pe.Code = er.Error
		}
		for _, m := range []string{er.Msg, er.ErrorDescription, er.Message, er.Error} {
			if m != "" {
				pe.Message = m
				break
			}
		}
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(status)
	}
	return pe
}

// request はAPIリクエストの内容。
type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	bearer      string
}

// do はリクエストを送信し、成功時はレスポンスをoutにデコードする。
// 2xx以外はprovider.Errorを返す。
func (c *Client) do(ctx context.Context, r request, out any) error {
	u := c.factory.cfg.URL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, r.body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.factory.cfg.AnonKey)
	bearer := r.bearer
	if bearer == "" {
		bearer = c.factory.cfg.AnonKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	resp, err := c.factory.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", r.method, r.path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp.StatusCode, body)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// doJSON はJSONボディでリクエストを送信する。
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, bearer string, in, out any) error {
	r := request{method: method, path: path, query: query, bearer: bearer}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		r.body = bytes.NewReader(b)
		r.contentType = "application/json"
	}
	return c.do(ctx, r, out)
}

// compile-time interface check
var (
	_ provider.Client  = (*Client)(nil)
	_ provider.Factory = (*Factory)(nil)
)
