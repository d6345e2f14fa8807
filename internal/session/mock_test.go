package session

import (
	"context"
	"sync"

	"github.com/katarogu/account/internal/fallback"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/provider"
)

// --- モック ---

type mockAuth struct {
	mu    sync.Mutex
	calls []string

	signInFn           func(ctx context.Context, email, password string) (*provider.Session, error)
	signUpFn           func(ctx context.Context, email, password string, metadata map[string]any) error
	signOutFn          func(ctx context.Context) error
	getUserFn          func(ctx context.Context) (*model.User, error)
	updateUserFn       func(ctx context.Context, metadata map[string]any) (*model.User, error)
	getIdentitiesFn    func(ctx context.Context) ([]model.IdentityLink, error)
	linkIdentityFn     func(ctx context.Context, p model.Provider, redirectTo string) (string, error)
	unlinkIdentityFn   func(ctx context.Context, link model.IdentityLink) error
	signInWithOAuthFn  func(ctx context.Context, p model.Provider, redirectTo string) (string, error)
	exchangeCodeFn     func(ctx context.Context, code string) (*provider.Session, error)
	resetPasswordFn    func(ctx context.Context, email, redirectTo string) error
	restoreSessionFn   func(ctx context.Context, refreshToken string) (*provider.Session, error)
	events             chan provider.Event
}

func (m *mockAuth) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockAuth) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockAuth) SignInWithPassword(ctx context.Context, email, password string) (*provider.Session, error) {
	m.record("SignInWithPassword")
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, &provider.Error{StatusCode: 400, Message: "not configured"}
}

func (m *mockAuth) SignUp(ctx context.Context, email, password string, metadata map[string]any) error {
	m.record("SignUp")
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, metadata)
	}
	return nil
}

func (m *mockAuth) SignOut(ctx context.Context) error {
	m.record("SignOut")
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

func (m *mockAuth) Events() <-chan provider.Event {
	return m.events
}

func (m *mockAuth) GetUser(ctx context.Context) (*model.User, error) {
	m.record("GetUser")
	if m.getUserFn != nil {
		return m.getUserFn(ctx)
	}
	return nil, nil
}

func (m *mockAuth) UpdateUser(ctx context.Context, metadata map[string]any) (*model.User, error) {
	m.record("UpdateUser")
	if m.updateUserFn != nil {
		return m.updateUserFn(ctx, metadata)
	}
	return nil, nil
}

func (m *mockAuth) GetUserIdentities(ctx context.Context) ([]model.IdentityLink, error) {
	m.record("GetUserIdentities")
	if m.getIdentitiesFn != nil {
		return m.getIdentitiesFn(ctx)
	}
	return nil, nil
}

func (m *mockAuth) LinkIdentity(ctx context.Context, p model.Provider, redirectTo string) (string, error) {
	m.record("LinkIdentity")
	if m.linkIdentityFn != nil {
		return m.linkIdentityFn(ctx, p, redirectTo)
	}
	return "", nil
}

func (m *mockAuth) UnlinkIdentity(ctx context.Context, link model.IdentityLink) error {
	m.record("UnlinkIdentity")
	if m.unlinkIdentityFn != nil {
		return m.unlinkIdentityFn(ctx, link)
	}
	return nil
}

func (m *mockAuth) SignInWithOAuth(ctx context.Context, p model.Provider, redirectTo string) (string, error) {
	m.record("SignInWithOAuth")
	if m.signInWithOAuthFn != nil {
		return m.signInWithOAuthFn(ctx, p, redirectTo)
	}
	return "", nil
}

func (m *mockAuth) ExchangeCodeForSession(ctx context.Context, code string) (*provider.Session, error) {
	m.record("ExchangeCodeForSession")
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, &provider.Error{StatusCode: 400, Message: "not configured"}
}

func (m *mockAuth) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	m.record("ResetPasswordForEmail")
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, email, redirectTo)
	}
	return nil
}

func (m *mockAuth) RestoreSession(ctx context.Context, refreshToken string) (*provider.Session, error) {
	m.record("RestoreSession")
	if m.restoreSessionFn != nil {
		return m.restoreSessionFn(ctx, refreshToken)
	}
	return nil, nil
}

func (m *mockAuth) Close() {}

type mockStorage struct {
	uploadFn func(ctx context.Context, path string, data []byte, opts provider.UploadOptions) error
	removeFn func(ctx context.Context, paths []string) error
}

func (m *mockStorage) Upload(ctx context.Context, path string, data []byte, opts provider.UploadOptions) error {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, path, data, opts)
	}
	return nil
}

func (m *mockStorage) Remove(ctx context.Context, paths []string) error {
	if m.removeFn != nil {
		return m.removeFn(ctx, paths)
	}
	return nil
}

func (m *mockStorage) PublicURL(path string) string {
	return "https://storage.test/public/profiles/" + path
}

// --- ヘルパー ---

func testUser() *model.User {
	return &model.User{
		ID:         "user-alice",
		Email:      "alice@example.com",
		Name:       "Alice",
		Username:   "alice",
		Visibility: model.VisibilityPublic,
		Metadata: map[string]any{
			model.MetaName:     "Alice",
			model.MetaUsername: "alice",
		},
		Identities: []model.IdentityLink{
			{IdentityID: "ident-gh", Provider: model.ProviderGitHub},
		},
	}
}

func newTestStore(auth *mockAuth, storage *mockStorage) *Store {
	if storage == nil {
		storage = &mockStorage{}
	}
	return New(auth, storage, fallback.NewResolver("", ""), Options{BaseURL: "https://app.test"})
}

// signedInStore はログイン済みのStoreを返す。
func signedInStore(t interface{ Fatalf(string, ...any) }, auth *mockAuth, storage *mockStorage) *Store {
	if auth.signInFn == nil {
		auth.signInFn = func(ctx context.Context, email, password string) (*provider.Session, error) {
			return &provider.Session{AccessToken: "at", RefreshToken: "rt", User: testUser()}, nil
		}
	}
	s := newTestStore(auth, storage)
	if err := s.SignIn(context.Background(), "alice@example.com", "password123"); err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}
	return s
}
