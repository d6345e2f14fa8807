package identity

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/katarogu/account/internal/fallback"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/provider"
	"github.com/katarogu/account/internal/provider/memory"
	"github.com/katarogu/account/internal/session"
)

// --- モック ---

type mockLinker struct {
	linkFn   func(ctx context.Context, p model.Provider, redirectTo string) (string, error)
	unlinkFn func(ctx context.Context, link model.IdentityLink) error
	calls    int
}

func (m *mockLinker) LinkIdentity(ctx context.Context, p model.Provider, redirectTo string) (string, error) {
	m.calls++
	if m.linkFn != nil {
		return m.linkFn(ctx, p, redirectTo)
	}
	return "", nil
}

func (m *mockLinker) UnlinkIdentity(ctx context.Context, link model.IdentityLink) error {
	m.calls++
	if m.unlinkFn != nil {
		return m.unlinkFn(ctx, link)
	}
	return nil
}

// --- ヘルパー ---

type fixture struct {
	backend *memory.Backend
	client  provider.Client
	store   *session.Store
}

func newFixture(t *testing.T, signIn bool) *fixture {
	t.Helper()
	backend := memory.NewBackend("https://storage.test/public/profiles")
	backend.AddUser("alice@example.com", "password123", map[string]any{
		model.MetaName:     "Alice",
		model.MetaUsername: "alice",
	})
	client := backend.NewClient()
	t.Cleanup(client.Close)
	store := session.New(client, client, fallback.NewResolver("", ""), session.Options{BaseURL: "https://app.test"})
	t.Cleanup(store.Close)

	if signIn {
		if err := store.SignIn(context.Background(), "alice@example.com", "password123"); err != nil {
			t.Fatalf("SignIn returned error: %v", err)
		}
	}
	return &fixture{backend: backend, client: client, store: store}
}

// linkGitHub は連携フローをコールバックまで完了させる。
func (f *fixture) linkGitHub(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	redirect, err := NewManager(f.store, f.client).Link(ctx, "github")
	if err != nil {
		t.Fatalf("Link returned error: %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("invalid redirect %q: %v", redirect, err)
	}
	if err := f.store.ExchangeCode(ctx, u.Query().Get("code")); err != nil {
		t.Fatalf("ExchangeCode returned error: %v", err)
	}
}

func lastNotice(t *testing.T, updates <-chan session.Update) *session.Notice {
	t.Helper()
	var last *session.Notice
	for {
		select {
		case u := <-updates:
			if u.Notice != nil {
				last = u.Notice
			}
		default:
			return last
		}
	}
}

func errorCode(err error) string {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// --- テスト ---

func TestLink_Unauthenticated(t *testing.T) {
	f := newFixture(t, false)
	linker := &mockLinker{}
	updates, cancel := f.store.Subscribe()
	defer cancel()

	_, err := NewManager(f.store, linker).Link(context.Background(), "github")
	if got := errorCode(err); got != model.ErrCodeUnauthenticated {
		t.Errorf("error code = %q, want %q", got, model.ErrCodeUnauthenticated)
	}
	if linker.calls != 0 {
		t.Error("provider should not be called when signed out")
	}
	if n := lastNotice(t, updates); n == nil || n.Level != session.NoticeError {
		t.Errorf("expected error notice, got %+v", n)
	}
}

func TestLink_UnsupportedProvider(t *testing.T) {
	f := newFixture(t, true)
	linker := &mockLinker{}

	_, err := NewManager(f.store, linker).Link(context.Background(), "myspace")
	if got := errorCode(err); got != model.ErrCodeUnsupportedProvider {
		t.Errorf("error code = %q, want %q", got, model.ErrCodeUnsupportedProvider)
	}
	if linker.calls != 0 {
		t.Error("provider should not be called for an unsupported provider")
	}
}

func TestLink_ReturnsRedirectWithoutStateChange(t *testing.T) {
	f := newFixture(t, true)
	before := f.store.Snapshot()

	var gotRedirectTo string
	linker := &mockLinker{linkFn: func(_ context.Context, p model.Provider, redirectTo string) (string, error) {
		gotRedirectTo = redirectTo
		return "https://github.com/login/oauth/authorize?x=1", nil
	}}

	redirect, err := NewManager(f.store, linker).Link(context.Background(), "github")
	if err != nil {
		t.Fatalf("Link returned error: %v", err)
	}
	if !strings.HasPrefix(redirect, "https://github.com/") {
		t.Errorf("redirect = %q", redirect)
	}
	if gotRedirectTo != "https://app.test/auth/callback?next=%2Faccount%2Fproviders" {
		t.Errorf("redirectTo = %q", gotRedirectTo)
	}
	after := f.store.Snapshot()
	if len(after.Identities) != len(before.Identities) {
		t.Errorf("identities changed: %v → %v", before.Identities, after.Identities)
	}
}

func TestLink_ProviderRejection(t *testing.T) {
	f := newFixture(t, true)
	f.linkGitHub(t)

	// 連携済みのIdPは拒否される
	_, err := NewManager(f.store, f.client).Link(context.Background(), "github")
	if got := errorCode(err); got != model.ErrCodeProviderRejected {
		t.Errorf("error code = %q, want %q", got, model.ErrCodeProviderRejected)
	}
}

func TestLinkThenUnlink_EndToEnd(t *testing.T) {
	f := newFixture(t, true)
	f.linkGitHub(t)

	if _, ok := f.store.Snapshot().Identities[model.ProviderGitHub]; !ok {
		t.Fatalf("github should be linked after callback, got %v", f.store.Snapshot().Identities)
	}

	updates, cancel := f.store.Subscribe()
	defer cancel()

	if err := NewManager(f.store, f.client).Unlink(context.Background(), "github"); err != nil {
		t.Fatalf("Unlink returned error: %v", err)
	}
	if _, ok := f.store.Snapshot().Identities[model.ProviderGitHub]; ok {
		t.Error("github should be unlinked after refresh")
	}

	var sawSuccess bool
	for {
		select {
		case u := <-updates:
			if u.Notice != nil && u.Notice.Level == session.NoticeSuccess {
				sawSuccess = true
			}
			continue
		default:
		}
		break
	}
	if !sawSuccess {
		t.Error("expected success notice")
	}
}

func TestUnlink_NotLinked(t *testing.T) {
	f := newFixture(t, true)
	linker := &mockLinker{}

	err := NewManager(f.store, linker).Unlink(context.Background(), "discord")
	if got := errorCode(err); got != model.ErrCodeIdentityNotLinked {
		t.Errorf("error code = %q, want %q", got, model.ErrCodeIdentityNotLinked)
	}
	if linker.calls != 0 {
		t.Error("provider should not be called for an unlinked identity")
	}
}

func TestUnlink_FailureLeavesIdentitiesUntouched(t *testing.T) {
	f := newFixture(t, true)
	f.linkGitHub(t)
	before := f.store.Snapshot().Identities[model.ProviderGitHub]

	var got model.IdentityLink
	linker := &mockLinker{unlinkFn: func(_ context.Context, link model.IdentityLink) error {
		got = link
		return &provider.Error{StatusCode: 503, Message: "unavailable"}
	}}

	err := NewManager(f.store, linker).Unlink(context.Background(), "github")
	if code := errorCode(err); code != model.ErrCodeProviderUnavailable {
		t.Errorf("error code = %q, want %q", code, model.ErrCodeProviderUnavailable)
	}
	if got.IdentityID != before.IdentityID {
		t.Errorf("unlink called with %q, want cached %q", got.IdentityID, before.IdentityID)
	}
	after, ok := f.store.Snapshot().Identities[model.ProviderGitHub]
	if !ok || after.IdentityID != before.IdentityID {
		t.Error("identities should be unchanged after a failed unlink")
	}
}

func TestUnlink_Unauthenticated(t *testing.T) {
	f := newFixture(t, false)
	err := NewManager(f.store, &mockLinker{}).Unlink(context.Background(), "github")
	if got := errorCode(err); got != model.ErrCodeUnauthenticated {
		t.Errorf("error code = %q, want %q", got, model.ErrCodeUnauthenticated)
	}
}
