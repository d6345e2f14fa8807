package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/katarogu/account/internal/fallback"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/provider"
	"github.com/katarogu/account/internal/provider/memory"
	"github.com/katarogu/account/internal/repository"
)

// --- モック ---

type countingFactory struct {
	inner provider.Factory
	n     atomic.Int32
}

func (f *countingFactory) NewClient() provider.Client {
	f.n.Add(1)
	return f.inner.NewClient()
}

type recordingGauge struct {
	mu   sync.Mutex
	last int
}

func (g *recordingGauge) SetActiveSessions(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = n
}

func (g *recordingGauge) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// --- ヘルパー ---

type registryFixture struct {
	backend *memory.Backend
	factory *countingFactory
	repo    *repository.MemoryBrowserSessionRepo
	gauge   *recordingGauge
	reg     *Registry
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	backend := memory.NewBackend("https://storage.test/public/profiles")
	backend.AddUser("alice@example.com", "password123", map[string]any{
		model.MetaName:     "Alice",
		model.MetaUsername: "alice",
	})
	f := &registryFixture{
		backend: backend,
		factory: &countingFactory{inner: backend},
		repo:    repository.NewMemoryBrowserSessionRepo(),
		gauge:   &recordingGauge{},
	}
	f.reg = NewRegistry(f.factory, f.repo, fallback.NewResolver("", ""), RegistryOptions{
		MaxAge:       time.Hour,
		ReadyTimeout: time.Second,
		Store:        Options{BaseURL: "https://app.test"},
		Gauge:        f.gauge,
	})
	t.Cleanup(f.reg.Close)
	return f
}

// eventually は条件が満たされるまで待つ。
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func (f *registryFixture) persisted(id string) *model.BrowserSession {
	s, _ := f.repo.FindByID(context.Background(), id)
	return s
}

func (f *registryFixture) signedIn(t *testing.T) (string, *Store) {
	t.Helper()
	ctx := context.Background()
	id, store, err := f.reg.Create(ctx)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.SignIn(ctx, "alice@example.com", "password123"); err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}
	eventually(t, func() bool { return f.persisted(id) != nil }, "session persisted after sign-in")
	return id, store
}

// --- テスト ---

func TestRegistry_Create_ReturnsReadyAnonymousStore(t *testing.T) {
	f := newRegistryFixture(t)

	id, store, err := f.reg.Create(context.Background())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if len(id) != 64 {
		t.Errorf("session id length = %d, want 64", len(id))
	}

	snap := store.Snapshot()
	if !snap.Ready {
		t.Error("store should be ready after Create")
	}
	if snap.User != nil {
		t.Errorf("User = %+v, want nil", snap.User)
	}
	if f.reg.Len() != 1 || f.gauge.value() != 1 {
		t.Errorf("Len() = %d, gauge = %d, want 1", f.reg.Len(), f.gauge.value())
	}
	if f.persisted(id) != nil {
		t.Error("anonymous session should not be persisted")
	}
}

func TestRegistry_Create_UniqueIDs(t *testing.T) {
	f := newRegistryFixture(t)
	a, _, _ := f.reg.Create(context.Background())
	b, _, _ := f.reg.Create(context.Background())
	if a == b {
		t.Error("session ids should be unique")
	}
}

func TestRegistry_SignIn_PersistsRefreshToken(t *testing.T) {
	f := newRegistryFixture(t)
	id, store := f.signedIn(t)

	rec := f.persisted(id)
	if rec.RefreshToken == "" {
		t.Error("refresh token not persisted")
	}
	if rec.UserID != store.Snapshot().User.ID {
		t.Errorf("UserID = %q, want %q", rec.UserID, store.Snapshot().User.ID)
	}
	if !rec.ExpiresAt.After(time.Now().Add(50 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want about one hour ahead", rec.ExpiresAt)
	}
}

func TestRegistry_Get_ReturnsLiveStore(t *testing.T) {
	f := newRegistryFixture(t)
	id, store, _ := f.reg.Create(context.Background())

	got, ok, err := f.reg.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got != store {
		t.Error("Get should return the same store instance")
	}
}

func TestRegistry_Get_RestoresEvictedSession(t *testing.T) {
	f := newRegistryFixture(t)
	id, _ := f.signedIn(t)
	oldToken := f.persisted(id).RefreshToken

	f.reg.Evict(id)
	if f.reg.Len() != 0 {
		t.Fatalf("Len() = %d after Evict, want 0", f.reg.Len())
	}

	store, ok, err := f.reg.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	snap := store.Snapshot()
	if !snap.Ready || snap.User == nil || snap.User.Username != "alice" {
		t.Errorf("restored snapshot = %+v", snap)
	}

	// 復元時にローテーションされたトークンが保存される
	eventually(t, func() bool {
		rec := f.persisted(id)
		return rec != nil && rec.RefreshToken != oldToken
	}, "rotated refresh token persisted")
}

func TestRegistry_Get_UnknownID(t *testing.T) {
	f := newRegistryFixture(t)

	store, ok, err := f.reg.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if ok || store != nil {
		t.Error("unknown id should not resolve")
	}
	if f.factory.n.Load() != 0 {
		t.Error("no client should be created for an unknown id")
	}

	if _, ok, _ := f.reg.Get(context.Background(), ""); ok {
		t.Error("empty id should not resolve")
	}
}

func TestRegistry_Get_RejectedTokenDeletesRecord(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	f.repo.Save(ctx, &model.BrowserSession{
		ID:           "stale",
		UserID:       "user-x",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	store, ok, err := f.reg.Get(ctx, "stale")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if ok || store != nil {
		t.Error("rejected refresh token should not restore")
	}
	if f.persisted("stale") != nil {
		t.Error("rejected session record should be deleted")
	}
	if f.reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", f.reg.Len())
	}
}

func TestRegistry_Get_ConcurrentRestoreHappensOnce(t *testing.T) {
	f := newRegistryFixture(t)
	id, _ := f.signedIn(t)
	f.reg.Evict(id)
	before := f.factory.n.Load()

	var wg sync.WaitGroup
	stores := make([]*Store, 8)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, ok, err := f.reg.Get(context.Background(), id)
			if err != nil || !ok {
				t.Errorf("Get() = %v, %v", ok, err)
				return
			}
			stores[i] = s
		}(i)
	}
	wg.Wait()

	if got := f.factory.n.Load() - before; got != 1 {
		t.Errorf("clients created = %d, want 1", got)
	}
	for _, s := range stores[1:] {
		if s != stores[0] {
			t.Error("concurrent Get should share one store")
		}
	}
}

func TestRegistry_SignOut_DeletesRecord(t *testing.T) {
	f := newRegistryFixture(t)
	id, store := f.signedIn(t)

	if err := store.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
	eventually(t, func() bool { return f.persisted(id) == nil }, "session deleted after sign-out")
}

func TestRegistry_Destroy(t *testing.T) {
	f := newRegistryFixture(t)
	id, _ := f.signedIn(t)

	if err := f.reg.Destroy(context.Background(), id); err != nil {
		t.Fatalf("Destroy returned error: %v", err)
	}
	if f.reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", f.reg.Len())
	}
	if f.persisted(id) != nil {
		t.Error("persisted session should be deleted")
	}
	if _, ok, _ := f.reg.Get(context.Background(), id); ok {
		t.Error("destroyed session should not restore")
	}
}

func TestRegistry_EvictIdle(t *testing.T) {
	f := newRegistryFixture(t)
	now := time.Now()
	f.reg.now = func() time.Time { return now }

	old, _, _ := f.reg.Create(context.Background())
	now = now.Add(20 * time.Minute)
	fresh, _, _ := f.reg.Create(context.Background())
	now = now.Add(5 * time.Minute)

	if n := f.reg.EvictIdle(10 * time.Minute); n != 1 {
		t.Errorf("EvictIdle() = %d, want 1", n)
	}
	if _, ok, _ := f.reg.Get(context.Background(), old); ok {
		t.Error("idle anonymous session should be gone")
	}
	if _, ok, _ := f.reg.Get(context.Background(), fresh); !ok {
		t.Error("fresh session should survive")
	}
	if f.gauge.value() != 1 {
		t.Errorf("gauge = %d, want 1", f.gauge.value())
	}
}

func TestRegistry_Close(t *testing.T) {
	f := newRegistryFixture(t)
	_, store, _ := f.reg.Create(context.Background())
	updates, _ := store.Subscribe()

	f.reg.Close()

	if _, _, err := f.reg.Get(context.Background(), "any"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Get after Close error = %v, want ErrRegistryClosed", err)
	}
	if _, _, err := f.reg.Create(context.Background()); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Create after Close error = %v, want ErrRegistryClosed", err)
	}
	for range updates {
	}
	if f.gauge.value() != 0 {
		t.Errorf("gauge = %d, want 0", f.gauge.value())
	}
}
