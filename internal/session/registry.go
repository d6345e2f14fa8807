package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/katarogu/account/internal/fallback"
	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/provider"
)

const (
	defaultMaxAge       = 30 * 24 * time.Hour
	defaultReadyTimeout = 5 * time.Second
	eventBuffer         = 16
)

// ErrRegistryClosed はClose後の操作で返される。
var ErrRegistryClosed = errors.New("session registry is closed")

// SessionRepository はブラウザセッションの永続化に必要なインターフェース。
// repository.BrowserSessionRepositoryの部分集合として定義する。
type SessionRepository interface {
	Save(ctx context.Context, session *model.BrowserSession) error
	FindByID(ctx context.Context, id string) (*model.BrowserSession, error)
	DeleteByID(ctx context.Context, id string) error
}

// SessionGauge は生存中のStore数を記録する。
type SessionGauge interface {
	SetActiveSessions(n int)
}

// RegistryOptions はRegistryの設定。
type RegistryOptions struct {
	// MaxAge は永続化したセッションの有効期間。リフレッシュトークンの更新ごとに延長される。
	MaxAge time.Duration
	// ReadyTimeout は生成・復元時に最初のreconciliationを待つ上限。
	ReadyTimeout time.Duration
	Store        Options
	Gauge        SessionGauge
}

type entry struct {
	id       string
	store    *Store
	client   provider.Client
	cancel   context.CancelFunc
	lastSeen time.Time
}

// Registry はブラウザセッションIDごとのStoreを保持する。
// IdPのイベントをStoreへ中継し、ローテーションされたリフレッシュトークンを永続化する。
type Registry struct {
	factory  provider.Factory
	repo     SessionRepository
	resolver *fallback.Resolver
	opts     RegistryOptions
	now      func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	restoring map[string]chan struct{}
	closed    bool
}

// NewRegistry はRegistryを生成する。
func NewRegistry(factory provider.Factory, repo SessionRepository, resolver *fallback.Resolver, opts RegistryOptions) *Registry {
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	return &Registry{
		factory:   factory,
		repo:      repo,
		resolver:  resolver,
		opts:      opts,
		now:       time.Now,
		entries:   make(map[string]*entry),
		restoring: make(map[string]chan struct{}),
	}
}

// Create は新しいブラウザセッションを作成し、IDとStoreを返す。
// 返却時点でStoreは最初のreconciliationを終えている（未ログイン・Ready）。
func (r *Registry) Create(ctx context.Context) (string, *Store, error) {
	id, err := generateSessionID()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	e, err := r.start(id)
	if err != nil {
		return "", nil, err
	}

	updates, cancel := e.store.Subscribe()
	defer cancel()
	if _, err := e.client.RestoreSession(ctx, ""); err != nil {
		r.Evict(id)
		return "", nil, fmt.Errorf("failed to initialize session: %w", err)
	}
	r.waitReady(ctx, updates)

	slog.Debug("ブラウザセッションを作成しました", slog.String("session_id", shortID(id)))
	return id, e.store, nil
}

// Get はIDに対応するStoreを返す。メモリ上になければ永続化されたリフレッシュトークンから復元する。
// 見つからない、期限切れ、またはIdPに拒否された場合は(nil, false, nil)を返す。
// 同じIDへの復元は並行しても1回だけ行われる。
func (r *Registry) Get(ctx context.Context, id string) (*Store, bool, error) {
	if id == "" {
		return nil, false, nil
	}
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, false, ErrRegistryClosed
		}
		if e, ok := r.entries[id]; ok {
			e.lastSeen = r.now()
			r.mu.Unlock()
			return e.store, true, nil
		}
		if wait, ok := r.restoring[id]; ok {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}
		done := make(chan struct{})
		r.restoring[id] = done
		r.mu.Unlock()

		store, err := r.restore(ctx, id)

		r.mu.Lock()
		delete(r.restoring, id)
		r.mu.Unlock()
		close(done)

		if err != nil {
			return nil, false, err
		}
		return store, store != nil, nil
	}
}

func (r *Registry) restore(ctx context.Context, id string) (*Store, error) {
	rec, err := r.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find browser session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	e, err := r.start(id)
	if err != nil {
		return nil, err
	}

	updates, cancel := e.store.Subscribe()
	defer cancel()
	if _, err := e.client.RestoreSession(ctx, rec.RefreshToken); err != nil {
		r.Evict(id)
		if provider.IsRejection(err) {
			slog.Info("リフレッシュトークンが拒否されたためセッションを破棄します",
				slog.String("session_id", shortID(id)),
				slog.String("user_id", rec.UserID),
			)
			if derr := r.repo.DeleteByID(ctx, id); derr != nil {
				slog.Warn("ブラウザセッションの削除に失敗しました", slog.String("error", derr.Error()))
			}
			return nil, nil
		}
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	r.waitReady(ctx, updates)

	slog.Info("ブラウザセッションを復元しました",
		slog.String("session_id", shortID(id)),
		slog.String("user_id", rec.UserID),
	)
	return e.store, nil
}

// start はClientとStoreを生成し、イベント中継を開始して登録する。
func (r *Registry) start(id string) (*entry, error) {
	client := r.factory.NewClient()
	store := New(client, client, r.resolver, r.opts.Store)
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		id:       id,
		store:    store,
		client:   client,
		cancel:   cancel,
		lastSeen: r.now(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		client.Close()
		store.Close()
		return nil, ErrRegistryClosed
	}
	r.entries[id] = e
	n := len(r.entries)
	r.mu.Unlock()
	r.setGauge(n)

	events := make(chan provider.Event, eventBuffer)
	go r.pump(ctx, e, events)
	go store.Run(ctx, events)
	return e, nil
}

// pump はIdPのイベントを永続化してからStoreへ中継する。
func (r *Registry) pump(ctx context.Context, e *entry, out chan<- provider.Event) {
	defer close(out)
	in := e.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			r.persist(ctx, e.id, ev)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *Registry) persist(ctx context.Context, id string, ev provider.Event) {
	if ev.Type == provider.EventSignedOut {
		if err := r.repo.DeleteByID(ctx, id); err != nil {
			slog.Warn("ブラウザセッションの削除に失敗しました",
				slog.String("session_id", shortID(id)),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	s := ev.Session
	if s == nil || s.RefreshToken == "" || s.User == nil {
		return
	}
	now := r.now()
	err := r.repo.Save(ctx, &model.BrowserSession{
		ID:           id,
		UserID:       s.User.ID,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    now.Add(r.opts.MaxAge),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		slog.Error("ブラウザセッションの保存に失敗しました",
			slog.String("session_id", shortID(id)),
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// waitReady は最初のreconciliation完了を待つ。タイムアウトした場合もそのまま戻る。
func (r *Registry) waitReady(ctx context.Context, updates <-chan Update) {
	timer := time.NewTimer(r.opts.ReadyTimeout)
	defer timer.Stop()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Snapshot != nil && u.Snapshot.Ready {
				return
			}
		case <-timer.C:
			slog.Warn("セッションの初期化がタイムアウトしました")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Evict はStoreをメモリから取り除く。永続化されたセッションは残るため、次回のGetで復元される。
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	n := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.setGauge(n)
	stop(e)
}

// Destroy はStoreを取り除き、永続化されたセッションも削除する。
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.Evict(id)
	if err := r.repo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("failed to delete browser session: %w", err)
	}
	return nil
}

// EvictIdle は最終アクセスからidle以上経過したStoreを取り除き、その数を返す。
func (r *Registry) EvictIdle(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	var stale []*entry
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e)
			delete(r.entries, id)
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}
	r.setGauge(n)
	for _, e := range stale {
		stop(e)
	}
	return len(stale)
}

// Len は生存中のStore数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close は全Storeを停止する。以降の操作はErrRegistryClosedを返す。
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	r.setGauge(0)
	for _, e := range entries {
		stop(e)
	}
}

func (r *Registry) setGauge(n int) {
	if r.opts.Gauge != nil {
		r.opts.Gauge.SetActiveSessions(n)
	}
}

func stop(e *entry) {
	e.cancel()
	e.client.Close()
	e.store.Close()
}

// generateSessionID は暗号学的に安全なランダムなセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// shortID はログ出力用にセッションIDの先頭のみを返す。
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
