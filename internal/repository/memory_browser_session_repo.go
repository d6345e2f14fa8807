package repository

import (
	"context"
	"sync"
	"time"

	"github.com/katarogu/account/internal/model"
)

// MemoryBrowserSessionRepo はプロセス内メモリに保持するブラウザセッションリポジトリ。
// DATABASE_URL未設定時に使用し、再起動でセッションは失われる。
type MemoryBrowserSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.BrowserSession
	now      func() time.Time
}

// NewMemoryBrowserSessionRepo はMemoryBrowserSessionRepoを生成する。
func NewMemoryBrowserSessionRepo() *MemoryBrowserSessionRepo {
	return &MemoryBrowserSessionRepo{
		sessions: make(map[string]model.BrowserSession),
		now:      time.Now,
	}
}

// Save はセッションを作成または更新する。
func (r *MemoryBrowserSessionRepo) Save(_ context.Context, session *model.BrowserSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[session.ID]; ok && !existing.CreatedAt.IsZero() {
		s := *session
		s.CreatedAt = existing.CreatedAt
		r.sessions[session.ID] = s
		return nil
	}
	r.sessions[session.ID] = *session
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemoryBrowserSessionRepo) FindByID(_ context.Context, id string) (*model.BrowserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	return &s, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemoryBrowserSessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *MemoryBrowserSessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var n int64
	for id, s := range r.sessions {
		if !s.ExpiresAt.After(now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// compile-time interface check
var _ BrowserSessionRepository = (*MemoryBrowserSessionRepo)(nil)
