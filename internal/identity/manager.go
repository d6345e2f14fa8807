// Package identity は外部IdP（GitHub、Google、Discord）の連携と解除を扱う。
package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/katarogu/account/internal/model"
	"github.com/katarogu/account/internal/session"
)

// providersPath は連携完了後に戻るアプリ内のパス。
const providersPath = "/account/providers"

// SessionStore はManagerが必要とするsession.Storeの操作。
type SessionStore interface {
	Snapshot() session.Snapshot
	CallbackURL(next string) string
	RefreshIdentities(ctx context.Context) error
	Notify(n session.Notice)
}

// Linker はIdPの連携操作。provider.Authの部分集合。
type Linker interface {
	LinkIdentity(ctx context.Context, p model.Provider, redirectTo string) (string, error)
	UnlinkIdentity(ctx context.Context, link model.IdentityLink) error
}

// Manager はセッションのユーザーに対するidentity連携を管理する。
// 自身は状態を持たず、連携状態はStoreのキャッシュを参照する。
type Manager struct {
	store  SessionStore
	linker Linker
}

// NewManager はManagerを生成する。
func NewManager(store SessionStore, linker Linker) *Manager {
	return &Manager{store: store, linker: linker}
}

// Link は連携を開始し、ブラウザを遷移させるIdPの認可URLを返す。
// ローカルの状態は変更しない。連携結果はコールバック後のreconciliationで反映される。
func (m *Manager) Link(ctx context.Context, p string) (string, error) {
	snap := m.store.Snapshot()
	if snap.User == nil {
		return "", m.fail("連携を開始できません", model.NewUnauthenticatedError())
	}
	prov, ok := model.ParseProvider(p)
	if !ok {
		return "", m.fail("連携を開始できません", model.NewUnsupportedProviderError(p))
	}

	redirect, err := m.linker.LinkIdentity(ctx, prov, m.store.CallbackURL(providersPath))
	if err != nil {
		slog.Warn("identity連携の開始に失敗しました",
			slog.String("user_id", snap.User.ID),
			slog.String("provider", string(prov)),
			slog.String("error", err.Error()),
		)
		return "", m.fail("連携を開始できません", err)
	}

	slog.Info("identity連携を開始しました",
		slog.String("user_id", snap.User.ID),
		slog.String("provider", string(prov)),
	)
	return redirect, nil
}

// Unlink はキャッシュ済みの連携情報を使って連携を解除する。
// 成功時は連携一覧を再取得し、失敗時は連携一覧を変更しない。
func (m *Manager) Unlink(ctx context.Context, p string) error {
	snap := m.store.Snapshot()
	if snap.User == nil {
		return m.fail("連携を解除できません", model.NewUnauthenticatedError())
	}
	prov, ok := model.ParseProvider(p)
	if !ok {
		return m.fail("連携を解除できません", model.NewUnsupportedProviderError(p))
	}
	link, ok := snap.Identities[prov]
	if !ok || link == nil {
		return m.fail("連携を解除できません", model.NewIdentityNotLinkedError(prov))
	}

	if err := m.linker.UnlinkIdentity(ctx, *link); err != nil {
		slog.Warn("identity連携の解除に失敗しました",
			slog.String("user_id", snap.User.ID),
			slog.String("provider", string(prov)),
			slog.String("error", err.Error()),
		)
		return m.fail("連携を解除できません", err)
	}

	slog.Info("identity連携を解除しました",
		slog.String("user_id", snap.User.ID),
		slog.String("provider", string(prov)),
	)
	m.store.Notify(session.Notice{
		Level:   session.NoticeSuccess,
		Title:   "連携を解除しました",
		Message: fmt.Sprintf("%s との連携を解除しました", prov),
	})

	// 再取得の失敗はログのみ
	if err := m.store.RefreshIdentities(ctx); err != nil {
		slog.Warn("連携一覧の再取得に失敗しました", slog.String("error", err.Error()))
	}
	return nil
}

func (m *Manager) fail(title string, err error) error {
	apiErr := session.Classify(err)
	m.store.Notify(session.Notice{Level: session.NoticeError, Title: title, Message: apiErr.Message, Code: apiErr.Code})
	return apiErr
}
