// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/katarogu/account/internal/model"
)

// BrowserSessionRepository はブラウザセッションの永続化インターフェース。
// IdPのリフレッシュトークンを保持し、プロセス再起動後のセッション復元に使用する。
type BrowserSessionRepository interface {
	// Save はセッションを作成または更新する。
	Save(ctx context.Context, session *model.BrowserSession) error
	// FindByID は指定IDのセッションを取得する。期限切れまたは存在しない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.BrowserSession, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
