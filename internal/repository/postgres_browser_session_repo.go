package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/katarogu/account/internal/model"
)

// PostgresBrowserSessionRepo はPostgreSQLを使用したブラウザセッションリポジトリ。
type PostgresBrowserSessionRepo struct {
	db *sql.DB
}

// NewPostgresBrowserSessionRepo はPostgresBrowserSessionRepoを生成する。
func NewPostgresBrowserSessionRepo(db *sql.DB) *PostgresBrowserSessionRepo {
	return &PostgresBrowserSessionRepo{db: db}
}

// Save はセッションをUPSERTする。リフレッシュトークンはローテーションのたびに上書きされる。
func (r *PostgresBrowserSessionRepo) Save(ctx context.Context, session *model.BrowserSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO browser_sessions (id, user_id, refresh_token, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = EXCLUDED.user_id,
		     refresh_token = EXCLUDED.refresh_token,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = EXCLUDED.updated_at`,
		session.ID, session.UserID, session.RefreshToken, session.ExpiresAt, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save browser session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresBrowserSessionRepo) FindByID(ctx context.Context, id string) (*model.BrowserSession, error) {
	session := &model.BrowserSession{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, refresh_token, expires_at, created_at, updated_at
		 FROM browser_sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&session.ID, &session.UserID, &session.RefreshToken, &session.ExpiresAt, &session.CreatedAt, &session.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find browser session: %w", err)
	}

	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresBrowserSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM browser_sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete browser session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *PostgresBrowserSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM browser_sessions WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired browser sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted browser sessions: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ BrowserSessionRepository = (*PostgresBrowserSessionRepo)(nil)
