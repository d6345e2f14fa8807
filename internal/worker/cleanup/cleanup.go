// Package cleanup はセッションの定期クリーンアップジョブを提供する。
// 期限切れの永続化セッションを削除し、一定時間アクセスのない
// セッションストアと画像取り込みパイプラインをメモリから取り除く。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const defaultInterval = 10 * time.Minute

// SessionPurger は期限切れの永続化セッションを削除する。
type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// IdleEvictor はidle以上アクセスのない要素を取り除き、その数を返す。
// session.Registryとingest.Setが実装する。
type IdleEvictor interface {
	EvictIdle(idle time.Duration) int
}

// Recorder はクリーンアップ結果のメトリクスを記録する。
type Recorder interface {
	RecordCleanup(purged int64, evicted int)
}

// CleanupJob はセッションのクリーンアップジョブ。
// 冪等: 削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	sessions SessionPurger
	evictors []IdleEvictor
	recorder Recorder
	logger   *slog.Logger

	IdleTimeout time.Duration // ストアを保持する最終アクセスからの時間（デフォルト: 30分）
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(sessions SessionPurger, recorder Recorder, logger *slog.Logger, evictors ...IdleEvictor) *CleanupJob {
	return &CleanupJob{
		sessions:    sessions,
		evictors:    evictors,
		recorder:    recorder,
		logger:      logger,
		IdleTimeout: 30 * time.Minute,
	}
}

// Run はクリーンアップを1回実行する。
// 永続化セッションの削除に失敗した場合もメモリ上の退避は行う。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	evicted := 0
	for _, e := range j.evictors {
		evicted += e.EvictIdle(j.IdleTimeout)
	}

	var purged int64
	var runErr error
	if j.sessions != nil {
		n, err := j.sessions.DeleteExpired(ctx)
		if err != nil {
			j.logger.Error("期限切れセッションの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			runErr = fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
		}
		purged = n
	}

	if j.recorder != nil {
		j.recorder.RecordCleanup(purged, evicted)
	}

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("purged_count", purged),
		slog.Int("evicted_count", evicted),
		slog.Duration("idle_timeout", j.IdleTimeout),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return runErr
}

// Start はctxが終了するまでintervalごとにRunを実行する。起動直後に1回実行する。
// intervalが0以下の場合は10分間隔。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
