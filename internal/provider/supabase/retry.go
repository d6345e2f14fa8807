package supabase

import "time"

const (
	// initialRefreshBackoff は指数バックオフの初回遅延（30秒）。
	initialRefreshBackoff = 30 * time.Second
	// maxRefreshBackoff は指数バックオフの最大遅延（10分）。
	maxRefreshBackoff = 10 * time.Minute
)

// refreshBackoff は連続失敗回数に基づいてトークン更新の再試行間隔を計算する。
// 初回30秒、2倍ずつ増加、最大10分。
func refreshBackoff(failures int) time.Duration {
	delay := initialRefreshBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxRefreshBackoff {
			return maxRefreshBackoff
		}
	}
	return delay
}
