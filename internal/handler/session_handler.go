package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/katarogu/account/internal/session"
)

const (
	defaultStreamWriteTimeout = 5 * time.Second
	defaultStreamPingInterval = 30 * time.Second
)

// StreamConfig はセッションストリームの設定。
type StreamConfig struct {
	// AllowedOrigin はクロスオリジン接続を許可するフロントエンドのオリジン。
	AllowedOrigin string
	WriteTimeout  time.Duration
	PingInterval  time.Duration
}

// streamMessage はストリームで配信するメッセージ。
type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SessionHandler はセッション状態の取得と購読を扱う。
type SessionHandler struct {
	originPatterns []string
	writeTimeout   time.Duration
	pingInterval   time.Duration
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(cfg StreamConfig) *SessionHandler {
	h := &SessionHandler{
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultStreamWriteTimeout
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultStreamPingInterval
	}
	if u, err := url.Parse(cfg.AllowedOrigin); err == nil && u.Host != "" {
		h.originPatterns = []string{u.Host}
	}
	return h
}

// Get は現在のセッション状態を返す。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}
	writeSnapshot(w, http.StatusOK, store)
}

// Stream はWebSocketでセッション状態と通知を配信する。
// 接続直後に現在のスナップショットを送り、以降は変更のたびに送る。
// GET /api/session/stream
func (h *SessionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	store, ok := storeFrom(w, r)
	if !ok {
		return
	}

	// 長時間の接続はサーバーのタイムアウトの対象外にする
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Warn("セッションストリームの接続に失敗しました", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	// クライアントからのメッセージは読み捨てる
	ctx := conn.CloseRead(r.Context())

	updates, unsubscribe := store.Subscribe()
	defer unsubscribe()

	if err := h.write(ctx, conn, streamMessage{Type: "snapshot", Data: newSnapshotResponse(store.Snapshot())}); err != nil {
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if u.Notice == nil && u.Snapshot == nil {
				continue
			}
			if err := h.write(ctx, conn, toStreamMessage(u)); err != nil {
				slog.Debug("セッションストリームへの書き込みに失敗しました",
					slog.Int("close_status", int(websocket.CloseStatus(err))),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *SessionHandler) write(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func toStreamMessage(u session.Update) streamMessage {
	if u.Notice != nil {
		return streamMessage{Type: "notice", Data: u.Notice}
	}
	return streamMessage{Type: "snapshot", Data: newSnapshotResponse(*u.Snapshot)}
}
