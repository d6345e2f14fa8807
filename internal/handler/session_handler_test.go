package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/katarogu/account/internal/session"
)

// streamEnvelope はストリームから受信したメッセージ。
type streamEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// dialStream はテスト環境のCookieを付けてセッションストリームに接続する。
func dialStream(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	u, _ := url.Parse(env.server.URL)
	header := http.Header{}
	var cookies []string
	for _, c := range env.client.Jar.Cookies(u) {
		cookies = append(cookies, c.Name+"="+c.Value)
	}
	header.Set("Cookie", strings.Join(cookies, "; "))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/session/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) streamEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("message type = %v, want text", typ)
	}
	var env streamEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	return env
}

func TestSessionHandler_Get_Anonymous(t *testing.T) {
	env := newTestEnv(t)

	snap := env.snapshot()

	if !snap.Ready {
		t.Error("session should be ready")
	}
	if snap.User != nil {
		t.Error("user should be null for a new session")
	}
	for _, p := range []string{"github", "google", "discord"} {
		v, ok := snap.Identities[p]
		if !ok {
			t.Errorf("identities should contain %q", p)
		}
		if v != nil {
			t.Errorf("identities[%q] should be null", p)
		}
	}
	if snap.AvatarURL == "" || snap.BannerURL == "" {
		t.Error("fallback images should be resolved for anonymous sessions")
	}
}

func TestSessionHandler_Stream_SendsInitialSnapshotAndUpdates(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)

	first := readEnvelope(t, conn)
	if first.Type != "snapshot" {
		t.Fatalf("first message type = %q, want %q", first.Type, "snapshot")
	}
	var initial SnapshotResponse
	if err := json.Unmarshal(first.Data, &initial); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if initial.User != nil {
		t.Error("initial snapshot should be anonymous")
	}

	env.signIn()

	var signedIn bool
	var notice *session.Notice
	for !signedIn || notice == nil {
		msg := readEnvelope(t, conn)
		switch msg.Type {
		case "snapshot":
			var snap SnapshotResponse
			if err := json.Unmarshal(msg.Data, &snap); err != nil {
				t.Fatalf("unmarshal snapshot: %v", err)
			}
			if snap.User != nil && snap.User.Email == testEmail {
				signedIn = true
			}
		case "notice":
			var n session.Notice
			if err := json.Unmarshal(msg.Data, &n); err != nil {
				t.Fatalf("unmarshal notice: %v", err)
			}
			if n.Level == session.NoticeSuccess {
				notice = &n
			}
		default:
			t.Fatalf("unexpected message type %q", msg.Type)
		}
	}
	if notice.Title != "ログインしました" {
		t.Errorf("notice title = %q, want %q", notice.Title, "ログインしました")
	}
}

func TestSessionHandler_Stream_ClosesWhenSessionEvicted(t *testing.T) {
	env := newTestEnv(t)
	conn := dialStream(t, env)
	readEnvelope(t, conn)

	u, _ := url.Parse(env.server.URL)
	var id string
	for _, c := range env.client.Jar.Cookies(u) {
		if c.Name == "session_id" {
			id = c.Value
		}
	}
	if id == "" {
		t.Fatal("session cookie not found")
	}
	env.registry.Evict(id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
				t.Errorf("close status = %v, want %v", status, websocket.StatusGoingAway)
			}
			return
		}
	}
}

func TestNewSessionHandler_Defaults(t *testing.T) {
	h := NewSessionHandler(StreamConfig{AllowedOrigin: "https://app.example.com"})

	if h.writeTimeout != defaultStreamWriteTimeout {
		t.Errorf("writeTimeout = %v, want %v", h.writeTimeout, defaultStreamWriteTimeout)
	}
	if h.pingInterval != defaultStreamPingInterval {
		t.Errorf("pingInterval = %v, want %v", h.pingInterval, defaultStreamPingInterval)
	}
	if len(h.originPatterns) != 1 || h.originPatterns[0] != "app.example.com" {
		t.Errorf("originPatterns = %v, want [app.example.com]", h.originPatterns)
	}
}
