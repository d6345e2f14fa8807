package session

import "sync"

// NoticeLevel は通知の重要度。
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice は操作結果の一時的な通知（トースト）。
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Title   string      `json:"title"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Update は購読者に配信される変更。SnapshotとNoticeのどちらか一方が設定される。
type Update struct {
	Snapshot *Snapshot
	Notice   *Notice
}

const subscriberBuffer = 16

// hub は購読者への配信を管理する。
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Update
	nextID int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Update)}
}

// subscribe は購読チャネルと解除関数を返す。
func (h *hub) subscribe() (<-chan Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Update, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// publish は全購読者に配信する。遅い購読者のバッファが満杯の場合は古い更新を捨てる。
func (h *hub) publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		for {
			select {
			case ch <- u:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// close は全購読を終了する。
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
