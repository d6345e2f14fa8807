package ingest

import (
	"sync"
	"time"

	"github.com/katarogu/account/internal/model"
)

type setKey struct {
	session string
	kind    model.AssetKind
}

// Set はブラウザセッションと画像種別ごとのPipelineを保持する。
type Set struct {
	opts Options

	mu        sync.Mutex
	pipelines map[setKey]*Pipeline
}

// NewSet はSetを生成する。optsは生成する全Pipelineに適用される。
func NewSet(opts Options) *Set {
	return &Set{opts: opts, pipelines: make(map[setKey]*Pipeline)}
}

// Get はPipelineを返す。存在しない場合、または受け取り先が変わった場合は新しく生成する。
func (s *Set) Get(sessionID string, kind model.AssetKind, target Target) *Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := setKey{session: sessionID, kind: kind}
	if p, ok := s.pipelines[k]; ok && p.target == target {
		return p
	}
	p := New(kind, target, s.opts)
	s.pipelines[k] = p
	return p
}

// Drop はセッションのPipelineをすべて破棄する。
func (s *Set) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.pipelines {
		if k.session == sessionID {
			p.Cancel()
			delete(s.pipelines, k)
		}
	}
}

// EvictIdle は最終操作からidle以上経過したPipelineを破棄し、その数を返す。
func (s *Set) EvictIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, p := range s.pipelines {
		if p.idleSince().Before(cutoff) {
			p.Cancel()
			delete(s.pipelines, k)
			n++
		}
	}
	return n
}

// Len は保持しているPipeline数を返す。
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pipelines)
}
