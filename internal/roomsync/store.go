package roomsync

import (
	"sync"
	"time"
)

// Store 保存单个房间按时间先后排列的消息列表。
//
// 首页加载后新消息只追加到末尾，不按时间戳重排。列表中不会出现重复的服务端 id，
// 待确认消息在确认或丢弃之前以发送者和正文识别。
type Store struct {
	room      string
	localUser string
	now       func() time.Time

	mu        sync.Mutex
	loaded    bool
	msgs      []Message
	buffered  []Message
	listeners map[int]func([]Message)
	nextLID   int
	version   uint64

	// deliverMu 串行化回调，delivered 是已推送的最新版本
	deliverMu sync.Mutex
	delivered uint64
}

// NewStore 返回 localUser 视角下 room 的空列表。
func NewStore(room, localUser string) *Store {
	return &Store{
		room:      room,
		localUser: localUser,
		now:       time.Now,
		listeners: make(map[int]func([]Message)),
	}
}

// Room 返回绑定的房间码。
func (s *Store) Room() string { return s.room }

// Loaded 判断 LoadInitial 是否已执行。
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// LoadInitial 装入按新到旧排列的历史首页。首页到达前本地产生的消息保留在其后，
// 期间缓存的实时事件随后按同一合并逻辑重放。
func (s *Store) LoadInitial(newestFirst []Message) {
	s.mu.Lock()
	page := make([]Message, 0, len(newestFirst)+len(s.msgs))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		page = append(page, newestFirst[i])
	}
	seen := make(map[string]struct{}, len(page))
	for _, m := range page {
		seen[m.ID] = struct{}{}
	}
	for _, m := range s.msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		page = append(page, m)
	}
	s.msgs = page
	s.loaded = true

	buffered := s.buffered
	s.buffered = nil
	for _, m := range buffered {
		s.applyLocked(m)
	}
	s.sweepLocked()
	s.unlockAndNotify()
}

// AppendOptimistic 追加一条待确认消息并返回临时 id。
func (s *Store) AppendOptimistic(text, senderID string) string {
	s.mu.Lock()
	now := s.now()
	id := newTempID(now)
	s.msgs = append(s.msgs, Message{
		ID:        id,
		RoomCode:  s.room,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: now,
	})
	s.unlockAndNotify()
	return id
}

// ReconcileSent 用确认后的消息替换 tempID 对应的待确认消息。
// tempID 已不存在时不做任何事；确认 id 已在列表中时直接删掉待确认消息。
func (s *Store) ReconcileSent(tempID string, confirmed Message) bool {
	s.mu.Lock()
	idx := s.indexLocked(tempID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	if s.indexLocked(confirmed.ID) >= 0 {
		s.removeLocked(idx)
	} else {
		s.msgs[idx] = confirmed
	}
	s.unlockAndNotify()
	return true
}

// DiscardFailed 删除发送失败的待确认消息。
func (s *Store) DiscardFailed(tempID string) bool {
	s.mu.Lock()
	idx := s.indexLocked(tempID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(idx)
	s.unlockAndNotify()
	return true
}

// ApplyRealtimeCreate 合并实时推送的新消息，忽略其他房间的消息；
// 首页加载前先缓存，加载后再应用。
func (s *Store) ApplyRealtimeCreate(m Message) bool {
	if m.RoomCode != s.room || m.ID == "" {
		return false
	}
	s.mu.Lock()
	if !s.loaded {
		s.buffered = append(s.buffered, m)
		s.mu.Unlock()
		return false
	}
	if !s.applyLocked(m) {
		s.mu.Unlock()
		return false
	}
	s.unlockAndNotify()
	return true
}

// DedupeSweep 合并键相同的消息并保留第一条：已确认消息按 id，待确认消息按发送者加正文。
func (s *Store) DedupeSweep() bool {
	s.mu.Lock()
	if !s.sweepLocked() {
		s.mu.Unlock()
		return false
	}
	s.unlockAndNotify()
	return true
}

// Snapshot 返回列表副本，从旧到新。
func (s *Store) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnChange 注册变更回调，每次变更后收到一份快照。
// 回调串行执行且版本只增不减，被更新版本超过的快照直接跳过。
// fn 可以读取 Store 但不能修改它。返回的函数用于注销。
func (s *Store) OnChange(fn func([]Message)) func() {
	s.mu.Lock()
	id := s.nextLID
	s.nextLID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) applyLocked(m Message) bool {
	if s.indexLocked(m.ID) >= 0 {
		return false
	}
	if s.localUser != "" && m.SenderID == s.localUser {
		for i, cur := range s.msgs {
			if cur.Pending() && cur.SenderID == m.SenderID && cur.Text == m.Text {
				s.msgs[i] = m
				return true
			}
		}
	}
	s.msgs = append(s.msgs, m)
	return true
}

func (s *Store) sweepLocked() bool {
	seen := make(map[string]struct{}, len(s.msgs))
	out := s.msgs[:0:0]
	for _, m := range s.msgs {
		key := "id:" + m.ID
		if m.Pending() {
			key = "pending:" + m.SenderID + "\x00" + m.Text
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	if len(out) == len(s.msgs) {
		return false
	}
	s.msgs = out
	return true
}

func (s *Store) indexLocked(id string) int {
	for i, m := range s.msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeLocked(idx int) {
	s.msgs = append(s.msgs[:idx:idx], s.msgs[idx+1:]...)
}

func (s *Store) snapshotLocked() []Message {
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// unlockAndNotify 记录新版本后释放锁，再把快照交给回调；更新的版本已推送时跳过。
func (s *Store) unlockAndNotify() {
	s.version++
	v := s.version
	snap := s.snapshotLocked()
	fns := make([]func([]Message), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if v <= s.delivered {
		return
	}
	s.delivered = v
	for _, fn := range fns {
		fn(snap)
	}
}
