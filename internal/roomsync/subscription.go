package roomsync

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// State 是 Manager 的订阅状态。
type State int

const (
	Detached State = iota
	Attaching
	Attached
)

func (s State) String() string {
	switch s {
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	default:
		return "detached"
	}
}

// Subscriber 打开房间的实时推送，返回的句柄关闭前 onEvent 可能在任意 goroutine 上被调用。
type Subscriber interface {
	Subscribe(ctx context.Context, room string, onEvent func(Event)) (io.Closer, error)
}

// Manager 至多持有一个实时订阅，只把当前房间的 create 事件转交给 sink。
type Manager struct {
	sub  Subscriber
	sink func(Message)
	log  zerolog.Logger

	mu     sync.Mutex
	state  State
	room   string
	user   string
	gen    uint64
	handle io.Closer
}

func NewManager(sub Subscriber, sink func(Message), logger zerolog.Logger) *Manager {
	return &Manager{sub: sub, sink: sink, log: logger}
}

// State 返回当前状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Room 返回当前绑定的房间码。
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Update 把订阅切换到 room/user：先释放旧订阅再建立新订阅。
// 房间和用户缺一不订阅；订阅失败只记日志并回到 Detached，不重试。
func (m *Manager) Update(ctx context.Context, room, user string) {
	m.mu.Lock()
	if room == m.room && user == m.user {
		m.mu.Unlock()
		return
	}
	old := m.handle
	m.handle = nil
	m.gen++
	gen := m.gen
	m.room, m.user = room, user
	if room == "" || user == "" {
		m.state = Detached
		m.mu.Unlock()
		m.release(old)
		return
	}
	m.state = Attaching
	m.mu.Unlock()

	m.release(old)

	h, err := m.sub.Subscribe(ctx, room, func(ev Event) { m.dispatch(gen, room, ev) })

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if err == nil {
			m.release(h)
		}
		return
	}
	if err != nil {
		m.state = Detached
		m.mu.Unlock()
		m.log.Warn().Err(err).Str("room", room).Msg("realtime subscribe failed")
		return
	}
	m.handle = h
	m.state = Attached
	m.mu.Unlock()
	m.log.Debug().Str("room", room).Msg("realtime attached")
}

// Close 释放当前订阅，可重复调用。
func (m *Manager) Close() {
	m.mu.Lock()
	old := m.handle
	m.handle = nil
	m.gen++
	m.state = Detached
	m.room, m.user = "", ""
	m.mu.Unlock()
	m.release(old)
}

func (m *Manager) dispatch(gen uint64, room string, ev Event) {
	m.mu.Lock()
	current := gen == m.gen
	m.mu.Unlock()
	if !current {
		return
	}
	if ev.Type != EventCreate || ev.Message == nil {
		return
	}
	if ev.Message.RoomCode != room {
		return
	}
	m.sink(*ev.Message)
}

// release 关闭句柄并吞掉错误和 panic。
func (m *Manager) release(h io.Closer) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn().Interface("panic", r).Msg("realtime teardown panicked")
		}
	}()
	if err := h.Close(); err != nil {
		m.log.Debug().Err(err).Msg("realtime teardown")
	}
}
