package roomsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Backend 是聊天视图依赖的全部服务端能力。
type Backend interface {
	Subscriber
	Joiner
	// FetchInitialMessages 返回一页已确认消息，从新到旧
	FetchInitialMessages(ctx context.Context, room string, limit int, cursor string) ([]Message, error)
	SendMessage(ctx context.Context, room, senderID, text string) (Message, error)
}

const (
	DefaultPageSize   = 30
	DefaultSweepDelay = 100 * time.Millisecond
)

type Option func(*Chat)

func WithLogger(l zerolog.Logger) Option { return func(c *Chat) { c.log = l } }

func WithPageSize(n int) Option {
	return func(c *Chat) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func WithSweepDelay(d time.Duration) Option { return func(c *Chat) { c.sweepDelay = d } }

// Chat 是一个聊天视图，把 Store、Manager 和 Gate 绑定到同一房间和用户。
// 切换房间或用户会重建 Store 与 Gate，旧绑定上仍在进行的回调一律忽略。
type Chat struct {
	backend    Backend
	log        zerolog.Logger
	pageSize   int
	sweepDelay time.Duration
	manager    *Manager

	mu          sync.Mutex
	gen         uint64
	closed      bool
	room        string
	user        string
	store       *Store
	gate        *Gate
	loadErr     error
	storeCancel func()
	listeners   map[int]func([]Message)
	nextLID     int
	sweep       *time.Timer
}

// NewChat 为 user 绑定 room 的聊天视图，user 为空表示未登录，只读。
func NewChat(backend Backend, room, user string, membership Membership, opts ...Option) *Chat {
	c := &Chat{
		backend:    backend,
		log:        zerolog.Nop(),
		pageSize:   DefaultPageSize,
		sweepDelay: DefaultSweepDelay,
		listeners:  make(map[int]func([]Message)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.manager = NewManager(backend, c.applyRealtime, c.log)
	c.mu.Lock()
	c.bindLocked(room, user, membership)
	c.mu.Unlock()
	return c
}

func (c *Chat) bindLocked(room, user string, membership Membership) {
	c.gen++
	gen := c.gen
	if c.storeCancel != nil {
		c.storeCancel()
	}
	c.stopSweepLocked()
	c.room, c.user = room, user
	c.store = NewStore(room, user)
	c.gate = NewGate(c.backend, membership, user, user != "")
	c.loadErr = nil
	c.storeCancel = c.store.OnChange(func(snap []Message) { c.emit(gen, snap) })
}

// Activate 订阅实时推送并加载历史首页，首页之前到达的事件由 Store 缓存。
// 加载失败时列表为空，错误可通过 LoadErr 读取。
func (c *Chat) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	gen, room, user, st := c.gen, c.room, c.user, c.store
	c.mu.Unlock()

	c.manager.Update(ctx, room, user)
	if room == "" {
		return nil
	}

	page, err := c.backend.FetchInitialMessages(ctx, room, c.pageSize, "")

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.loadErr = err
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Str("room", room).Msg("load messages failed")
		st.LoadInitial(nil)
		return fmt.Errorf("load messages: %w", err)
	}
	st.LoadInitial(page)
	return nil
}

// Send 乐观发送：失败时删除待确认消息并返回错误，不重试。
func (c *Chat) Send(ctx context.Context, text string) error {
	text = TruncateText(strings.TrimSpace(text))
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	gen, room, user, st, gate := c.gen, c.room, c.user, c.store, c.gate
	c.mu.Unlock()

	if !gate.IsAuthenticated() {
		return ErrUnauthenticated
	}
	if !gate.CanParticipate() {
		return ErrNotMember
	}

	tempID := st.AppendOptimistic(text, user)
	confirmed, err := c.backend.SendMessage(ctx, room, user, text)
	if err != nil {
		st.DiscardFailed(tempID)
		c.log.Warn().Err(err).Str("room", room).Msg("send message failed")
		return fmt.Errorf("send message: %w", err)
	}
	st.ReconcileSent(tempID, confirmed)
	c.scheduleSweep(gen, st)
	return nil
}

// Join 把本地用户加入房间对应的活动。
func (c *Chat) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	gate := c.gate
	c.mu.Unlock()
	return gate.Join(ctx)
}

// Switch 重新绑定并激活视图，旧绑定上未完成的结果会被丢弃。
func (c *Chat) Switch(ctx context.Context, room, user string, membership Membership) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.bindLocked(room, user, membership)
	c.mu.Unlock()
	return c.Activate(ctx)
}

// Close 退订实时推送并停止通知，之后的 Activate、Send、Join、Switch 返回 ErrClosed。
func (c *Chat) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	if c.storeCancel != nil {
		c.storeCancel()
		c.storeCancel = nil
	}
	c.stopSweepLocked()
	c.mu.Unlock()
	c.manager.Close()
}

// OnChange 注册当前房间的快照回调。
func (c *Chat) OnChange(fn func([]Message)) func() {
	c.mu.Lock()
	id := c.nextLID
	c.nextLID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Chat) Messages() []Message {
	c.mu.Lock()
	st := c.store
	c.mu.Unlock()
	return st.Snapshot()
}

// LoadErr 返回最近一次首页加载的错误。
func (c *Chat) LoadErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErr
}

func (c *Chat) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Chat) CanSend() bool {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	return gate.CanSend()
}

func (c *Chat) Membership() Membership {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	return gate.Membership()
}

func (c *Chat) SubscriptionState() State { return c.manager.State() }

func (c *Chat) applyRealtime(m Message) {
	c.mu.Lock()
	st := c.store
	c.mu.Unlock()
	st.ApplyRealtimeCreate(m)
}

func (c *Chat) scheduleSweep(gen uint64, st *Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.stopSweepLocked()
	c.sweep = time.AfterFunc(c.sweepDelay, func() {
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if !stale {
			st.DedupeSweep()
		}
	})
}

func (c *Chat) stopSweepLocked() {
	if c.sweep != nil {
		c.sweep.Stop()
		c.sweep = nil
	}
}

func (c *Chat) emit(gen uint64, snap []Message) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	fns := make([]func([]Message), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
