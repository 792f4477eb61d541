package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnauthenticated = errors.New("sign in to chat")
	ErrNotMember       = errors.New("join the event to chat")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrClosed          = errors.New("chat is closed")
)

// Membership 描述谁能参与活动聊天，创建者即使不在 Joiners 中也算成员。
type Membership struct {
	EventID   string
	CreatorID string
	Joiners   []string
}

// CanParticipate 判断 userID 是否为创建者或已加入者。
func CanParticipate(m Membership, userID string) bool {
	if userID == "" {
		return false
	}
	if userID == m.CreatorID {
		return true
	}
	for _, j := range m.Joiners {
		if j == userID {
			return true
		}
	}
	return false
}

// Joiner 把用户加入活动并返回最新成员信息。
type Joiner interface {
	JoinEvent(ctx context.Context, eventID, userID string) (Membership, error)
}

// Gate 决定本地用户能否在房间内发言。
type Gate struct {
	joiner        Joiner
	userID        string
	authenticated bool

	mu         sync.RWMutex
	membership Membership
}

func NewGate(j Joiner, m Membership, userID string, authenticated bool) *Gate {
	return &Gate{joiner: j, userID: userID, authenticated: authenticated, membership: m}
}

func (g *Gate) IsAuthenticated() bool { return g.authenticated }

func (g *Gate) Membership() Membership {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.membership
}

func (g *Gate) CanParticipate() bool {
	return CanParticipate(g.Membership(), g.userID)
}

func (g *Gate) CanSend() bool {
	return g.authenticated && g.CanParticipate()
}

// Join 请求后端加入活动，只有成功时才替换成员信息。
func (g *Gate) Join(ctx context.Context) error {
	if !g.authenticated || g.userID == "" {
		return ErrUnauthenticated
	}
	if g.CanParticipate() {
		return nil
	}
	eventID := g.Membership().EventID
	m, err := g.joiner.JoinEvent(ctx, eventID, g.userID)
	if err != nil {
		return fmt.Errorf("join event %s: %w", eventID, err)
	}
	g.mu.Lock()
	g.membership = m
	g.mu.Unlock()
	return nil
}
