package roomsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

type fakeHandle struct {
	b     *fakeBackend
	room  string
	err   error
	panic bool
}

func (h *fakeHandle) Close() error {
	h.b.mu.Lock()
	h.b.teardowns = append(h.b.teardowns, h.room)
	delete(h.b.handlers, h)
	h.b.mu.Unlock()
	if h.panic {
		panic("boom")
	}
	return h.err
}

type fakeBackend struct {
	mu           sync.Mutex
	pages        map[string][]Message
	fetchErr     error
	fetchGate    map[string]chan struct{}
	sendErr      error
	beforeReturn func(confirmed Message)
	subscribeErr error
	closeErr     error
	closePanic   bool
	attaches     []string
	teardowns    []string
	handlers     map[*fakeHandle]func(Event)
	fetches      int
	sends        int
	joinResult   Membership
	joinErr      error
	joins        int
	nextID       int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		pages:     make(map[string][]Message),
		fetchGate: make(map[string]chan struct{}),
		handlers:  make(map[*fakeHandle]func(Event)),
	}
}

func (b *fakeBackend) FetchInitialMessages(ctx context.Context, room string, limit int, cursor string) ([]Message, error) {
	b.mu.Lock()
	b.fetches++
	gate := b.fetchGate[room]
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	page := b.pages[room]
	if len(page) > limit {
		page = page[:limit]
	}
	return append([]Message(nil), page...), nil
}

func (b *fakeBackend) SendMessage(ctx context.Context, room, senderID, text string) (Message, error) {
	b.mu.Lock()
	b.sends++
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return Message{}, err
	}
	b.nextID++
	m := Message{
		ID:        fmt.Sprintf("m%d", b.nextID),
		RoomCode:  room,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: time.Date(2026, 1, 1, 12, 0, b.nextID, 0, time.UTC),
	}
	hook := b.beforeReturn
	b.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return m, nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, room string, onEvent func(Event)) (io.Closer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.attaches = append(b.attaches, room)
	h := &fakeHandle{b: b, room: room, err: b.closeErr, panic: b.closePanic}
	b.handlers[h] = onEvent
	return h, nil
}

func (b *fakeBackend) JoinEvent(ctx context.Context, eventID, userID string) (Membership, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins++
	if b.joinErr != nil {
		return Membership{}, b.joinErr
	}
	return b.joinResult, nil
}

// push delivers ev to every open subscription.
func (b *fakeBackend) push(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.handlers))
	for _, fn := range b.handlers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// openHandlers counts subscriptions that have not been closed.
func (b *fakeBackend) openHandlers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func (b *fakeBackend) counts() (attaches, teardowns []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.attaches...), append([]string(nil), b.teardowns...)
}

var errBoom = errors.New("boom")

func create(m Message) Event { return Event{Type: EventCreate, Message: &m} }

func msg(id, room, sender, text string) Message {
	return Message{ID: id, RoomCode: room, SenderID: sender, Text: text, CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func ids(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
