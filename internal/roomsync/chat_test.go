package roomsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var member = Membership{EventID: "e1", CreatorID: "U1"}

func TestChat_ActivateLoadsAndSubscribes(t *testing.T) {
	b := newFakeBackend()
	b.pages["R"] = []Message{msg("m2", "R", "U2", "b"), msg("m1", "R", "U2", "a")}
	c := NewChat(b, "R", "U1", member)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background()))
	assert.Equal(t, []string{"m1", "m2"}, ids(c.Messages()))
	assert.Equal(t, Attached, c.SubscriptionState())
	assert.NoError(t, c.LoadErr())

	b.push(create(msg("m3", "R", "U2", "c")))
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(c.Messages()))
}

func TestChat_ActivateRespectsPageSize(t *testing.T) {
	b := newFakeBackend()
	b.pages["R"] = []Message{msg("m3", "R", "U2", "c"), msg("m2", "R", "U2", "b"), msg("m1", "R", "U2", "a")}
	c := NewChat(b, "R", "U1", member, WithPageSize(2))
	defer c.Close()

	require.NoError(t, c.Activate(context.Background()))
	assert.Equal(t, []string{"m2", "m3"}, ids(c.Messages()))
}

func TestChat_LoadFailureLeavesEmptyList(t *testing.T) {
	b := newFakeBackend()
	b.fetchErr = errBoom
	c := NewChat(b, "R", "U1", member)
	defer c.Close()

	err := c.Activate(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.ErrorIs(t, c.LoadErr(), errBoom)
	assert.Empty(t, c.Messages())
	assert.Equal(t, 1, b.fetches)

	// the realtime feed still works after a failed load
	b.push(create(msg("m9", "R", "U2", "live")))
	assert.Equal(t, []string{"m9"}, ids(c.Messages()))
}

func TestChat_SignedOutReadsWithoutSubscription(t *testing.T) {
	b := newFakeBackend()
	b.pages["R"] = []Message{msg("m1", "R", "U2", "a")}
	c := NewChat(b, "R", "", member)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background()))
	assert.Equal(t, []string{"m1"}, ids(c.Messages()))
	assert.Equal(t, Detached, c.SubscriptionState())
	assert.False(t, c.CanSend())
	assert.ErrorIs(t, c.Send(context.Background(), "hi"), ErrUnauthenticated)
	assert.Zero(t, b.sends)
}

func TestChat_SendHappyPath(t *testing.T) {
	b := newFakeBackend()
	c := NewChat(b, "R", "U1", member, WithSweepDelay(time.Millisecond))
	defer c.Close()
	require.NoError(t, c.Activate(context.Background()))

	var mu sync.Mutex
	var pendingSeen bool
	c.OnChange(func(snap []Message) {
		mu.Lock()
		defer mu.Unlock()
		if len(snap) == 1 && snap[0].Pending() {
			pendingSeen = true
		}
	})

	require.NoError(t, c.Send(context.Background(), "  hi  "))
	snap := c.Messages()
	require.Len(t, snap, 1)
	assert.Equal(t, "m1", snap[0].ID)
	assert.Equal(t, "hi", snap[0].Text)

	mu.Lock()
	assert.True(t, pendingSeen, "optimistic entry was never published")
	mu.Unlock()
}

func TestChat_SendRealtimeEchoBeforeResponse(t *testing.T) {
	b := newFakeBackend()
	c := NewChat(b, "R", "U1", member, WithSweepDelay(time.Millisecond))
	defer c.Close()
	require.NoError(t, c.Activate(context.Background()))
	b.beforeReturn = func(confirmed Message) { b.push(create(confirmed)) }

	require.NoError(t, c.Send(context.Background(), "hi"))
	assert.Equal(t, []string{"m1"}, ids(c.Messages()))

	// late duplicate delivery
	b.push(create(c.Messages()[0]))
	assert.Equal(t, []string{"m1"}, ids(c.Messages()))
}

func TestChat_SendFailureDiscards(t *testing.T) {
	b := newFakeBackend()
	b.pages["R"] = []Message{msg("m1", "R", "U2", "a")}
	b.sendErr = errBoom
	c := NewChat(b, "R", "U1", member)
	defer c.Close()
	require.NoError(t, c.Activate(context.Background()))
	before := c.Messages()

	err := c.Send(context.Background(), "hi")
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, before, c.Messages())
	assert.Equal(t, 1, b.sends)
}

func TestChat_SendRejections(t *testing.T) {
	b := newFakeBackend()
	c := NewChat(b, "R", "U9", member)
	defer c.Close()
	require.NoError(t, c.Activate(context.Background()))

	assert.ErrorIs(t, c.Send(context.Background(), "   "), ErrEmptyMessage)
	assert.ErrorIs(t, c.Send(context.Background(), "hi"), ErrNotMember)
	assert.Empty(t, c.Messages())
	assert.Zero(t, b.sends)
}

func TestChat_JoinThenSend(t *testing.T) {
	b := newFakeBackend()
	b.joinResult = Membership{EventID: "e1", CreatorID: "U1", Joiners: []string{"U9"}}
	c := NewChat(b, "R", "U9", member)
	defer c.Close()
	require.NoError(t, c.Activate(context.Background()))
	require.False(t, c.CanSend())

	require.NoError(t, c.Join(context.Background()))
	assert.True(t, c.CanSend())
	assert.Equal(t, []string{"U9"}, c.Membership().Joiners)
	require.NoError(t, c.Send(context.Background(), "hello"))
	assert.Len(t, c.Messages(), 1)
}

func TestChat_SwitchRoom(t *testing.T) {
	b := newFakeBackend()
	b.pages["R1"] = []Message{msg("a1", "R1", "U2", "one")}
	b.pages["R2"] = []Message{msg("b1", "R2", "U2", "two")}
	c := NewChat(b, "R1", "U1", member)
	defer c.Close()
	require.NoError(t, c.Activate(context.Background()))

	require.NoError(t, c.Switch(context.Background(), "R2", "U1", member))
	attaches, teardowns := b.counts()
	assert.Equal(t, []string{"R1", "R2"}, attaches)
	assert.Equal(t, []string{"R1"}, teardowns)
	assert.Equal(t, "R2", c.Room())
	assert.Equal(t, []string{"b1"}, ids(c.Messages()))

	b.push(create(msg("a2", "R1", "U2", "after switch")))
	assert.Equal(t, []string{"b1"}, ids(c.Messages()))
}

func TestChat_StaleLoadIgnoredAfterSwitch(t *testing.T) {
	b := newFakeBackend()
	b.pages["R1"] = []Message{msg("a1", "R1", "U2", "one")}
	b.pages["R2"] = []Message{msg("b1", "R2", "U2", "two")}
	release := make(chan struct{})
	b.fetchGate["R1"] = release
	c := NewChat(b, "R1", "U1", member)
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Activate(context.Background()) }()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.fetches == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Switch(context.Background(), "R2", "U1", member))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"b1"}, ids(c.Messages()))
}

func TestChat_StaleNotificationsDropped(t *testing.T) {
	b := newFakeBackend()
	c := NewChat(b, "R1", "U1", member)
	defer c.Close()
	require.NoError(t, c.Activate(context.Background()))

	var mu sync.Mutex
	var rooms []string
	c.OnChange(func(snap []Message) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range snap {
			rooms = append(rooms, m.RoomCode)
		}
	})

	c.mu.Lock()
	old := c.store
	c.mu.Unlock()
	require.NoError(t, c.Switch(context.Background(), "R2", "U1", member))
	old.AppendOptimistic("ghost", "U1")

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, rooms, "R1")
}

func TestChat_CloseDetaches(t *testing.T) {
	b := newFakeBackend()
	c := NewChat(b, "R", "U1", member)
	require.NoError(t, c.Activate(context.Background()))

	c.Close()
	assert.Equal(t, Detached, c.SubscriptionState())
	_, teardowns := b.counts()
	assert.Equal(t, []string{"R"}, teardowns)
	assert.NotPanics(t, c.Close)
}

func TestChat_ClosedRejectsCalls(t *testing.T) {
	b := newFakeBackend()
	c := NewChat(b, "R", "U1", member)
	require.NoError(t, c.Activate(context.Background()))
	c.Close()

	ctx := context.Background()
	assert.ErrorIs(t, c.Send(ctx, "hi"), ErrClosed)
	assert.ErrorIs(t, c.Join(ctx), ErrClosed)
	assert.ErrorIs(t, c.Activate(ctx), ErrClosed)
	assert.ErrorIs(t, c.Switch(ctx, "R2", "U1", member), ErrClosed)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Zero(t, b.sends)
	assert.Zero(t, b.joins)
	assert.Equal(t, 1, b.fetches)
	assert.Equal(t, []string{"R"}, b.attaches)
}
