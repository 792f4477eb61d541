package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"mappl/internal/realtime"
	"mappl/internal/roomsync"

	"github.com/gorilla/websocket"
)

type subscription struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (c *Client) feedURL(room string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/ws"
	u.RawQuery = url.Values{"code": {room}}.Encode()
	return u.String()
}

// Subscribe 打开房间的实时推送。onEvent 在读 goroutine 上执行，不能在其中关闭返回的句柄。
func (c *Client) Subscribe(ctx context.Context, room string, onEvent func(roomsync.Event)) (io.Closer, error) {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.feedURL(room), h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("subscribe %s: %w", room, &StatusError{Code: resp.StatusCode})
		}
		return nil, fmt.Errorf("subscribe %s: %w", room, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{conn: conn, cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.read(onEvent)
	}()
	if c.ping > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.keepAlive(runCtx, c.ping)
		}()
	}
	return s, nil
}

func (s *subscription) read(onEvent func(roomsync.Event)) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, ok := toEvent(data)
		if ok {
			onEvent(ev)
		}
	}
}

// toEvent 把线上信封转换为 roomsync 事件，未知类型直接丢弃。
func toEvent(data []byte) (roomsync.Event, bool) {
	env, err := realtime.Decode(data)
	if err != nil {
		return roomsync.Event{}, false
	}
	switch env.Type {
	case realtime.TypeConnected:
		return roomsync.Event{Type: roomsync.EventConnected}, true
	case realtime.TypePing:
		return roomsync.Event{Type: roomsync.EventPing}, true
	case realtime.TypePong:
		return roomsync.Event{Type: roomsync.EventPong}, true
	case realtime.TypeCreate:
		var m roomsync.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return roomsync.Event{}, false
		}
		return roomsync.Event{Type: roomsync.EventCreate, Message: &m}, true
	}
	return roomsync.Event{}, false
}

func (s *subscription) keepAlive(ctx context.Context, every time.Duration) {
	ping, _ := realtime.Encode(realtime.TypePing, nil)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// Close 发送关闭帧、断开连接并等待读 goroutine 退出，可重复调用。
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}
