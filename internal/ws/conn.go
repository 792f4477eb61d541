package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"mappl/internal/auth"
	"mappl/internal/realtime"
	"mappl/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	// 客户端只会发送应用层 ping，消息体很小
	maxInbound = 4 << 10
)

// SessionValidator 校验会话令牌，由 auth.Sessions 实现。
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

// RoomFinder 按房间码查找活动，由 service.EventService 实现。
type RoomFinder interface {
	GetByCode(ctx context.Context, code string) (*service.EventDTO, error)
}

type Client struct {
	room   *RoomHub
	conn   *websocket.Conn
	send   chan []byte
	pong   chan struct{}
	userID string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var pongEvent, _ = realtime.Encode(realtime.TypePong, nil)

// Serve 处理 /ws?code=...，订阅者只接收房间事件，发送消息走 REST 接口。
func Serve(h *Hub, sessions SessionValidator, rooms RoomFinder) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
			return
		}

		token := auth.TokenFromRequest(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := sessions.Validate(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if _, err := rooms.GetByCode(c.Request.Context(), code); err != nil {
			if errors.Is(err, service.ErrEventNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
				return
			}
			log.Error().Err(err).Str("code", code).Msg("ws room lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		if h.isClosed() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{conn: conn, send: make(chan []byte, 256), pong: make(chan struct{}, 1), userID: claims.UserID}
		// 房间可能刚被回收，换一个新的 RoomHub 重试；Hub 关闭后放弃
		for {
			rh := h.GetRoom(code)
			if rh == nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				_ = conn.Close()
				return
			}
			client.room = rh
			if rh.join(client) {
				break
			}
		}
		log.Debug().Str("code", code).Str("user_id", claims.UserID).Msg("ws subscriber attached")

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.room.leave(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := realtime.Decode(data)
		if err != nil || env.Type != realtime.TypePing {
			continue
		}
		// 应用层心跳同样续期读超时
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case c.pong <- struct{}{}:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.pong:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pongEvent); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
