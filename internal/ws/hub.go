package ws

import (
	"sync"
	"sync/atomic"

	"mappl/internal/metrics"
	"mappl/internal/realtime"

	"github.com/rs/zerolog/log"
)

// Hub 管理以房间码为键的子 Hub，实现延迟创建与并发安全。
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*RoomHub
	closed bool
}

func NewHub() *Hub { return &Hub{rooms: make(map[string]*RoomHub)} }

// GetRoom 若房间未初始化则懒加载一个 RoomHub，Hub 关闭后返回 nil。
func (h *Hub) GetRoom(code string) *RoomHub {
	h.mu.RLock()
	room := h.rooms[code]
	h.mu.RUnlock()
	if room != nil {
		return room
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	room = h.rooms[code]
	if room != nil {
		return room
	}
	room = NewRoomHub(code)
	room.idle = h.retire
	h.rooms[code] = room
	go room.run()
	return room
}

// retire 在房间最后一个连接离开后把它从 Hub 中移除。
func (h *Hub) retire(room *RoomHub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room.code] == room {
		delete(h.rooms, room.code)
	}
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Broadcast 把消息投递给房间内所有连接，房间不存在时直接丢弃。
func (h *Hub) Broadcast(code string, msg []byte) {
	h.mu.RLock()
	room := h.rooms[code]
	h.mu.RUnlock()
	if room == nil {
		return
	}
	select {
	case room.broadcast <- msg:
	case <-room.done:
	default:
		log.Warn().Str("code", code).Msg("room broadcast queue full, dropping message")
	}
}

func (h *Hub) Online(code string) int {
	h.mu.RLock()
	room := h.rooms[code]
	h.mu.RUnlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// Close 停止所有房间并断开其连接，用于优雅退出。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for code, room := range h.rooms {
		room.stop()
		delete(h.rooms, code)
	}
}

type RoomHub struct {
	code       string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once
	online     int32
	idle       func(*RoomHub)
}

func NewRoomHub(code string) *RoomHub {
	return &RoomHub{
		code:       code,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

var connectedEvent, _ = realtime.Encode(realtime.TypeConnected, nil)

func (rh *RoomHub) run() {
	for {
		select {
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
			metrics.WsConnections.Inc()
			// 只通知新连接本身，其他成员不关心上线事件
			select {
			case c.send <- connectedEvent:
			default:
				rh.drop(c)
			}
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				rh.drop(c)
			}
		case msg := <-rh.broadcast:
			for c := range rh.clients {
				select {
				case c.send <- msg:
				default:
					// 慢连接直接踢掉，避免拖住整个房间
					rh.drop(c)
				}
			}
		case <-rh.done:
			for c := range rh.clients {
				rh.drop(c)
			}
			return
		}
		// 空房间随即回收，之后的订阅会重新创建
		if len(rh.clients) == 0 && rh.idle != nil {
			rh.idle(rh)
			rh.stop()
			return
		}
	}
}

func (rh *RoomHub) drop(c *Client) {
	delete(rh.clients, c)
	close(c.send)
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
	metrics.WsConnections.Dec()
}

func (rh *RoomHub) stop() {
	rh.stopOnce.Do(func() { close(rh.done) })
}

// join 把连接交给 run 循环，房间已停止时返回 false。
func (rh *RoomHub) join(c *Client) bool {
	select {
	case rh.register <- c:
		return true
	case <-rh.done:
		return false
	}
}

func (rh *RoomHub) leave(c *Client) {
	select {
	case rh.unregister <- c:
	case <-rh.done:
	}
}

// Online 返回房间在线客户端数量。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
