// Package roomsync 维护客户端眼中单个活动聊天室的消息列表，
// 合并历史首页、本地乐观发送与实时推送三路来源。
package roomsync

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// TempIDPrefix 标记服务端尚未确认的消息。
const TempIDPrefix = "temp-"

// MaxTextLength 是服务端对消息正文的字符数上限。
const MaxTextLength = 2048

// Message 是一条聊天记录，JSON 字段名与 HTTP 接口一致。
type Message struct {
	ID              string    `json:"id"`
	RoomCode        string    `json:"code"`
	SenderID        string    `json:"userId"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"createdAt"`
	SenderName      string    `json:"userName,omitempty"`
	SenderAvatarURL string    `json:"userAvatar,omitempty"`
}

// Pending 判断是否为尚未确认的乐观消息。
func (m Message) Pending() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

func newTempID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s%d-%s", TempIDPrefix, now.UnixMilli(), suffix)
}

// TruncateText 把 s 截断到 MaxTextLength 个字符以内。
func TruncateText(s string) string {
	if utf8.RuneCountInString(s) <= MaxTextLength {
		return s
	}
	return string([]rune(s)[:MaxTextLength])
}

// EventType 是实时事件的类型标签。
type EventType string

const (
	EventConnected EventType = "connected"
	EventCreate    EventType = "create"
	EventPing      EventType = "ping"
	EventPong      EventType = "pong"
)

// Event 是 Subscriber 推送的实时事件，仅 EventCreate 携带 Message。
type Event struct {
	Type    EventType
	Message *Message
}
