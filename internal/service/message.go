package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"mappl/internal/metrics"
	"mappl/internal/models"
	"mappl/internal/realtime"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// 消息分页与长度限制。
const (
	DefaultMessageLimit = 30
	MaxMessageLimit     = 100
	MaxMessageLength    = 2048
)

// MessageService 封装房间消息的读取与发送。
type MessageService struct {
	db     *gorm.DB
	users  *UserService
	events *EventService
	pub    realtime.Publisher
}

func NewMessageService(db *gorm.DB, users *UserService, events *EventService, pub realtime.Publisher) *MessageService {
	return &MessageService{db: db, users: users, events: events, pub: pub}
}

// MessageDTO 是对外输出的消息数据，同时作为实时 create 事件的 payload。
type MessageDTO struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	UserID     string    `json:"userId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	UserName   string    `json:"userName,omitempty"`
	UserAvatar string    `json:"userAvatar,omitempty"`
}

func toMessageDTO(m models.Message) MessageDTO {
	return MessageDTO{
		ID:         m.ID,
		Code:       m.Code,
		UserID:     m.UserID,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
		UserName:   m.UserName,
		UserAvatar: m.UserAvatar,
	}
}

// ClampLimit 把分页大小限制在 1..MaxMessageLimit，非正数取默认值。
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}

// TruncateText 去掉首尾空白并按字符截断。
func TruncateText(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= MaxMessageLength {
		return text
	}
	r := []rune(text)
	return string(r[:MaxMessageLength])
}

// List 返回房间消息，最新的在前；cursor 为上一页最后一条消息的 ID。
func (s *MessageService) List(ctx context.Context, code string, limit int, cursor string) ([]MessageDTO, error) {
	if code == "" {
		return []MessageDTO{}, nil
	}
	q := s.db.WithContext(ctx).Where("code = ?", code)
	if cursor != "" {
		q = q.Where("id < ?", cursor)
	}
	var msgs []models.Message
	if err := q.Order("id desc").Limit(ClampLimit(limit)).Find(&msgs).Error; err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageDTO(m))
	}
	return out, nil
}

// Send 保存一条消息并向房间广播，发送者必须是活动创建者或加入者。
func (s *MessageService) Send(ctx context.Context, code, userID, text string) (*MessageDTO, error) {
	text = TruncateText(text)
	if code == "" || text == "" {
		return nil, ErrInvalidMessage
	}
	ok, err := s.events.IsMember(ctx, code, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}
	name, avatar, err := s.users.profile(ctx, userID)
	if err != nil {
		return nil, err
	}

	m := models.Message{
		ID:         ulid.Make().String(),
		Code:       code,
		UserID:     userID,
		Text:       text,
		UserName:   name,
		UserAvatar: avatar,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, err
	}
	metrics.MessagesSentTotal.Inc()

	dto := toMessageDTO(m)
	if s.pub != nil {
		// 推送失败不影响发送结果，客户端下次加载时仍能看到消息。
		payload, err := realtime.Encode(realtime.TypeCreate, dto)
		if err == nil {
			err = s.pub.Publish(ctx, code, payload)
		}
		if err != nil {
			log.Warn().Err(err).Str("code", code).Str("message_id", m.ID).Msg("publish message failed")
		}
	}
	return &dto, nil
}
