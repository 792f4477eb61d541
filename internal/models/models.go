package models

import (
	"time"

	"gorm.io/datatypes"
)

// User 对应 OAuth 登录后的用户资料，ID 由提供方前缀加外部 ID 组成。
type User struct {
	ID        string `gorm:"primaryKey;size:128"`
	Provider  string `gorm:"size:32;not null"`
	Name      string `gorm:"size:128"`
	Email     string `gorm:"size:256;index"`
	AvatarURL string `gorm:"size:512"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event 是地图上的一个活动，Code 同时作为聊天房间的键。
type Event struct {
	ID          string `gorm:"primaryKey;size:36"`
	Title       string `gorm:"size:256;not null"`
	Description string `gorm:"type:text"`
	Lat         float64
	Lng         float64
	Date        time.Time                   `gorm:"index"`
	ImageURL    string                      `gorm:"size:512"`
	Code        string                      `gorm:"uniqueIndex;size:64;not null"`
	CreatorID   string                      `gorm:"index;size:128;not null"`
	Genres      datatypes.JSONSlice[string] `gorm:"type:json"`
	Joiners     []EventJoiner               `gorm:"foreignKey:EventID"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EventJoiner 记录加入关系，CreatedAt 决定展示顺序。
type EventJoiner struct {
	ID        uint   `gorm:"primaryKey"`
	EventID   string `gorm:"uniqueIndex:idx_event_user;size:36;not null"`
	UserID    string `gorm:"uniqueIndex:idx_event_user;index;size:128;not null"`
	CreatedAt time.Time
}

// Message 的 ID 为 ULID，按字典序即按时间排序。
type Message struct {
	ID         string    `gorm:"primaryKey;size:26"`
	Code       string    `gorm:"index;size:64;not null"`
	UserID     string    `gorm:"index;size:128;not null"`
	Text       string    `gorm:"type:text;not null"`
	UserName   string    `gorm:"size:128"`
	UserAvatar string    `gorm:"size:512"`
	CreatedAt  time.Time `gorm:"index"`
}

type Session struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"index;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}

// JoinerIDs 按加入顺序返回成员 ID。
func (e Event) JoinerIDs() []string {
	out := make([]string, 0, len(e.Joiners))
	for _, j := range e.Joiners {
		out = append(out, j.UserID)
	}
	return out
}
