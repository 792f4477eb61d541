package service

import (
	"context"
	"errors"
	"time"

	"mappl/internal/models"

	"gorm.io/gorm"
)

// UserService 封装用户资料相关的业务逻辑。
type UserService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// UserDTO 是对外输出的用户资料，附带创建与加入的活动 ID。
type UserDTO struct {
	ID              string    `json:"userId"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	AvatarURL       string    `json:"avatarUrl"`
	CreatedEventIDs []string  `json:"createdEventIds"`
	JoinedEventIDs  []string  `json:"joinedEventIds"`
	CreatedAt       time.Time `json:"createdAt"`
}

// UserUpdate 中为 nil 的字段保持原值。
type UserUpdate struct {
	Provider  string
	Name      *string
	Email     *string
	AvatarURL *string
}

// Upsert 创建或更新用户，返回值 created 表示是否新建。
func (s *UserService) Upsert(ctx context.Context, userID string, in UserUpdate) (*UserDTO, bool, error) {
	if userID == "" {
		return nil, false, ErrUserNotFound
	}
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u models.User
		err := tx.First(&u, "id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created = true
			u = models.User{ID: userID, Provider: in.Provider}
			applyUserUpdate(&u, in)
			return tx.Create(&u).Error
		}
		if err != nil {
			return err
		}
		applyUserUpdate(&u, in)
		return tx.Save(&u).Error
	})
	if err != nil {
		return nil, false, err
	}
	dto, err := s.Get(ctx, userID)
	return dto, created, err
}

func applyUserUpdate(u *models.User, in UserUpdate) {
	if in.Name != nil {
		u.Name = *in.Name
	}
	if in.Email != nil {
		u.Email = *in.Email
	}
	if in.AvatarURL != nil {
		u.AvatarURL = *in.AvatarURL
	}
	if u.Provider == "" {
		u.Provider = in.Provider
	}
}

// Get 返回用户资料，不存在时返回 ErrUserNotFound。
func (s *UserService) Get(ctx context.Context, userID string) (*UserDTO, error) {
	db := s.db.WithContext(ctx)
	var u models.User
	if err := db.First(&u, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	created := []string{}
	if err := db.Model(&models.Event{}).Where("creator_id = ?", userID).Order("created_at").Pluck("id", &created).Error; err != nil {
		return nil, err
	}
	joined := []string{}
	if err := db.Model(&models.EventJoiner{}).Where("user_id = ?", userID).Order("created_at").Pluck("event_id", &joined).Error; err != nil {
		return nil, err
	}
	return &UserDTO{
		ID:              u.ID,
		Name:            u.Name,
		Email:           u.Email,
		AvatarURL:       u.AvatarURL,
		CreatedEventIDs: created,
		JoinedEventIDs:  joined,
		CreatedAt:       u.CreatedAt,
	}, nil
}

// profile 读取用户名与头像，用于消息反范式化；用户不存在时返回空值。
func (s *UserService) profile(ctx context.Context, userID string) (name, avatar string, err error) {
	var u models.User
	err = s.db.WithContext(ctx).Select("id", "name", "avatar_url").First(&u, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return u.Name, u.AvatarURL, nil
}
