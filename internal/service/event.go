package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"mappl/internal/metrics"
	"mappl/internal/models"
	"mappl/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CodeLength 是自动生成的活动房间码长度。
const CodeLength = 10

// FileRemover 删除活动封面等已上传文件，由 storage.Bucket 实现。
type FileRemover interface {
	Delete(id string) error
}

// EventService 封装活动的增删改查与加入/退出。
type EventService struct {
	db    *gorm.DB
	files FileRemover
}

func NewEventService(db *gorm.DB, files FileRemover) *EventService {
	return &EventService{db: db, files: files}
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// EventDTO 是对外输出的活动数据。
type EventDTO struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    Location  `json:"location"`
	Joiners     []string  `json:"joiners"`
	ImageURL    string    `json:"imageUrl"`
	Code        string    `json:"code"`
	Date        time.Time `json:"date"`
	CreatorID   string    `json:"creatorId"`
	Genres      []string  `json:"genre"`
}

// EventInput 是创建活动的入参。
type EventInput struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    Location  `json:"location"`
	ImageURL    string    `json:"imageUrl"`
	Code        string    `json:"code"`
	Date        time.Time `json:"date"`
	Genres      []string  `json:"genre"`
}

// EventPatch 中为 nil 的字段保持原值。
type EventPatch struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Location    *Location  `json:"location"`
	ImageURL    *string    `json:"imageUrl"`
	Date        *time.Time `json:"date"`
	Genres      *[]string  `json:"genre"`
}

// EventFilter 对应列表接口的查询参数，多个条件取交集。
type EventFilter struct {
	CreatorID string
	JoinedBy  string
	Code      string
}

func toEventDTO(e models.Event) EventDTO {
	genres := []string(e.Genres)
	if genres == nil {
		genres = []string{}
	}
	return EventDTO{
		ID:          e.ID,
		Title:       e.Title,
		Description: e.Description,
		Location:    Location{Lat: e.Lat, Lng: e.Lng},
		Joiners:     e.JoinerIDs(),
		ImageURL:    e.ImageURL,
		Code:        e.Code,
		Date:        e.Date,
		CreatorID:   e.CreatorID,
		Genres:      genres,
	}
}

func preloadJoiners(db *gorm.DB) *gorm.DB {
	return db.Order("event_joiners.created_at, event_joiners.id")
}

// GenerateCode 生成 10 位大写房间码。
func GenerateCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:CodeLength]
}

func validLocation(l Location) bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// List 按过滤条件返回活动，按日期升序。
func (s *EventService) List(ctx context.Context, f EventFilter) ([]EventDTO, error) {
	q := s.db.WithContext(ctx).Model(&models.Event{}).Preload("Joiners", preloadJoiners)
	if f.CreatorID != "" {
		q = q.Where("creator_id = ?", f.CreatorID)
	}
	if f.Code != "" {
		q = q.Where("code = ?", f.Code)
	}
	if f.JoinedBy != "" {
		q = q.Where("id IN (?)", s.db.Model(&models.EventJoiner{}).Select("event_id").Where("user_id = ?", f.JoinedBy))
	}
	var events []models.Event
	if err := q.Order("date, id").Find(&events).Error; err != nil {
		return nil, err
	}
	out := make([]EventDTO, 0, len(events))
	for _, e := range events {
		out = append(out, toEventDTO(e))
	}
	return out, nil
}

func (s *EventService) load(db *gorm.DB, where string, arg any) (*models.Event, error) {
	var e models.Event
	if err := db.Preload("Joiners", preloadJoiners).Where(where, arg).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Get 按 ID 返回活动。
func (s *EventService) Get(ctx context.Context, id string) (*EventDTO, error) {
	e, err := s.load(s.db.WithContext(ctx), "id = ?", id)
	if err != nil {
		return nil, err
	}
	dto := toEventDTO(*e)
	return &dto, nil
}

// GetByCode 按房间码返回活动。
func (s *EventService) GetByCode(ctx context.Context, code string) (*EventDTO, error) {
	e, err := s.load(s.db.WithContext(ctx), "code = ?", code)
	if err != nil {
		return nil, err
	}
	dto := toEventDTO(*e)
	return &dto, nil
}

// Create 创建活动，创建者取自会话，未指定房间码时自动生成。
func (s *EventService) Create(ctx context.Context, creatorID string, in EventInput) (*EventDTO, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Code = strings.ToUpper(strings.TrimSpace(in.Code))
	if creatorID == "" || in.Title == "" || len(in.Title) > 256 || !validLocation(in.Location) {
		return nil, ErrInvalidEvent
	}
	if len(in.Code) > 64 {
		return nil, ErrInvalidEvent
	}
	if in.Code == "" {
		in.Code = GenerateCode()
	}
	e := models.Event{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Lat:         in.Location.Lat,
		Lng:         in.Location.Lng,
		Date:        in.Date,
		ImageURL:    in.ImageURL,
		Code:        in.Code,
		CreatorID:   creatorID,
		Genres:      datatypes.JSONSlice[string](in.Genres),
	}
	db := s.db.WithContext(ctx)
	var n int64
	if err := db.Model(&models.Event{}).Where("code = ?", e.Code).Count(&n).Error; err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrCodeTaken
	}
	if err := db.Create(&e).Error; err != nil {
		return nil, err
	}
	dto := toEventDTO(e)
	return &dto, nil
}

func canManage(e *models.Event, actorID string, isAdmin bool) bool {
	return isAdmin || (actorID != "" && e.CreatorID == actorID)
}

// Update 部分更新活动，仅创建者或管理员可操作；清空封面时同时删除不再被引用的已存文件。
func (s *EventService) Update(ctx context.Context, id, actorID string, isAdmin bool, p EventPatch) (*EventDTO, error) {
	db := s.db.WithContext(ctx)
	e, err := s.load(db, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if !canManage(e, actorID, isAdmin) {
		return nil, ErrForbidden
	}
	oldImage := e.ImageURL
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		if t == "" || len(t) > 256 {
			return nil, ErrInvalidEvent
		}
		e.Title = t
	}
	if p.Description != nil {
		e.Description = *p.Description
	}
	if p.Location != nil {
		if !validLocation(*p.Location) {
			return nil, ErrInvalidEvent
		}
		e.Lat, e.Lng = p.Location.Lat, p.Location.Lng
	}
	if p.ImageURL != nil {
		e.ImageURL = *p.ImageURL
	}
	if p.Date != nil {
		e.Date = *p.Date
	}
	if p.Genres != nil {
		e.Genres = datatypes.JSONSlice[string](*p.Genres)
	}
	if err := db.Omit("Joiners").Save(e).Error; err != nil {
		return nil, err
	}
	if p.ImageURL != nil && *p.ImageURL == "" && oldImage != "" {
		s.removeFile(db, oldImage, e.ID)
	}
	dto := toEventDTO(*e)
	return &dto, nil
}

// Delete 删除活动并级联删除封面文件、房间消息与加入记录。
func (s *EventService) Delete(ctx context.Context, id, actorID string, isAdmin bool) error {
	db := s.db.WithContext(ctx)
	e, err := s.load(db, "id = ?", id)
	if err != nil {
		return err
	}
	if !canManage(e, actorID, isAdmin) {
		return ErrForbidden
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("code = ?", e.Code).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("event_id = ?", e.ID).Delete(&models.EventJoiner{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Event{}, "id = ?", e.ID).Error
	})
	if err != nil {
		return err
	}
	if e.ImageURL != "" {
		s.removeFile(db, e.ImageURL, e.ID)
	}
	return nil
}

// removeFile 删除 owner 不再使用的封面文件；仍被其他活动引用时保留。
func (s *EventService) removeFile(db *gorm.DB, url, owner string) {
	id, ok := storage.ParseFileURL(url)
	if !ok || s.files == nil {
		return
	}
	var refs int64
	if err := db.Model(&models.Event{}).Where("image_url = ? AND id <> ?", url, owner).Count(&refs).Error; err != nil {
		log.Warn().Err(err).Str("file_id", id).Msg("check event image references")
		return
	}
	if refs > 0 {
		return
	}
	if err := s.files.Delete(id); err != nil {
		log.Warn().Err(err).Str("file_id", id).Msg("delete event image")
	}
}

// Join 把用户加入活动，已加入时返回 ErrAlreadyJoined。
func (s *EventService) Join(ctx context.Context, id, userID string) (*EventDTO, error) {
	if userID == "" {
		return nil, ErrForbidden
	}
	db := s.db.WithContext(ctx)
	e, err := s.load(db, "id = ?", id)
	if err != nil {
		return nil, err
	}
	for _, j := range e.Joiners {
		if j.UserID == userID {
			return nil, ErrAlreadyJoined
		}
	}
	if err := db.Create(&models.EventJoiner{EventID: e.ID, UserID: userID}).Error; err != nil {
		// 并发加入时由唯一索引兜底。
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyJoined
		}
		return nil, err
	}
	metrics.EventJoinsTotal.Inc()
	return s.Get(ctx, id)
}

// Leave 退出活动，创建者不能退出自己的活动。
func (s *EventService) Leave(ctx context.Context, id, userID string) (*EventDTO, error) {
	db := s.db.WithContext(ctx)
	e, err := s.load(db, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if e.CreatorID == userID {
		return nil, ErrCreatorCannotLeave
	}
	res := db.Where("event_id = ? AND user_id = ?", e.ID, userID).Delete(&models.EventJoiner{})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotJoined
	}
	return s.Get(ctx, id)
}

// IsMember 判断用户是否为房间码对应活动的创建者或加入者。
func (s *EventService) IsMember(ctx context.Context, code, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	e, err := s.load(s.db.WithContext(ctx), "code = ?", code)
	if err != nil {
		return false, err
	}
	if e.CreatorID == userID {
		return true, nil
	}
	for _, j := range e.Joiners {
		if j.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}
