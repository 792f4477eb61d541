package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"mappl/internal/auth"
	"mappl/internal/config"
	"mappl/internal/service"
	"mappl/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	cfg       config.Config
	sessions  *auth.Sessions
	providers auth.Providers
	bucket    *storage.Bucket
	userSvc   *service.UserService
	eventSvc  *service.EventService
	msgSvc    *service.MessageService
}

func NewHandler(cfg config.Config, sessions *auth.Sessions, providers auth.Providers, bucket *storage.Bucket,
	userSvc *service.UserService, eventSvc *service.EventService, msgSvc *service.MessageService) *Handler {
	return &Handler{
		cfg:       cfg,
		sessions:  sessions,
		providers: providers,
		bucket:    bucket,
		userSvc:   userSvc,
		eventSvc:  eventSvc,
		msgSvc:    msgSvc,
	}
}

// statusOf 把业务错误映射为 HTTP 状态码，未知错误返回 0。
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrUserNotFound), errors.Is(err, service.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidEvent), errors.Is(err, service.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, service.ErrCodeTaken), errors.Is(err, service.ErrAlreadyJoined),
		errors.Is(err, service.ErrNotJoined), errors.Is(err, service.ErrCreatorCannotLeave):
		return http.StatusConflict
	}
	return 0
}

// fail 输出错误响应，未知错误记录日志并返回 500。
func fail(c *gin.Context, err error, op string) {
	if code := statusOf(err); code != 0 {
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	log.Error().Err(err).Str("op", op).Str("user_id", auth.GetUserID(c)).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}

// Me 返回当前登录用户。
func (h *Handler) Me(c *gin.Context) {
	u, err := h.userSvc.Get(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "get current user")
		return
	}
	c.JSON(http.StatusOK, u)
}

// UpsertUser 更新当前用户的资料，首次调用时创建。
func (h *Handler) UpsertUser(c *gin.Context) {
	var req struct {
		Name      *string `json:"name"`
		Email     *string `json:"email"`
		AvatarURL *string `json:"avatarUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > 128 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid name"})
			return
		}
		req.Name = &name
	}
	userID := auth.GetUserID(c)
	provider, _, _ := strings.Cut(userID, ":")
	u, created, err := h.userSvc.Upsert(c.Request.Context(), userID, service.UserUpdate{
		Provider:  provider,
		Name:      req.Name,
		Email:     req.Email,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		fail(c, err, "upsert user")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, u)
}

// GetUser 返回指定用户的公开资料。
func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.userSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err, "get user")
		return
	}
	c.JSON(http.StatusOK, u)
}

// ListEvents 处理活动列表请求，支持 creatorId、joinedBy、code 过滤。
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.eventSvc.List(c.Request.Context(), service.EventFilter{
		CreatorID: c.Query("creatorId"),
		JoinedBy:  c.Query("joinedBy"),
		Code:      c.Query("code"),
	})
	if err != nil {
		fail(c, err, "list events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events, "success": true})
}

func (h *Handler) GetEvent(c *gin.Context) {
	e, err := h.eventSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err, "get event")
		return
	}
	c.JSON(http.StatusOK, e)
}

// CreateEvent 创建活动，创建者固定为当前用户。
func (h *Handler) CreateEvent(c *gin.Context) {
	var in service.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	e, err := h.eventSvc.Create(c.Request.Context(), auth.GetUserID(c), in)
	if err != nil {
		fail(c, err, "create event")
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (h *Handler) UpdateEvent(c *gin.Context) {
	var p service.EventPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	userID := auth.GetUserID(c)
	e, err := h.eventSvc.Update(c.Request.Context(), c.Param("id"), userID, h.cfg.IsAdmin(userID), p)
	if err != nil {
		fail(c, err, "update event")
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handler) DeleteEvent(c *gin.Context) {
	userID := auth.GetUserID(c)
	if err := h.eventSvc.Delete(c.Request.Context(), c.Param("id"), userID, h.cfg.IsAdmin(userID)); err != nil {
		fail(c, err, "delete event")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) JoinEvent(c *gin.Context) {
	e, err := h.eventSvc.Join(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "join event")
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handler) LeaveEvent(c *gin.Context) {
	e, err := h.eventSvc.Leave(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "leave event")
		return
	}
	c.JSON(http.StatusOK, e)
}

// ListMessages 返回房间消息，最新的在前。
func (h *Handler) ListMessages(c *gin.Context) {
	limit := h.cfg.MessagePageSize
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	msgs, err := h.msgSvc.List(c.Request.Context(), c.Query("code"), limit, c.Query("cursor"))
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// SendMessage 保存消息并推送给房间订阅者。
func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Code   string `json:"code"`
		UserID string `json:"userId"`
		Text   string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	userID := auth.GetUserID(c)
	if req.UserID != "" && req.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "userId does not match session"})
		return
	}
	m, err := h.msgSvc.Send(c.Request.Context(), req.Code, userID, req.Text)
	if err != nil {
		fail(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, m)
}
