package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mappl/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionCookie 保存会话 token 的 HttpOnly cookie 名。
const SessionCookie = "mappl_session"

var ErrInvalidSession = errors.New("invalid session")

type Claims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func GenerateSessionToken(userID, sessionID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        sessionID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseSessionToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// Sessions 管理服务端会话记录，JWT 只携带会话 ID，登出即可立即失效。
type Sessions struct {
	db     *gorm.DB
	secret string
	ttl    time.Duration
}

func NewSessions(db *gorm.DB, secret string, ttl time.Duration) *Sessions {
	return &Sessions{db: db, secret: secret, ttl: ttl}
}

// Create 为用户新建会话并签发 token。
func (s *Sessions) Create(ctx context.Context, userID string) (string, time.Time, error) {
	sess := models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return "", time.Time{}, fmt.Errorf("create session: %w", err)
	}
	token, err := GenerateSessionToken(userID, sess.ID, s.secret, s.ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, sess.ExpiresAt, nil
}

// Validate 校验 token 签名并确认会话未撤销、未过期。
func (s *Sessions) Validate(ctx context.Context, token string) (*Claims, error) {
	claims, err := ParseSessionToken(token, s.secret)
	if err != nil {
		return nil, ErrInvalidSession
	}
	var sess models.Session
	err = s.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND revoked_at IS NULL AND expires_at > ?", claims.SessionID, claims.UserID, time.Now()).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Sessions) Revoke(ctx context.Context, sessionID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND revoked_at IS NULL", sessionID).
		Update("revoked_at", &now).Error
}

// DeleteExpired 清理过期或已撤销的会话，返回删除条数。
func (s *Sessions) DeleteExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ? OR revoked_at IS NOT NULL", time.Now()).
		Delete(&models.Session{})
	return res.RowsAffected, res.Error
}

// TokenFromRequest 依次从 Authorization 头、会话 cookie 与 token 查询参数中取 token。
func TokenFromRequest(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	if v, err := c.Cookie(SessionCookie); err == nil && v != "" {
		return v
	}
	return c.Query("token")
}

// Required 要求请求携带有效会话。
func Required(s *Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing session"})
			return
		}
		claims, err := s.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
			return
		}
		c.Set("userID", claims.UserID)
		c.Set("sessionID", claims.SessionID)
		c.Next()
	}
}

// Optional 有会话时注入用户信息，没有也放行。
func Optional(s *Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := TokenFromRequest(c); token != "" {
			if claims, err := s.Validate(c.Request.Context(), token); err == nil {
				c.Set("userID", claims.UserID)
				c.Set("sessionID", claims.SessionID)
			}
		}
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	return c.GetString("userID")
}

func GetSessionID(c *gin.Context) string {
	return c.GetString("sessionID")
}
