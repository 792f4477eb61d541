package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"mappl/internal/auth"
	"mappl/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// OAuthCallbackPath 需要在各身份提供方后台登记为回调地址。
const OAuthCallbackPath = "/api/v1/auth/oauth/callback"

const (
	stateTTL      = 10 * time.Minute
	authErrorPath = "/auth"
)

func (h *Handler) secureCookies() bool {
	return strings.HasPrefix(h.cfg.PublicURL, "https://")
}

func (h *Handler) setCookie(c *gin.Context, name, value, path string, expires time.Time) {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   h.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	}
	if expires.IsZero() {
		ck.MaxAge = -1
	} else {
		ck.Expires = expires
	}
	http.SetCookie(c.Writer, ck)
}

// encodeState 以 "state|provider|next" 的形式保存在 cookie 中。
func encodeState(state, provider, next string) string {
	return state + "|" + provider + "|" + url.QueryEscape(next)
}

func decodeState(v string) (state, provider, next string, ok bool) {
	parts := strings.SplitN(v, "|", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	next, err := url.QueryUnescape(parts[2])
	if err != nil {
		return "", "", "", false
	}
	return parts[0], parts[1], next, true
}

func authError(c *gin.Context, reason string) {
	c.Redirect(http.StatusFound, authErrorPath+"?error="+url.QueryEscape(reason))
}

// OAuthStart 跳转到身份提供方的授权页。
func (h *Handler) OAuthStart(c *gin.Context) {
	p, err := h.providers.Get(c.Query("provider"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state := auth.NewState()
	next := auth.SafeNext(c.Query("next"))
	h.setCookie(c, auth.StateCookie, encodeState(state, p.Name(), next), "/api/v1/auth", time.Now().Add(stateTTL))
	c.Redirect(http.StatusFound, p.AuthCodeURL(state))
}

// OAuthCallback 完成授权码交换，写入用户资料并建立会话。
func (h *Handler) OAuthCallback(c *gin.Context) {
	raw, err := c.Cookie(auth.StateCookie)
	h.setCookie(c, auth.StateCookie, "", "/api/v1/auth", time.Time{})
	if err != nil {
		authError(c, "missing_state")
		return
	}
	state, provider, next, ok := decodeState(raw)
	if !ok || state == "" || state != c.Query("state") {
		authError(c, "invalid_state")
		return
	}
	if e := c.Query("error"); e != "" {
		authError(c, e)
		return
	}
	code := c.Query("code")
	if code == "" {
		authError(c, "missing_code")
		return
	}
	p, err := h.providers.Get(provider)
	if err != nil {
		authError(c, "unknown_provider")
		return
	}

	ctx := c.Request.Context()
	prof, err := p.Exchange(ctx, code)
	if err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("oauth exchange failed")
		authError(c, "exchange_failed")
		return
	}
	upd := service.UserUpdate{Provider: prof.Provider}
	if prof.Name != "" {
		upd.Name = &prof.Name
	}
	if prof.Email != "" {
		upd.Email = &prof.Email
	}
	if prof.AvatarURL != "" {
		upd.AvatarURL = &prof.AvatarURL
	}
	if _, _, err := h.userSvc.Upsert(ctx, prof.ID, upd); err != nil {
		log.Error().Err(err).Str("user_id", prof.ID).Msg("oauth upsert user")
		authError(c, "server_error")
		return
	}
	token, exp, err := h.sessions.Create(ctx, prof.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", prof.ID).Msg("oauth create session")
		authError(c, "server_error")
		return
	}
	h.setCookie(c, auth.SessionCookie, token, "/", exp)
	log.Info().Str("user_id", prof.ID).Str("provider", provider).Msg("user signed in")
	c.Redirect(http.StatusFound, auth.SafeNext(next))
}

// Logout 撤销当前会话并清除 cookie。
func (h *Handler) Logout(c *gin.Context) {
	if err := h.sessions.Revoke(c.Request.Context(), auth.GetSessionID(c)); err != nil {
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Msg("logout")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	h.setCookie(c, auth.SessionCookie, "", "/", time.Time{})
	c.Status(http.StatusNoContent)
}
