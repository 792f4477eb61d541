package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mappl/internal/auth"
	"mappl/internal/config"
	clog "mappl/internal/log"
	"mappl/internal/metrics"
	"mappl/internal/mw"
	"mappl/internal/realtime"
	"mappl/internal/service"
	"mappl/internal/storage"
	"mappl/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps 是构建路由所需的全部依赖，由 main 组装后注入。Limiter 为空时使用一个不做回收的默认限速器。
type Deps struct {
	Config    config.Config
	DB        *gorm.DB
	Hub       *ws.Hub
	Publisher realtime.Publisher
	Sessions  *auth.Sessions
	Providers auth.Providers
	Bucket    *storage.Bucket
	Limiter   *mw.RL
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(d Deps) *gin.Engine {
	users := service.NewUserService(d.DB)
	var files service.FileRemover
	if d.Bucket != nil {
		files = d.Bucket
	}
	events := service.NewEventService(d.DB, files)
	messages := service.NewMessageService(d.DB, users, events, d.Publisher)
	h := NewHandler(d.Config, d.Sessions, d.Providers, d.Bucket, users, events, messages)

	limiter := d.Limiter
	if limiter == nil {
		limiter = mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(clog.GinLogger())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(d.Config.Env, d.Config.PublicURL))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	// 先识别会话，限速才能按用户计数
	api.Use(auth.Optional(d.Sessions), limiter.Middleware())

	api.GET("/auth/oauth", h.OAuthStart)
	api.GET("/auth/oauth/callback", h.OAuthCallback)
	api.GET("/users/:id", h.GetUser)
	api.GET("/events", h.ListEvents)
	api.GET("/events/:id", h.GetEvent)
	api.GET("/messages", h.ListMessages)
	api.GET("/files/:id", h.ServeFile)

	authed := api.Group("")
	authed.Use(auth.Required(d.Sessions))

	authed.POST("/auth/logout", h.Logout)
	authed.GET("/auth/me", h.Me)
	authed.POST("/users/upsert", h.UpsertUser)
	authed.POST("/events", h.CreateEvent)
	authed.PUT("/events/:id", h.UpdateEvent)
	authed.DELETE("/events/:id", h.DeleteEvent)
	authed.POST("/events/:id/join", h.JoinEvent)
	authed.POST("/events/:id/leave", h.LeaveEvent)
	authed.POST("/messages", h.SendMessage)
	authed.POST("/upload", h.Upload)

	r.GET("/ws", ws.Serve(d.Hub, d.Sessions, events))

	serveWeb(r, d.Config.WebDir)
	return r
}

// serveWeb 在存在前端构建产物时托管静态文件，未知路径回落到 index.html。
func serveWeb(r *gin.Engine, distDir string) {
	if distDir == "" {
		return
	}
	if _, err := os.Stat(filepath.Join(distDir, "index.html")); err != nil {
		return
	}
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		rel := strings.TrimPrefix(filepath.Clean("/"+c.Request.URL.Path), "/")
		if strings.HasPrefix(rel, "api/") || rel == "metrics" || rel == "healthz" || rel == "ws" {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if rel != "" {
			target := filepath.Join(distDir, rel)
			if fi, err := os.Stat(target); err == nil && !fi.IsDir() {
				c.File(target)
				return
			}
			if strings.Contains(filepath.Base(rel), ".") {
				c.Status(http.StatusNotFound)
				return
			}
		}
		c.File(filepath.Join(distDir, "index.html"))
	})
}
