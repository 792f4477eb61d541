package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"mappl/internal/auth"
	"mappl/internal/config"
	"mappl/internal/db"
	clog "mappl/internal/log"
	"mappl/internal/mw"
	"mappl/internal/realtime"
	"mappl/internal/server"
	"mappl/internal/storage"
	"mappl/internal/tasks"
	"mappl/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志与各项依赖，并在收到信号后优雅退出。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	bucket, err := storage.NewBucket(cfg.BucketDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open bucket")
	}

	hub := ws.NewHub()
	defer hub.Close()

	var pub realtime.Publisher = realtime.NewLocalPublisher(hub)
	if cfg.RedisURL != "" {
		rdb, err := realtime.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		defer rdb.Close()
		rp := realtime.NewRedisPublisher(rdb, hub)
		go func() {
			if err := rp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("redis fan-out stopped")
			}
		}()
		pub = rp
		log.Info().Msg("realtime fan-out via redis")
	}

	sessions := auth.NewSessions(gdb, cfg.JWTSecret, time.Duration(cfg.SessionTTLHours)*time.Hour)
	providers := auth.Providers{}
	redirect := cfg.PublicURL + server.OAuthCallbackPath
	if cfg.GoogleClientID != "" {
		g, err := auth.NewGoogleProvider(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, redirect)
		if err != nil {
			log.Fatal().Err(err).Msg("google oauth setup")
		}
		providers[g.Name()] = g
	}
	if cfg.GitHubClientID != "" {
		gh := auth.NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret, redirect)
		providers[gh.Name()] = gh
	}
	if len(providers) == 0 {
		log.Warn().Msg("no oauth provider configured, sign-in is disabled")
	}

	cleaner := tasks.NewSessionCleaner(sessions)
	if err := cleaner.Start(tasks.DefaultCleanupSpec); err != nil {
		log.Fatal().Err(err).Msg("schedule session cleanup")
	}
	defer cleaner.Stop()

	// 控制单个访问者+路由的速率。
	_, limiter := mw.RateLimit(rate.Every(time.Second/20), 40)
	defer limiter.Stop()

	r := server.SetupRouter(server.Deps{
		Config:    cfg,
		DB:        gdb,
		Hub:       hub,
		Publisher: pub,
		Sessions:  sessions,
		Providers: providers,
		Bucket:    bucket,
		Limiter:   limiter,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting mappl server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// websocket 连接已被劫持，Shutdown 不会等待它们，先关闭 Hub 让客户端收到关闭帧
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}
