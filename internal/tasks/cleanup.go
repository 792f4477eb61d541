package tasks

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultCleanupSpec 每天凌晨 3 点执行。
const DefaultCleanupSpec = "0 3 * * *"

// ExpiredDeleter 删除过期记录并返回条数，由 auth.Sessions 实现。
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// SessionCleaner 定时清理过期或已撤销的会话。
type SessionCleaner struct {
	repo ExpiredDeleter
	cron *cron.Cron
}

func NewSessionCleaner(repo ExpiredDeleter) *SessionCleaner {
	return &SessionCleaner{repo: repo, cron: cron.New()}
}

// Start 注册定时任务并启动调度器。
func (t *SessionCleaner) Start(spec string) error {
	if spec == "" {
		spec = DefaultCleanupSpec
	}
	if _, err := t.cron.AddFunc(spec, t.RunOnce); err != nil {
		return err
	}
	t.cron.Start()
	log.Info().Str("spec", spec).Msg("session cleaner scheduled")
	return nil
}

// RunOnce 执行一次清理，失败只记录日志。
func (t *SessionCleaner) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	n, err := t.repo.DeleteExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("session cleanup failed")
		return
	}
	log.Info().Int64("deleted", n).Msg("session cleanup done")
}

// Stop 停止调度并等待正在执行的任务结束。
func (t *SessionCleaner) Stop() {
	<-t.cron.Stop().Done()
}
