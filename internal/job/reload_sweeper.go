package job

import (
	"context"
	"time"

	"creditledger/internal/repository"
	"creditledger/internal/service"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReloadScheduler 后台充值投递，生产实现为 service.ReloadService
type ReloadScheduler interface {
	Schedule(orgID, appID, trigger string) bool
}

// ReloadSweeper 低余额补偿任务
//
// 扣费后投递的后台充值可能因为队列满、进程重启或扣卡失败而丢失，
// 定期扫描 payg 且低于阈值的账户重新投递。重复投递由充值锁和锁内复查兜底。
type ReloadSweeper struct {
	accountRepo *repository.AccountRepository
	reloads     ReloadScheduler
	logger      *zap.Logger
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewReloadSweeper(db *gorm.DB, reloads ReloadScheduler, interval time.Duration, logger *zap.Logger) *ReloadSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReloadSweeper{
		accountRepo: repository.NewAccountRepository(db),
		reloads:     reloads,
		logger:      logger.Named("reload_sweeper"),
		stopCh:      make(chan struct{}),
		interval:    interval,
		batchSize:   100,
	}
}

func (j *ReloadSweeper) Start(ctx context.Context) {
	j.logger.Info("低余额补偿任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("任务停止")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

func (j *ReloadSweeper) Stop() {
	close(j.stopCh)
}

// Sweep 扫描一批低余额账户并投递后台充值，返回投递成功的数量
func (j *ReloadSweeper) Sweep(ctx context.Context) int {
	accounts, err := j.accountRepo.ListReloadCandidates(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("查询低余额账户失败", zap.Error(err))
		return 0
	}
	if len(accounts) == 0 {
		return 0
	}

	scheduled := 0
	for _, account := range accounts {
		if j.reloads.Schedule(account.OrgID, account.AppID, service.ReloadTriggerSweep) {
			scheduled++
		}
	}

	j.logger.Info("低余额账户已投递充值",
		zap.Int("found", len(accounts)),
		zap.Int("scheduled", scheduled))
	return scheduled
}
