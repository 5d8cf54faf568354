package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/handler"
	"creditledger/internal/infrastructure/async"
	"creditledger/internal/infrastructure/cache"
	"creditledger/internal/infrastructure/database"
	"creditledger/internal/infrastructure/keys"
	"creditledger/internal/infrastructure/logger"
	"creditledger/internal/infrastructure/mq"
	"creditledger/internal/infrastructure/payment"
	"creditledger/internal/job"
	"creditledger/internal/service"
	"creditledger/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zlog := logger.New(&cfg.Log)
	defer zlog.Sync()

	// 初始化 ID 生成器
	idgen.Init(cfg.Server.WorkerID)

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		zlog.Fatal("连接 MySQL 失败", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zlog.Fatal("数据库迁移失败", zap.Error(err))
	}

	// 初始化 Redis
	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		zlog.Fatal("连接 Redis 失败", zap.Error(err))
	}
	defer redisClient.Close()

	// 初始化 Kafka
	producer, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		zlog.Fatal("连接 Kafka 失败", zap.Error(err))
	}
	defer producer.Close()

	gateway := payment.NewStripeGateway(keys.NewStaticResolver(cfg.Keys), payment.GatewayConfig{
		Provider:        cfg.Payment.Provider,
		WebhookProvider: cfg.Billing.WebhookSecretsProvider,
		Currency:        cfg.Payment.Currency,
		SuccessURL:      cfg.Payment.SuccessURL,
		CancelURL:       cfg.Payment.CancelURL,
		APIBaseURL:      cfg.Payment.APIBaseURL,
	}, zlog)

	queue := async.NewQueue(
		cfg.Billing.QueueSize,
		cfg.Billing.Workers,
		time.Duration(cfg.Billing.TaskTimeoutSeconds)*time.Second,
		zlog,
	)

	deps := service.Deps{
		DB:      db,
		Redis:   redisClient,
		Gateway: gateway,
		Tasks:   queue,
		Config:  cfg,
		Logger:  zlog,
	}
	reloadService := service.NewReloadService(deps)
	accountService := service.NewAccountService(deps, reloadService)
	deductionService := service.NewDeductionService(deps, reloadService)
	webhookService := service.NewWebhookService(deps)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg.Kafka.Topic.LedgerEvents, cfg.Business.MaxRetryCount, zlog)
	go outboxSender.Start(ctx)

	sweeper := job.NewReloadSweeper(db, reloadService, time.Duration(cfg.Billing.SweepIntervalSeconds)*time.Second, zlog)
	go sweeper.Start(ctx)

	// 设置路由
	h := handler.NewHandler(accountService, deductionService, webhookService, zlog)
	router := handler.SetupRouter(h, &cfg.Server, zlog)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("正在关闭服务...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("服务关闭异常", zap.Error(err))
	}
	sweeper.Stop()
	// 排空队列中的充值任务，它们产生的事件在退出前再投递一轮
	if err := queue.Close(shutdownCtx); err != nil {
		zlog.Error("后台任务未全部完成", zap.Error(err))
	}
	outboxSender.ProcessPending(shutdownCtx)
	cancel()

	zlog.Info("服务已关闭")
}
