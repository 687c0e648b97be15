package main

import (
	"context"
	"log"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yamato-dev/linedesk/config"
	"github.com/yamato-dev/linedesk/internal/consumer"
	"github.com/yamato-dev/linedesk/internal/handlers"
	"github.com/yamato-dev/linedesk/internal/pkg/jobs"
	"github.com/yamato-dev/linedesk/internal/pkg/line"
	redispkg "github.com/yamato-dev/linedesk/internal/pkg/redis"
	"github.com/yamato-dev/linedesk/internal/repositories"
	"github.com/yamato-dev/linedesk/internal/routers"
	"github.com/yamato-dev/linedesk/internal/services"
	"github.com/yamato-dev/linedesk/internal/storage"
	logger "github.com/yamato-dev/linedesk/middleware/log"
	"github.com/yamato-dev/linedesk/pkg/mq"
	"github.com/yamato-dev/linedesk/pkg/utils"
)

func main() {
	cfg, err := config.LoadConfig("./config.toml")
	if err != nil {
		log.Fatalf("配置初始化失败: %v", err)
	}

	// 初始化结构化日志
	appLogger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer appLogger.Sync()

	utils.SetJWTSecret(cfg.JWT.Secret)

	// 初始化 PostgreSQL
	dsn := storage.BuildDSN(cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName)
	postgres, err := storage.InitPostgres(dsn, cfg.Postgres.MaxIdleConns, cfg.Postgres.MaxOpenConns)
	if err != nil {
		log.Fatalf("postgres 初始化失败: %v", err)
	}

	// 初始化 Redis
	cache, err := redispkg.NewClient(&cfg.Redis)
	if err != nil {
		log.Fatalf("redis 初始化失败: %v", err)
	}
	defer cache.Close()

	// 初始化仓储层
	messageStore := repositories.NewMessageStore(postgres)
	tokenLedger := repositories.NewReplyTokenLedger(postgres)
	convRepo := repositories.NewConversationRepository(postgres)
	scheduledRepo := repositories.NewScheduledRepository(postgres)
	operatorRepo := repositories.NewOperatorRepository(postgres)

	// LINE Messaging API 客户端
	lineClient := line.NewClient(cfg.Line.APIBase, cfg.Line.ChannelToken, cfg.Line.RequestTimeout)

	// 初始化服务层
	dispatcher := services.NewDispatcher(lineClient, tokenLedger, messageStore, convRepo, appLogger)
	resolver := services.NewQuotedResolver(messageStore)
	historyService := services.NewHistory(messageStore, resolver)
	pollingService := services.NewPolling(convRepo, messageStore)
	ingestService := services.NewIngest(messageStore, tokenLedger, convRepo, appLogger)
	authService := services.NewAuth(operatorRepo)

	// 初始化任务调度器，预约消息通过它计时
	scheduler, err := jobs.NewScheduler(postgres, appLogger, cfg.Jobs.PollInterval, cfg.Jobs.BatchSize)
	if err != nil {
		log.Fatalf("任务调度器初始化失败: %v", err)
	}
	scheduledService := services.NewScheduled(scheduledRepo, scheduler, dispatcher, appLogger)
	scheduler.RegisterHandler(services.JobRefScheduledSend, func(ctx context.Context, args string) error {
		id, err := strconv.ParseInt(args, 10, 64)
		if err != nil {
			return err
		}
		return scheduledService.OnFire(ctx, id)
	})
	scheduler.Start()
	defer scheduler.Stop()

	// 初始化 Kafka Producer
	kafkaProducer, err := mq.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		log.Printf("Kafka 生产者初始化失败: %v。系统将以降级模式运行（webhook 直接入库）。", err)
		kafkaProducer = nil
	} else {
		defer kafkaProducer.Close()
	}

	// 初始化 Kafka Consumer (如果 Kafka 可用)
	if kafkaProducer != nil {
		eventConsumer := consumer.NewEventConsumer(ingestService, cache)
		consumer.StartConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic, eventConsumer)
	}

	// 初始化处理器
	authHandler := handlers.NewAuthHandler(authService)
	chatHandler := handlers.NewChatHandler(dispatcher, historyService, pollingService, convRepo, cache)
	scheduledHandler := handlers.NewScheduledHandler(scheduledService)
	webhookHandler := handlers.NewWebhookHandler(cfg.Line.ChannelSecret, kafkaProducer, ingestService, cache)

	// 配置并创建 Gin 引擎
	gin.SetMode(cfg.Server.Mode)

	r := gin.Default()

	// 设置路由
	routers.SetupRoutes(r,
		authHandler,
		chatHandler,
		scheduledHandler,
		webhookHandler,
	)

	// 启动服务器
	log.Printf("正在启动服务器，监听端口 :%d\n", cfg.Server.Port)
	if err := r.Run(":" + strconv.FormatInt(int64(cfg.Server.Port), 10)); err != nil {
		log.Fatalf("启动服务器失败: %v", err)
	}
}
