// Package main 脚本生成执行器入口（script-worker）
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"scriptflow-api/internal/application/script"
	"scriptflow-api/internal/application/webhook"
	"scriptflow-api/internal/config"
	"scriptflow-api/internal/infrastructure/llm"
	"scriptflow-api/internal/infrastructure/messaging"
	"scriptflow-api/internal/infrastructure/persistence/postgres"
	"scriptflow-api/internal/infrastructure/persistence/redis"
	"scriptflow-api/pkg/logger"
	"scriptflow-api/pkg/tracer"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	ctx := context.Background()

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "script-worker",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(ctx) }()

	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatal(ctx, "failed to init postgres", err)
	}
	defer func() { _ = pgClient.Close() }()

	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", err)
	}
	defer func() { _ = redisClient.Close() }()

	jobRepo := postgres.NewJobRepository(pgClient)
	subRepo := postgres.NewSubscriptionRepository(pgClient)
	txMgr := postgres.NewTxManager(pgClient)

	producer := messaging.NewProducer(redisClient.Redis(), int64(cfg.Messaging.RedisStream.MaxLen))

	factory := llm.NewEinoFactory(cfg)
	planner := script.NewPlanner(factory, cfg.Script.Outline)
	generator := script.NewGenerator(factory, cfg.Script)
	validator := script.NewValidator(cfg.Script.Quality)
	research := redis.NewResearchSignals(redisClient)

	notifier := webhook.NewNotifier(cfg.Webhook)
	dispatcher := webhook.NewDispatcher(subRepo, notifier)

	orchestrator := script.NewOrchestrator(cfg, jobRepo, txMgr, producer,
		planner, generator, validator, research, dispatcher)

	consumer := messaging.NewConsumer(redisClient.Redis(), messaging.ConsumerConfig{
		Stream:        messaging.StreamScriptGen,
		Group:         messaging.ConsumerGroupScriptWorker,
		ConsumerName:  hostnameConsumerName(),
		BlockTimeout:  cfg.Messaging.RedisStream.BlockTimeout,
		ClaimInterval: cfg.Messaging.RedisStream.ClaimInterval,
		RetryLimit:    cfg.Messaging.RedisStream.RetryLimit,
		Backoff: messaging.BackoffConfig{
			Initial:    cfg.Messaging.RedisStream.RetryBackoff.Initial,
			Max:        cfg.Messaging.RedisStream.RetryBackoff.Max,
			Multiplier: cfg.Messaging.RedisStream.RetryBackoff.Multiplier,
		},
	})

	consumer.RegisterHandler("script_gen", func(msgCtx context.Context, msg *messaging.Message) error {
		var payload messaging.ScriptJobMessage
		if err := msg.UnmarshalPayload(&payload); err != nil {
			return err
		}
		return orchestrator.Run(msgCtx, payload.JobID)
	})

	// 重试耗尽进入死信队列后，将任务终结为失败并通知订阅方
	consumer.OnDLQ(func(dlqCtx context.Context, msg *messaging.Message, cause error) {
		var payload messaging.ScriptJobMessage
		if err := msg.UnmarshalPayload(&payload); err != nil {
			logger.Error(dlqCtx, "failed to decode dlq message", err, "message_id", msg.ID)
			return
		}
		orchestrator.MarkFailedFromDLQ(dlqCtx, payload.JobID, cause)
	})

	if err := consumer.Start(ctx); err != nil {
		logger.Fatal(ctx, "failed to start consumer", err)
	}

	// 死信队列积压监控
	go consumer.MonitorDLQ(ctx, 100)

	log := logger.FromContext(ctx)
	log.Info("script-worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("script-worker shutting down")
	consumer.Stop()
}

func hostnameConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
