package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentRelay/internal/api"
	"AgentRelay/internal/capability"
	"AgentRelay/internal/capability/builtin"
	"AgentRelay/internal/config"
	"AgentRelay/internal/dispatch"
	"AgentRelay/internal/observability/alerting"
	"AgentRelay/internal/orchestrator"
	"AgentRelay/internal/session"
	"AgentRelay/pkg/logger"
)

// main 是 AgentRelay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentrelayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTRELAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentrelay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditEnabled,
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	approvals, err := buildApprovalStore(cfg)
	if err != nil {
		return err
	}
	defer approvals.Close()

	registryOpts := []capability.Option{
		capability.WithApprovalStore(approvals),
		capability.WithAutoApprove(cfg.Registry.AutoApprove),
		capability.WithSources(builtin.Source()),
	}
	if cfg.Registry.ManifestDir != "" {
		registryOpts = append(registryOpts, capability.WithSources(
			capability.NewManifestSource(cfg.Registry.ManifestDir, nil),
		))
	}
	registry := capability.NewRegistry(registryOpts...)
	registry.Discover(ctx)

	ledger, err := buildLedger(cfg)
	if err != nil {
		return err
	}

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}

	var alerter alerting.Dispatcher
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	alerter = alerting.NewFanout(notifiers...)

	dispatcher := dispatch.NewDispatcher(registry, ledger, queue, queue,
		dispatch.WithWorkerCount(cfg.Queue.Worker),
		dispatch.WithAlertDispatcher(alerter),
	)
	defer dispatcher.Close()

	messages, err := buildMessageStore(cfg, dataDir)
	if err != nil {
		return err
	}
	defer messages.Close()

	machine := session.NewMachine("", messages,
		session.WithGuard(cfg.Session.GuardBurst, time.Duration(cfg.Session.GuardWindowMS)*time.Millisecond),
	)
	relay := orchestrator.New(machine, dispatcher,
		orchestrator.WithPollInterval(time.Duration(cfg.Session.PollIntervalMS)*time.Millisecond),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	go func() {
		if err := dispatcher.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("请求处理器异常退出: %v", err)
		}
	}()
	go func() {
		if err := relay.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("结果回收循环异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, dispatcher, registry)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildApprovalStore(cfg *config.Config) (capability.ApprovalStore, error) {
	switch cfg.Storage.Approvals.Driver {
	case "", "memory":
		return capability.NewMemoryApprovalStore(), nil
	case "redis":
		return capability.NewRedisApprovalStore(capability.RedisApprovalStoreConfig{
			Address:  cfg.Storage.Approvals.Redis.Address,
			Password: cfg.Storage.Approvals.Redis.Password,
			DB:       cfg.Storage.Approvals.Redis.DB,
			Key:      cfg.Storage.Approvals.Redis.Key,
		})
	default:
		return nil, fmt.Errorf("未知的批准存储驱动: %s", cfg.Storage.Approvals.Driver)
	}
}

func buildLedger(cfg *config.Config) (dispatch.Ledger, error) {
	switch cfg.Storage.Ledger.Driver {
	case "", "memory":
		return dispatch.NewMemoryLedger(), nil
	case "mysql":
		return dispatch.NewMySQLLedger(cfg.Storage.Ledger.DSN)
	default:
		return nil, fmt.Errorf("未知的台账驱动: %s", cfg.Storage.Ledger.Driver)
	}
}

func buildMessageStore(cfg *config.Config, dataDir string) (session.MessageStore, error) {
	switch cfg.Storage.Messages.Driver {
	case "", "memory":
		return session.NewMemoryMessageStore(dataDir)
	case "mysql":
		return session.NewMySQLMessageStore(cfg.Storage.Messages.DSN)
	default:
		return nil, fmt.Errorf("未知的消息存储驱动: %s", cfg.Storage.Messages.Driver)
	}
}

func buildQueue(cfg *config.Config) (dispatch.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return dispatch.NewMemoryQueue(1024), nil
	case "redis":
		return dispatch.NewRedisQueue(dispatch.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
