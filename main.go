package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/taskhive/chatcore/global"
	"github.com/taskhive/chatcore/logger"
	chatstore "github.com/taskhive/chatcore/module/chat/store"
	"github.com/taskhive/chatcore/service/auth"
	"github.com/taskhive/chatcore/service/broker"
	"github.com/taskhive/chatcore/service/chat"
	"github.com/taskhive/chatcore/service/presence"
	"github.com/taskhive/chatcore/tools/ids"
)

func main() {
	cfg, err := global.Load()
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	ids.SetNodeID(cfg.NodeID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Errorf("store init: %v", err)
		os.Exit(1)
	}

	var producer broker.Producer
	var consumer broker.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		k, err := broker.NewKafka(broker.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroupID,
		})
		if err != nil {
			logger.Errorf("kafka init: %v", err)
			os.Exit(1)
		}
		producer, consumer = k, k
	} else {
		m := broker.NewMemory(int(cfg.KafkaPartitions), 1024)
		producer, consumer = m, m
	}

	var bus broker.Bus
	if len(cfg.NatsServers) > 0 {
		nb, err := broker.NewNatsBus(broker.NatsConfig{Servers: cfg.NatsServers, Name: "chatcore"})
		if err != nil {
			logger.Errorf("nats init: %v", err)
			os.Exit(1)
		}
		bus = nb
	} else {
		bus = broker.NewMemoryBus()
	}

	var tracker presence.Tracker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Errorf("redis ping: %v", err)
			os.Exit(1)
		}
		tracker = presence.NewRedis(rdb)
	} else {
		tracker = presence.NewMemory()
	}

	registry := chat.NewRegistry(st)
	orch := chat.NewOrchestrator(chat.OrchestratorConfig{
		MaxBodyBytes:  cfg.MaxBodyBytes,
		ReorderWindow: cfg.ReorderWindow,
		GapWait:       cfg.GapWait,
	}, st, producer, registry, bus)

	if err := orch.Start(ctx); err != nil {
		logger.Errorf("orchestrator start: %v", err)
		os.Exit(1)
	}
	if err := consumer.Start(ctx, orch.PersistHandler); err != nil {
		logger.Errorf("consumer start: %v", err)
		os.Exit(1)
	}

	var binding auth.Binding
	if cfg.JWTSecret != "" {
		binding = auth.NewJWTBinding([]byte(cfg.JWTSecret))
	} else {
		logger.Warn("no jwt secret configured; static dev binding active")
		binding = &auth.Static{Users: map[string]string{"dev": "dev-user"}}
	}

	gw := chat.NewGateway(chat.GatewayConfig{
		SendQueueSize: cfg.SendQueueSize,
	}, binding, orch, registry, tracker, bus)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	gw.Routes(r)

	go func() {
		logger.Infof("chatcore listening on %s", cfg.ListenAddr)
		if err := r.Run(cfg.ListenAddr); err != nil {
			logger.Errorf("http server: %v", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Infof("shutting down on %v", s)
	case <-ctx.Done():
	}
	cancel()
	_ = consumer.Close()
	_ = bus.Close()
}

func buildStore(ctx context.Context, cfg *global.AppConfig) (chatstore.Store, error) {
	if cfg.MongoURI == "" {
		return chatstore.NewMemory(), nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, err
	}
	st := chatstore.NewMongo(client.Database(cfg.MongoDB))
	if err := st.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return st, nil
}
