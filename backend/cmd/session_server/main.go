package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"puzzleCollab/backend/internal/audit"
	"puzzleCollab/backend/internal/backplane"
	"puzzleCollab/backend/internal/bridge"
	"puzzleCollab/backend/internal/cache"
	"puzzleCollab/backend/internal/identity"
	"puzzleCollab/backend/internal/lock"
	"puzzleCollab/backend/internal/roomdir"
	"puzzleCollab/backend/internal/session"
	"puzzleCollab/backend/internal/signaling"
	"puzzleCollab/backend/internal/store"
	"puzzleCollab/backend/internal/throttle"
	"puzzleCollab/backend/internal/ws"
)

type SessionConfig struct {
	Running struct {
		Port       int `mapstructure:"port"`
		BinaryPort int `mapstructure:"binaryPort"`
	} `mapstructure:"running"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Session struct {
		Namespace       string   `mapstructure:"namespace"`
		LockTTLSeconds  int      `mapstructure:"lockTtlSeconds"`
		ThrottleTickMS  int      `mapstructure:"throttleTickMs"`
		PresenceSeconds int      `mapstructure:"presenceTtlSeconds"`
		IceServers      []string `mapstructure:"iceServers"`
		ClosedRooms     []string `mapstructure:"closedRooms"`
	} `mapstructure:"session"`
}

func initConfig() (*SessionConfig, error) {
	cfg := &SessionConfig{}
	v := viper.New()
	v.SetConfigName("sessionConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: %+v", cfg)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 实例标识：背板信封用它识别“自己发的”，审计事件用它定位来源
	instanceID := xid.New().String()
	log.Printf("instance id: %s", instanceID)

	// === 共享存储：配了 Redis 用 Redis，否则单机内存模式（无跨实例能力）===
	var st store.Store
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err = rdb.Ping(rootCtx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
		st = store.NewRedisStore(rdb, 2*time.Second)
		presence = cache.NewRedisPresence(rdb)
	} else {
		log.Printf("no redis configured, running single-instance with in-memory store")
		st = store.NewMemoryStore()
	}

	// === 初始化 Kafka Producer（审计链路，可选）===
	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		defer producer.Close()
	}

	sink := audit.NewDispatcher(producer, cfg.Kafka.Topic, instanceID, audit.NewSendGate(), audit.DispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})

	locks := lock.NewManager(st, time.Duration(cfg.Session.LockTTLSeconds)*time.Second, sink)
	fanout := backplane.NewFanout(st, cfg.Session.Namespace, instanceID, sink)
	pipeline := throttle.NewPipeline(time.Duration(cfg.Session.ThrottleTickMS) * time.Millisecond)
	dir := roomdir.NewStaticDirectory(cfg.Session.ClosedRooms)

	coord := session.NewCoordinator(session.Options{
		InstanceID:  instanceID,
		IceServers:  cfg.Session.IceServers,
		PresenceTTL: time.Duration(cfg.Session.PresenceSeconds) * time.Second,
	}, locks, fanout, presence, dir, pipeline, sink)

	if err := coord.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}

	relay := signaling.NewRelay(coord)
	resolver := identity.NewJWTResolver(cfg.Auth.Secret)

	manager := ws.NewManager(coord, relay, resolver)
	legacy := bridge.NewLegacyAdapter(coord, relay, resolver)
	binsrv := bridge.NewBinaryServer(coord, relay, resolver)

	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost", "http://127.0.0.1"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	// 路由
	sess := r.Group("/session")
	sess.GET("/ws", manager.WebSocketConnect)
	sess.GET("/legacy", legacy.WebSocketConnect)
	sess.GET("/healthz", func(c *gin.Context) {
		status := gin.H{"message": "ok"}
		if fanout.Degraded() {
			// 降级信号必须让运维看得到
			status["backplane"] = "degraded"
		}
		if presence != nil {
			// 全集群视角的活跃房间数（presence 是唯一的全实例并集）
			if rooms, err := presence.GetRooms(c.Request.Context()); err == nil {
				status["activeRooms"] = len(rooms)
			}
		}
		c.JSON(200, status)
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		log.Printf("http listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Running.BinaryPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		log.Printf("binary protocol listening on %s", addr)
		return binsrv.Serve(gctx, ln)
	})

	g.Go(func() error {
		<-gctx.Done()
		// 排水顺序：停接新连接 → 断存量连接 → 退订背板 → 冲审计队列
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		binsrv.Close()
		coord.Shutdown(shutdownCtx)
		sink.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("shutdown complete")
}
