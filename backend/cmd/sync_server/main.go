package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/crdt"
	"syncServer/backend/internal/event"
	"syncServer/backend/internal/gate"
	"syncServer/backend/internal/persist"
	"syncServer/backend/internal/room"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Engine struct {
		MaxConnections       int `mapstructure:"maxConnections"`
		MaxEncodedSizeBytes  int `mapstructure:"maxEncodedSizeBytes"`
		UpdateErrorTolerance int `mapstructure:"updateErrorTolerance"`
		IdleGraceSeconds     int `mapstructure:"idleGraceSeconds"`
		QuietWindowSeconds   int `mapstructure:"quietWindowSeconds"`
		MaxStalenessSeconds  int `mapstructure:"maxStalenessSeconds"`
		SnapshotIntervalSecs int `mapstructure:"snapshotIntervalSeconds"`
		SessionGapSeconds    int `mapstructure:"sessionGapSeconds"`
		JoinTimeoutSeconds   int `mapstructure:"joinTimeoutSeconds"`
		IdleTimeoutSeconds   int `mapstructure:"idleTimeoutSeconds"`
	} `mapstructure:"Engine"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
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

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	gormDB, err := store.OpenGorm(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to open gorm session: %v", err)
	}

	// presence 镜像是可见性，不参与同步正确性；redis 不可用时降级运行
	var presence cache.PresenceCache
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Printf("redis unavailable, presence mirror disabled: %v", err)
	} else {
		presence = cache.NewRedisPresence(rdb)
	}
	defer rdb.Close()

	// mutation 事件外发同理：kafka 不可用时只丢事件，不影响协同
	var events room.EventSink
	var dispatcher *event.Dispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Printf("kafka unavailable, mutation events disabled: %v", err)
		} else {
			defer producer.Close()
			dispatcher = event.NewDispatcher(producer, cfg.Kafka.Topic, event.NewSemaphoreControl(100), event.DispatcherOptions{
				QueueSize:   10_000,
				Workers:     4,
				MaxRetry:    3,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  1 * time.Second,
			})
			events = dispatcher
		}
	}

	schedCfg := persist.DefaultConfig()
	schedCfg.QuietWindow = seconds(cfg.Engine.QuietWindowSeconds, schedCfg.QuietWindow)
	schedCfg.MaxStaleness = seconds(cfg.Engine.MaxStalenessSeconds, schedCfg.MaxStaleness)
	schedCfg.SnapshotInterval = seconds(cfg.Engine.SnapshotIntervalSecs, schedCfg.SnapshotInterval)
	schedCfg.SessionGap = seconds(cfg.Engine.SessionGapSeconds, schedCfg.SessionGap)
	scheduler := persist.NewScheduler(persist.NewRealClock(), schedCfg)

	roomCfg := room.DefaultConfig()
	if cfg.Engine.MaxConnections > 0 {
		roomCfg.MaxConnections = cfg.Engine.MaxConnections
	}
	if cfg.Engine.MaxEncodedSizeBytes > 0 {
		roomCfg.MaxEncodedSize = cfg.Engine.MaxEncodedSizeBytes
	}
	if cfg.Engine.UpdateErrorTolerance > 0 {
		roomCfg.UpdateErrorTolerance = cfg.Engine.UpdateErrorTolerance
	}
	roomCfg.IdleGrace = seconds(cfg.Engine.IdleGraceSeconds, roomCfg.IdleGrace)

	registry := room.NewRegistry(
		crdt.NewOpSet(),
		store.NewStateStore(db),
		store.NewSnapshotStore(db),
		room.RegistryOptions{
			Events:    events,
			Scheduler: scheduler,
			Config:    roomCfg,
		},
	)

	authGate := gate.New(gate.NewJWTIdentity(cfg.Auth.Secret), store.NewGormPolicy(gormDB))

	wsCfg := ws.DefaultConfig()
	wsCfg.JoinTimeout = seconds(cfg.Engine.JoinTimeoutSeconds, wsCfg.JoinTimeout)
	wsCfg.IdleTimeout = seconds(cfg.Engine.IdleTimeoutSeconds, wsCfg.IdleTimeout)
	manager := ws.NewManager(registry, authGate, presence, wsCfg)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	sync := r.Group("/sync")
	sync.GET("/ws", manager.Connect)
	sync.GET("/members", manager.Members)
	sync.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen failed: %v", err)
		}
	}()
	log.Printf("sync server listening on :%d", cfg.Running.Port)

	<-ctx.Done()
	log.Printf("shutting down, draining rooms")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	registry.Shutdown(shutdownCtx)
	scheduler.Close()
	if dispatcher != nil {
		dispatcher.Close()
	}
}
