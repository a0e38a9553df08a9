package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	commonauth "msg_relay/server/common/auth"
	"msg_relay/server/common/infra/cache"
	"msg_relay/server/common/infra/db"
	"msg_relay/server/common/infra/docdb"
	"msg_relay/server/common/infra/mq"
	"msg_relay/server/common/infra/object"
	"msg_relay/server/common/log"
	"msg_relay/server/relay/api"
	"msg_relay/server/relay/dedup"
	"msg_relay/server/relay/metrics"
	"msg_relay/server/relay/presence"
	"msg_relay/server/relay/service"
	"msg_relay/server/relay/store"
)

type Server struct {
	HTTPServer  *http.Server
	Store       store.Gateway
	Registry    *presence.Registry
	Redis       *redis.Client
	Publisher   *service.AMQPPublisher
	broadcaster *presence.Broadcaster
	stopWorkers context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gw, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := gw.Ping(ctx); err != nil {
		_ = gw.Close(ctx)
		return nil, fmt.Errorf("ping %s store: %w", cfg.StoreDriver, err)
	}

	s := &Server{Store: gw}
	var regOpts []presence.RegistryOption
	if cfg.PresenceMirrorEnabled {
		s.Redis = cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(ctx, s.Redis); err != nil {
			s.closeDeps(ctx)
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		regOpts = append(regOpts, presence.WithMirror(presence.NewRedisMirror(s.Redis, cfg.NodeID)))
	}
	s.Registry = presence.NewRegistry(regOpts...)

	routerOpts := []service.RouterOption{}
	var publisher service.EventPublisher = service.NopPublisher{}
	if cfg.UseMQ {
		conn, err := mq.NewConnection(cfg.AMQPURL)
		if err != nil {
			s.closeDeps(ctx)
			return nil, fmt.Errorf("initialize amqp: %w", err)
		}
		s.Publisher, err = service.NewAMQPPublisher(conn)
		if err != nil {
			_ = conn.Close()
			s.closeDeps(ctx)
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		publisher = s.Publisher
		routerOpts = append(routerOpts, service.WithPublisher(publisher))
	}

	var signer service.AttachmentSigner
	if cfg.MinioEnabled {
		client, err := object.NewClient(object.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Region:    cfg.MinioRegion,
		})
		if err != nil {
			s.closeDeps(ctx)
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		if err := object.EnsureBucket(ctx, client, cfg.MinioBucket); err != nil {
			log.Warnf("event=relay_startup action=ensure_bucket status=failed bucket=%s error=%v", cfg.MinioBucket, err)
		}
		signer = service.NewMinioSigner(client, cfg.MinioBucket, cfg.MinioPresignTTL)
		routerOpts = append(routerOpts, service.WithAttachmentSigner(signer))
	}

	window := dedup.NewWindow(cfg.DedupTTL)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go window.Run(workerCtx)
	s.stopWorkers = stopWorkers
	s.broadcaster = presence.NewBroadcaster(s.Registry, cfg.PresenceDebounce)

	router := service.NewRouter(gw, s.Registry, window, routerOpts...)
	receipts := service.NewReceipts(gw, s.Registry, publisher)
	lifecycle := service.NewLifecycle(s.Registry, router, receipts, cfg.TypingTTL)
	history := service.NewHistory(gw, signer)
	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := api.NewHandler(lifecycle, receipts, history, s.Registry, gw, auth, api.Options{
		StoreDriver:    cfg.StoreDriver,
		RequireToken:   cfg.WSRequireToken,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.WSRateLimit,
		RateBurst:      cfg.WSRateBurst,
	})
	r := gin.Default()
	h.RegisterRoutes(r)
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		metrics.Register(reg, s.Registry.Len)
		r.GET("/metrics", gin.WrapH(metrics.Handler(reg)))
	}

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Infof("event=relay_startup action=init status=ok store=%s mirror=%t mq=%t minio=%t metrics=%t node_id=%s", cfg.StoreDriver, cfg.PresenceMirrorEnabled, cfg.UseMQ, cfg.MinioEnabled, cfg.MetricsEnabled, cfg.NodeID)
	return s, nil
}

func openStore(ctx context.Context, cfg Config) (store.Gateway, error) {
	switch cfg.StoreDriver {
	case StoreMemory, "":
		return store.NewMemoryGateway(), nil
	case StoreMongo:
		database, err := docdb.Connect(ctx, docdb.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase})
		if err != nil {
			return nil, fmt.Errorf("initialize mongo: %w", err)
		}
		gw := store.NewMongoGateway(database)
		if err := gw.EnsureIndexes(ctx); err != nil {
			_ = gw.Close(ctx)
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		return gw, nil
	case StorePostgres:
		pool, err := db.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres: %w", err)
		}
		gw := store.NewPostgresGateway(pool)
		if err := gw.EnsureSchema(ctx); err != nil {
			_ = gw.Close(ctx)
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func (s *Server) closeDeps(ctx context.Context) {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Store != nil {
		if err := s.Store.Close(ctx); err != nil {
			log.Warnf("event=relay_shutdown action=close_store status=failed error=%v", err)
		}
	}
}

// Shutdown stops accepting requests, drops every live connection and then
// releases the backing services.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	if s.broadcaster != nil {
		s.broadcaster.Stop()
	}
	if s.stopWorkers != nil {
		s.stopWorkers()
	}
	for _, conn := range s.Registry.Connections() {
		_ = conn.Close()
	}
	s.closeDeps(ctx)
	log.Sync()
	return err
}
