package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"partyroom/cache"
	"partyroom/config"
	"partyroom/core/auth"
	"partyroom/core/room"
	"partyroom/db"
	"partyroom/internal/bus"
	"partyroom/logger"
	"partyroom/repository"
	"partyroom/storage"
)

const shutdownTimeout = 10 * time.Second

// Deps 服务依赖
type Deps struct {
	Rooms    *room.RoomManager
	Tokens   TokenParser
	Resolver SourceResolver
	Policy   *config.PolicyWatcher
	// AllowedOrigins websocket 允许的来源
	AllowedOrigins []string
}

// Server HTTP + WebSocket 服务
type Server struct {
	deps Deps
	http *http.Server
}

// New 创建服务；ctx 结束时所有 websocket 读循环退出
func New(ctx context.Context, addr string, deps Deps) *Server {
	return &Server{
		deps: deps,
		http: &http.Server{
			Addr:              addr,
			Handler:           newCORS(deps.AllowedOrigins).Handler(NewRouter(ctx, deps)),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// NewRouter 构建路由
func NewRouter(ctx context.Context, deps Deps) *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestIDMiddleware)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	requireAuth := AuthMiddleware(deps.Tokens)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(requireAuth)
	RegisterRoomRoutes(api, NewRoomHandler(deps.Rooms))
	api.HandleFunc("/songs/{id}/source", SourceHandler(deps.Resolver)).Methods(http.MethodGet)
	if deps.Policy != nil {
		api.HandleFunc("/sync/policy", PolicyHandler(deps.Policy.Current)).Methods(http.MethodGet)
	} else {
		api.HandleFunc("/sync/policy", PolicyHandler(config.DefaultSyncPolicy)).Methods(http.MethodGet)
	}

	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(requireAuth)
	ws.Handle("/rooms/{id:[0-9]+}", NewWSHandler(ctx, deps.Rooms, deps.AllowedOrigins))

	return router
}

// newCORS 跨域设置；来源与 websocket 一致
func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
		},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"Content-Type", "Authorization", headerRequestID},
		ExposedHeaders: []string{headerRequestID},
		MaxAge:         86400,
	})
}

// Run 启动 HTTP 服务、Hub 主循环、跨实例转发和策略热加载，任一失败或 ctx 结束时全部退出
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	hub := s.deps.Rooms.GetHub()

	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		return hub.Relay(ctx)
	})
	if s.deps.Policy != nil {
		g.Go(func() error {
			return s.deps.Policy.Run(ctx)
		})
	}
	g.Go(func() error {
		logger.Info("HTTP server listening", logger.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		hub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Start 按配置连接存储并运行服务，直到 ctx 结束
func Start(ctx context.Context, cfg *config.Config) error {
	if err := db.ConnectGormDB(cfg); err != nil {
		return err
	}
	defer db.CloseGormDB()
	if err := db.AutoMigrate(); err != nil {
		return err
	}

	if err := cache.ConnectRedis(cfg); err != nil {
		return err
	}
	defer cache.CloseRedis()
	logger.Info("Successfully connected to Redis", logger.String("addr", cfg.RedisAddr()))

	relay, err := bus.New(cfg)
	if err != nil {
		return err
	}
	defer relay.Close()

	policy, err := config.NewPolicyWatcher(cfg.SyncPolicyFile)
	if err != nil {
		return err
	}

	var resolver SourceResolver
	if minio, err := storage.NewMinioResolver(ctx, cfg); err != nil {
		logger.Warn("MinIO unavailable, song sources disabled", logger.ErrorField(err))
	} else {
		resolver = minio
	}

	hub := room.NewRoomHub(relay)
	manager := room.NewRoomManager(
		repository.NewGormRoomRepository(db.GormDB),
		cache.NewRoomCache(cache.RedisClient),
		hub,
		room.WithHostGrace(cfg.HostGracePeriod),
	)

	srv := New(ctx, cfg.HTTPAddr, Deps{
		Rooms:          manager,
		Tokens:         auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL),
		Resolver:       resolver,
		Policy:         policy,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	return srv.Run(ctx)
}
