package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"

	"whiteboard-collab/pkg/config"
	"whiteboard-collab/pkg/database"
	"whiteboard-collab/pkg/kafka"
	"whiteboard-collab/pkg/lifecycle"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/middleware"
	"whiteboard-collab/pkg/redis"
	"whiteboard-collab/pkg/telemetry"
)

// 不记访问日志、不建 span 的探活路径
var quietPaths = []string{"/health", "/metrics"}

// Application 应用程序框架
type Application struct {
	serviceName    string
	config         *config.Config
	logger         kratoslog.Logger
	originalLogger logger.Logger
	serverManager  *ServerManager
	lifecycle      *lifecycle.LifecycleManager

	// 基础设施组件，未启用的保持为 nil
	mongoDB       *database.MongoDB
	postgreSQL    *database.PostgreSQL
	redisClient   *redis.RedisClient
	kafkaProducer *kafka.Producer
	tracer        *telemetry.Provider

	// 中间件
	loggingMiddleware *middleware.LoggingMiddleware
	otelMiddleware    *middleware.OTelMiddleware

	// 注册函数
	httpRouteRegister   func(*gin.Engine)
	grpcServiceRegister func(*grpc.Server)
}

// NewApplication 加载配置、初始化日志并连接已启用的基础设施
func NewApplication(serviceName string) (*Application, error) {
	cfg, err := config.LoadConfig(serviceName)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(cfg.App.LogLevel); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	originalLogger := logger.GetLogger()
	kratosLogger := logger.WithService(logger.NewKratosLogger(originalLogger), cfg.App.Name, cfg.App.Version)

	lifecycleManager := lifecycle.NewLifecycleManager(kratosLogger)
	lifecycleManager.SetStopTimeout(cfg.Connection.ShutdownGrace + 20*time.Second)

	app := &Application{
		serviceName:       serviceName,
		config:            cfg,
		logger:            kratosLogger,
		originalLogger:    originalLogger,
		serverManager:     NewServerManager(cfg, kratosLogger),
		lifecycle:         lifecycleManager,
		loggingMiddleware: middleware.NewLoggingMiddleware(kratosLogger, quietPaths...),
	}

	if err := app.initInfrastructure(context.Background()); err != nil {
		app.closeInfrastructure(context.Background())
		return nil, err
	}
	return app, nil
}

// initInfrastructure 按配置连接基础设施，全部关闭时服务以内存实现单机运行
func (app *Application) initInfrastructure(ctx context.Context) error {
	cfg := app.config

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.NewProvider(&telemetry.Config{
			ServiceName:    cfg.App.Name,
			ServiceVersion: cfg.App.Version,
			Environment:    cfg.App.Env,
			ExporterType:   cfg.Telemetry.Exporter,
			SampleRate:     cfg.Telemetry.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		app.tracer = tp
		app.otelMiddleware = middleware.NewOTelMiddleware(cfg.App.Name, quietPaths...)
	}

	if cfg.Database.PostgreSQL.Enabled {
		pg, err := database.NewPostgreSQL(ctx, cfg.Database.PostgreSQL.DSN)
		if err != nil {
			return fmt.Errorf("connect PostgreSQL: %w", err)
		}
		app.postgreSQL = pg
	}

	if cfg.Database.MongoDB.Enabled {
		mongoDB, err := database.NewMongoDB(ctx, cfg.Database.MongoDB.URI, cfg.Database.MongoDB.DBName)
		if err != nil {
			return fmt.Errorf("connect MongoDB: %w", err)
		}
		app.mongoDB = mongoDB
	}

	if cfg.Redis.Enabled {
		rc := redis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = rc.Close()
			return fmt.Errorf("connect Redis: %w", err)
		}
		app.redisClient = rc
	}

	if cfg.Kafka.Enabled {
		producer, err := kafka.InitProducer(cfg.Kafka.Brokers, cfg.App.Name)
		if err != nil {
			return fmt.Errorf("connect Kafka: %w", err)
		}
		app.kafkaProducer = producer
	}

	app.logger.Log(kratoslog.LevelInfo, "msg", "Infrastructure ready",
		"postgres", app.postgreSQL != nil,
		"mongodb", app.mongoDB != nil,
		"redis", app.redisClient != nil,
		"kafka", app.kafkaProducer != nil,
		"telemetry", app.tracer != nil,
	)
	return nil
}

func (app *Application) closeInfrastructure(ctx context.Context) {
	closeLogged := func(name string, fn func() error) {
		if err := fn(); err != nil {
			app.logger.Log(kratoslog.LevelError, "msg", "Failed to close "+name, "error", err)
		}
	}
	if app.kafkaProducer != nil {
		closeLogged("Kafka producer", app.kafkaProducer.Close)
	}
	if app.redisClient != nil {
		closeLogged("Redis", app.redisClient.Close)
	}
	if app.mongoDB != nil {
		closeLogged("MongoDB", func() error { return app.mongoDB.Close(ctx) })
	}
	if app.postgreSQL != nil {
		closeLogged("PostgreSQL", app.postgreSQL.Close)
	}
	if app.tracer != nil {
		closeLogged("tracer provider", func() error { return app.tracer.Shutdown(ctx) })
	}
}

// EnableHTTP 启用HTTP服务器并挂上公共中间件
func (app *Application) EnableHTTP() HTTPServer {
	httpServer := app.serverManager.EnableHTTP()

	httpServer.RegisterRoutes(func(engine *gin.Engine) {
		if app.otelMiddleware != nil {
			engine.Use(app.otelMiddleware.GinMiddleware()...)
		}
		engine.Use(app.loggingMiddleware.GinLogging())
		engine.Use(middleware.Recovery(app.originalLogger))
	})

	return httpServer
}

// EnableGRPC 启用gRPC服务器
func (app *Application) EnableGRPC() GRPCServer {
	unary := []grpc.UnaryServerInterceptor{app.loggingMiddleware.GRPCRecovery(), app.loggingMiddleware.GRPCLogging()}
	if app.otelMiddleware != nil {
		unary = append([]grpc.UnaryServerInterceptor{app.otelMiddleware.GRPCUnaryServerInterceptor()}, unary...)
	}
	return app.serverManager.EnableGRPC(
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(app.loggingMiddleware.GRPCStreamRecovery()),
	)
}

// AddServer 托管额外的服务器，随 servers 钩子启停
func (app *Application) AddServer(name string, s Server) {
	app.serverManager.AddServer(name, s)
}

// AddHook 注册业务钩子
func (app *Application) AddHook(hook lifecycle.Hook) {
	app.lifecycle.AddHook(hook)
}

// RegisterHTTPRoutes 注册HTTP路由
func (app *Application) RegisterHTTPRoutes(registerFunc func(*gin.Engine)) {
	app.httpRouteRegister = registerFunc
}

// RegisterGRPCService 注册gRPC服务
func (app *Application) RegisterGRPCService(registerFunc func(*grpc.Server)) {
	app.grpcServiceRegister = registerFunc
}

// GetMongoDB 未启用时为 nil
func (app *Application) GetMongoDB() *database.MongoDB {
	return app.mongoDB
}

// GetRedisClient 未启用时为 nil
func (app *Application) GetRedisClient() *redis.RedisClient {
	return app.redisClient
}

// GetKafkaProducer 未启用时为 nil
func (app *Application) GetKafkaProducer() *kafka.Producer {
	return app.kafkaProducer
}

// GetPostgreSQL 未启用时为 nil
func (app *Application) GetPostgreSQL() *database.PostgreSQL {
	return app.postgreSQL
}

// InfraProbes 已启用基础设施的连通性检查
func (app *Application) InfraProbes() map[string]func(context.Context) error {
	probes := make(map[string]func(context.Context) error)
	if app.postgreSQL != nil {
		probes["postgres"] = app.postgreSQL.Health
	}
	if app.mongoDB != nil {
		probes["mongodb"] = app.mongoDB.Health
	}
	if app.redisClient != nil {
		probes["redis"] = app.redisClient.Ping
	}
	return probes
}

// GetLogger 获取业务日志器
func (app *Application) GetLogger() logger.Logger {
	return app.originalLogger
}

// GetKratosLogger 获取Kratos日志器
func (app *Application) GetKratosLogger() kratoslog.Logger {
	return app.logger
}

// GetConfig 获取配置
func (app *Application) GetConfig() *config.Config {
	return app.config
}

// Run 启动所有钩子并阻塞到收到退出信号
func (app *Application) Run() error {
	if err := app.registerLifecycleHooks(); err != nil {
		return err
	}

	if err := app.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle: %w", err)
	}

	app.lifecycle.Wait()
	return nil
}

// registerLifecycleHooks 注册基础设施与服务器钩子；业务钩子由调用方经 AddHook 注册
func (app *Application) registerLifecycleHooks() error {
	if app.httpRouteRegister != nil {
		if err := app.serverManager.RegisterHTTPRoutes(app.httpRouteRegister); err != nil {
			return err
		}
	}
	if app.grpcServiceRegister != nil {
		if err := app.serverManager.RegisterGRPCService(app.grpcServiceRegister); err != nil {
			return err
		}
	}

	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "infrastructure",
		Priority: lifecycle.PriorityInfra,
		OnStop: func(ctx context.Context) error {
			app.closeInfrastructure(ctx)
			return nil
		},
	})

	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "servers",
		Priority: lifecycle.PriorityServer,
		OnStart: func(ctx context.Context) error {
			return app.serverManager.StartAll(ctx, func(error) {
				go func() { _ = app.lifecycle.Stop() }()
			})
		},
		OnStop: func(ctx context.Context) error {
			return app.serverManager.StopAll(ctx)
		},
	})
	return nil
}
