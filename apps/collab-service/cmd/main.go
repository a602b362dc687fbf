package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/utils/clock"

	"whiteboard-collab/apps/collab-service/connection"
	"whiteboard-collab/apps/collab-service/dao"
	"whiteboard-collab/apps/collab-service/handler"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/apps/collab-service/service"
	"whiteboard-collab/pkg/auth"
	"whiteboard-collab/pkg/cache"
	"whiteboard-collab/pkg/config"
	"whiteboard-collab/pkg/lifecycle"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/metrics"
	"whiteboard-collab/pkg/middleware"
	"whiteboard-collab/pkg/ratelimit"
	"whiteboard-collab/pkg/server"
	"whiteboard-collab/pkg/snowflake"
)

const serviceName = "collab-service"

// 查询接口共用的限流操作名，走默认规则
const queryOperation = "http_query"

func main() {
	// 创建应用程序
	app, err := server.NewApplication(serviceName)
	if err != nil {
		panic(err)
	}
	cfg := app.GetConfig()
	log := app.GetLogger()
	clk := clock.RealClock{}

	// 启用HTTP和gRPC服务器
	httpServer := app.EnableHTTP()
	app.EnableGRPC()

	gate, err := auth.NewGate(auth.Config{
		Secret:           cfg.Auth.Secret,
		Algorithms:       cfg.Auth.Algorithms,
		Issuer:           cfg.Auth.Issuer,
		Audience:         cfg.Auth.Audience,
		MaxTokenAge:      cfg.Auth.MaxTokenAge,
		ClockSkew:        cfg.Auth.ClockSkew,
		SessionFreshness: cfg.Auth.SessionFreshness,
	}, clk)
	if err != nil {
		panic(err)
	}
	limiter := ratelimit.NewLimiter(limiterConfig(cfg.RateLimit), clk)

	conns := connection.NewManager(connection.Config{
		MaxGlobal:         cfg.Connection.MaxGlobal,
		MaxPerUser:        cfg.Connection.MaxPerUser,
		MaxPerIP:          cfg.Connection.MaxPerIP,
		MaxAge:            cfg.Connection.MaxAge,
		IdleTimeout:       cfg.Connection.IdleTimeout,
		MaxErrors:         cfg.Connection.MaxErrors,
		CleanupInterval:   cfg.Connection.CleanupInterval,
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Connection.HeartbeatTimeout,
		ShutdownGrace:     cfg.Connection.ShutdownGrace,
	}, clk, log)

	// 有界缓存
	sessions, err := cache.New[string, model.WhiteboardSession]("sessions", cfg.Cache.SessionMax, cfg.Cache.SessionTTL, clk)
	if err != nil {
		panic(err)
	}
	versions, err := cache.New[string, int64]("versions", cfg.Cache.VersionMax, cfg.Cache.VersionTTL, clk)
	if err != nil {
		panic(err)
	}
	colors, err := cache.New[string, string]("colors", cfg.Cache.ColorMax, cfg.Cache.ColorTTL, clk)
	if err != nil {
		panic(err)
	}
	janitor := cache.NewJanitor(cfg.Cache.CleanupPeriod, clk, func(name string, n int) {
		log.Debug(context.Background(), "Idle cache entries removed", logger.F("cache", name), logger.F("count", n))
	}, sessions, versions, colors)

	ids, err := snowflake.NewSnowflake(cfg.App.MachineID, clk)
	if err != nil {
		panic(err)
	}

	// 初始化Service层，未启用的基础设施退回内存实现
	collab := newCollaborators(app, cfg, log)
	presence := service.NewPresenceService(service.PresenceConfig{
		IdleAfter:    cfg.Presence.IdleAfter,
		AwayAfter:    cfg.Presence.AwayAfter,
		OfflineAfter: cfg.Presence.OfflineAfter,
	}, colors, clk)
	selections := service.NewSelectionService(service.SelectionConfig{
		ClaimTTL:          cfg.Selection.ClaimTTL,
		MaxSelectingUsers: cfg.Selection.MaxSelectingUsers,
		MaxElements:       cfg.Selection.MaxElements,
	}, clk)
	canvas := service.NewCanvasEngine(versions, ids, collab.sink, clk, log)
	orch := service.NewOrchestrator(service.SessionConfig{
		InactivityTimeout: cfg.Session.InactivityTimeout,
		SweepInterval:     cfg.Session.SweepInterval,
		MirrorTTL:         cfg.Session.MirrorTTL,
		SyncRequestTTL:    cfg.Session.SyncRequestTTL,
	}, service.Deps{
		Sessions:    sessions,
		Directory:   collab.directory,
		Mirror:      collab.mirror,
		Activity:    collab.activity,
		Presence:    presence,
		Cursors:     service.NewCursorService(collab.cursors, cfg.Cache.CursorTTL, clk, log),
		Selections:  selections,
		Canvas:      canvas,
		Router:      service.NewRouter(log),
		Connections: conns,
	}, clk, log)

	// 创建各handler
	wsHandler := handler.NewWSHandler(handler.WSConfig{
		MaxMessageBytes: cfg.Connection.MaxMessageBytes,
		WriteTimeout:    cfg.Connection.WriteTimeout,
		FrameRate:       cfg.Connection.FrameRate,
		FrameBurst:      cfg.Connection.FrameBurst,
		WarnDebounce:    cfg.RateLimit.WarnDebounce,
	}, gate, limiter, conns, orch, clk, log)
	httpHandler := handler.NewHTTPHandler(conns, orch, presence, selections, canvas, limiter, log, sessions, versions, colors)
	grpcHandler := handler.NewGRPCHandler(log)
	probes := make(map[string]handler.Probe)
	for name, fn := range app.InfraProbes() {
		probes[name] = fn
	}
	httpHandler.SetProbes(probes)

	wsServer := server.NewWebSocketServerWrapper(httpServer.GetEngine(), server.WebSocketOptions{
		Subprotocols:   []string{auth.ProtocolTokenMarker},
		AllowedOrigins: cfg.Server.HTTP.AllowedOrigins,
	}, app.GetKratosLogger())
	app.AddServer("websocket", wsServer)

	// 注册HTTP路由
	app.RegisterHTTPRoutes(func(engine *gin.Engine) {
		httpHandler.RegisterRoutes(engine,
			middleware.RequireToken(gate, log),
			middleware.RateLimit(limiter, queryOperation))
		wsServer.RegisterHandler(handler.WSPath, wsHandler)
	})

	// 注册gRPC服务
	app.RegisterGRPCService(grpcHandler.RegisterService)

	// 业务钩子：停止时先摘流量，再排空连接，最后停后台任务并冲刷下游
	app.AddHook(lifecycle.Hook{
		Name:     "collab-core",
		Priority: lifecycle.PriorityBusiness,
		OnStart: func(context.Context) error {
			canvas.Start()
			limiter.Start()
			janitor.Start()
			orch.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			orch.Stop()
			janitor.Stop()
			limiter.Stop()
			return canvas.Stop()
		},
	})
	app.AddHook(lifecycle.Hook{
		Name:     "connections",
		Priority: lifecycle.PriorityBusiness + 10,
		OnStart: func(context.Context) error {
			conns.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if forced := conns.GracefulShutdown(ctx); forced > 0 {
				log.Warn(ctx, "Connections force closed at shutdown", logger.F("count", forced))
			}
			return nil
		},
	})
	app.AddHook(lifecycle.Hook{
		Name:     "drain",
		Priority: lifecycle.PriorityBusiness + 20,
		OnStop: func(ctx context.Context) error {
			grpcHandler.Drain(ctx)
			return nil
		},
	})

	// 运行应用程序
	if err := app.Run(); err != nil {
		panic(err)
	}
}

// collaborators 会话编排依赖的外部协作方
type collaborators struct {
	directory dao.WhiteboardDirectory
	cursors   dao.CursorStore
	mirror    dao.SessionMirror
	sink      dao.OperationSink
	activity  dao.ActivityRecorder
}

func newCollaborators(app *server.Application, cfg *config.Config, log logger.Logger) collaborators {
	ctx := context.Background()
	c := collaborators{
		directory: dao.NewMemoryDirectory(true),
		cursors:   dao.NewMemoryCursorStore(),
		mirror:    dao.NopSessionMirror{},
		sink:      dao.NopOperationSink{},
		activity:  dao.NewLogActivityRecorder(log),
	}

	if pg := app.GetPostgreSQL(); pg != nil {
		if cfg.Database.PostgreSQL.AutoMigrate {
			if err := pg.AutoMigrate(&model.Whiteboard{}, &model.WhiteboardMember{}); err != nil {
				panic(err)
			}
		}
		c.directory = dao.NewWhiteboardDAO(pg)
	} else {
		log.Warn(ctx, "PostgreSQL disabled, every whiteboard is open to any authenticated user")
	}

	if rc := app.GetRedisClient(); rc != nil {
		c.cursors = dao.NewCursorStore(rc)
		c.mirror = dao.NewSessionMirror(rc)
	}

	if producer := app.GetKafkaProducer(); producer != nil {
		producer.OnRetry(func(err error, next time.Duration) {
			metrics.SinkPublishRetries.Inc()
			log.Warn(ctx, "Retrying canvas operation publish", logger.F("error", err), logger.F("backoff", next.String()))
		})
		c.sink = dao.NewOperationSink(producer, cfg.Canvas.OperationTopic)
	}

	if mongoDB := app.GetMongoDB(); mongoDB != nil {
		c.activity = dao.NewActivityDAO(mongoDB)
	}
	return c
}

func limiterConfig(c config.RateLimitConfig) ratelimit.Config {
	toRule := func(r config.RuleConfig) ratelimit.Rule {
		return ratelimit.Rule{Limit: r.Limit, Window: r.Window, BlockDuration: r.Block}
	}
	rules := make(map[string]ratelimit.Rule, len(c.Rules))
	for op, r := range c.Rules {
		rules[op] = toRule(r)
	}
	return ratelimit.Config{
		Rules:         rules,
		DefaultRule:   toRule(c.Default),
		Handshake:     toRule(c.Handshake),
		SweepInterval: c.SweepInterval,
	}
}
