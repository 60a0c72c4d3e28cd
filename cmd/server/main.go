// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"nestchat-widget-go/internal/config"
	"nestchat-widget-go/internal/handler"
	"nestchat-widget-go/internal/middleware"
	"nestchat-widget-go/internal/model"
	"nestchat-widget-go/internal/realtime"
	"nestchat-widget-go/internal/repository"
	"nestchat-widget-go/internal/service"
	"nestchat-widget-go/pkg/database"
	"nestchat-widget-go/pkg/eventbus"
	"nestchat-widget-go/pkg/log"
	"nestchat-widget-go/pkg/storage"
	"nestchat-widget-go/pkg/token"
	"nestchat-widget-go/pkg/wpsite"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 和对象存储
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	eventbus.InitProducer(cfg.Kafka)

	// 自动建表
	if err := database.DB.AutoMigrate(
		&model.MessageRecord{},
		&model.ConversationRecord{},
		&model.LocationRecord{},
		&model.StaffRecord{},
	); err != nil {
		log.Fatal("数据库迁移失败", err)
	}

	// 4. 初始化 Repository
	kvStore := repository.NewRedisKVStore(database.RDB, time.Duration(cfg.Widget.StoreTTLHours)*time.Hour)
	messageRepo := repository.NewMessageRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB)
	locationRepo := repository.NewLocationRepository(database.DB)
	staffRepo := repository.NewStaffRepository(database.DB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.WidgetTokenExpireMinutes)
	siteClient := wpsite.NewClient(cfg.Site)
	sessionService := service.NewSessionService(kvStore)
	locationService := service.NewLocationService(locationRepo, kvStore, siteClient)

	// 6. 初始化实时事件代理，并启动后台 Kafka 消费者泵入事件
	broker := realtime.NewBroker()
	go eventbus.StartConsumer(cfg.Kafka, broker)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	widgetHandler := handler.NewWidgetHandler(sessionService, messageRepo, conversationRepo, kvStore, jwtManager)
	locationHandler := handler.NewLocationHandler(locationService)
	realtimeHandler := handler.NewRealtimeHandler(jwtManager, sessionService, messageRepo, conversationRepo, staffRepo, kvStore, broker)

	apiV1 := r.Group("/api/v1")
	{
		// 挂件引导，无需认证（认证凭据在此签发）
		widget := apiV1.Group("/widget")
		{
			widget.POST("/bootstrap", widgetHandler.Bootstrap)

			// 需要挂件令牌的路由
			authed := widget.Group("/")
			authed.Use(middleware.WidgetAuthMiddleware(jwtManager))
			{
				authed.GET("/messages", widgetHandler.GetHistory)
				authed.POST("/messages", widgetHandler.SendMessage)
				authed.POST("/messages/read", widgetHandler.MarkRead)

				authed.POST("/location/detect", locationHandler.Detect)
				authed.POST("/location/select", locationHandler.Select)
				authed.GET("/locations", locationHandler.List)
			}
		}
	}

	// 实时通道 (WebSocket)，令牌放在路径参数中
	r.GET("/widget/ws/:token", realtimeHandler.Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// Kafka 消费者是一个随进程退出的循环，无需在此单独关闭。
	log.Info("服务已优雅关闭")
}
