package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/BitLucky/lottery-draw-backend/api"
	"github.com/BitLucky/lottery-draw-backend/internal/clock"
	"github.com/BitLucky/lottery-draw-backend/internal/draw"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/config"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/database"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/health"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/shutdown"
	"github.com/BitLucky/lottery-draw-backend/internal/platform/startup"
	"github.com/BitLucky/lottery-draw-backend/pkg/lifecycle"
	"github.com/BitLucky/lottery-draw-backend/pkg/token"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 加载配置并初始化基础设施
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("配置加载失败，无法启动: %v", err))
	}
	token.ConfigureSecretKey(cfg.Scheduler.SigningSecret)
	database.InitDB(cfg.Database.Sqlite)
	database.InitRedis(cfg.Database.Redis)

	// 2. 阻塞式获取初始Run ID
	health.InitializeRunID()

	// 3. 执行应用启动初始化流程（建表、编译奖级表、组装结算模块）
	if err := startup.InitializeApplication(); err != nil {
		panic(fmt.Sprintf("应用初始化失败，无法启动: %v", err))
	}

	// 4. 创建两阶段停机的生命周期管理器
	gracefulManager := lifecycle.NewManager()
	forcefulManager := lifecycle.NewManager()

	// 5. 启动期次预创建器
	provisionerHandle, err := gracefulManager.NewServiceHandle("DrawProvisioner")
	if err != nil {
		panic(fmt.Sprintf("无法创建期次预创建器句柄: %v", err))
	}
	if err := draw.StartProvisioner(provisionerHandle, clock.SystemClock{}); err != nil {
		panic(fmt.Sprintf("期次预创建器启动失败: %v", err))
	}

	// 6. 阻塞式执行一次启动后健康检查，并预热结果摘要缓存
	fmt.Println("正在执行启动后健康检查...")
	health.PerformCheck()
	if err := startup.RebuildCache(); err != nil {
		fmt.Printf("警告: 结果摘要缓存预热失败: %v\n", err)
	}

	// 7. 异步启动后台的持续健康检查器
	go health.StartRedisHealthCheck()

	// 8. 组装Gin引擎
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.Cors.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Trigger-Timestamp", "X-Trigger-Signature"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	api.SetupRoutes(r)

	// 9. 启动HTTP服务器并等待停机信号
	server := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: r,
	}
	go func() {
		fmt.Printf("服务器已准备就绪，开始监听 %s\n", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic("Failed to start server: " + err.Error())
		}
	}()

	coordinator := shutdown.NewCoordinator(gracefulManager, forcefulManager)
	coordinator.ListenForSignalsAndShutdown(server)
}
