// @title           Sangzi Care Service API
// @version         1.0
// @description     桑梓助老服务：紧急呼叫升级、家属绑定与状态推送
// @termsOfService  http://swagger.io/terms/

// @contact.name   API Support
// @contact.email  support@sangzi-care.com

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @BasePath  /api

// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
// @description                 Enter the token with the `Bearer ` prefix
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"sangzi-care-service/internal/app/routes"
	"sangzi-care-service/internal/domain/services"
	"sangzi-care-service/internal/domain/services/container"
	"sangzi-care-service/internal/infrastructure/config"
	"sangzi-care-service/internal/infrastructure/database"
	"sangzi-care-service/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 加载.env文件，失败时继续使用已有的环境变量
	envErr := godotenv.Load()

	cfg := config.GetConfig()

	if err := logger.SetupLogger(cfg.LogDir); err != nil {
		fmt.Printf("初始化日志配置失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if envErr != nil {
		logger.Warning("无法加载.env文件: %v", envErr)
	} else {
		logger.Info("成功加载.env文件")
	}

	if err := run(cfg); err != nil {
		logger.Error("服务异常退出: %v", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Info("服务已停止")
}

func run(cfg *config.Config) error {
	// 创建数据库连接池
	pool, err := database.NewConnectionPool(cfg)
	if err != nil {
		return fmt.Errorf("无法创建数据库连接池: %w", err)
	}
	defer pool.Close()

	if err := database.Migrate(pool.GetDB(), cfg.DBMigrationMode); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	serviceContainer := container.NewServiceContainer(pool.GetDB(), cfg, redisClient)
	defer serviceContainer.Shutdown()

	router := routes.SetupRouter(serviceContainer, cfg)
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printSystemInfo(pool)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("服务器启动在: http://%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("启动服务器失败: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		evictIdleLoop(gctx, serviceContainer, cfg.EmergencyIdleEvict)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("收到退出信号，开始关闭服务")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// evictIdleLoop 定期回收空闲的紧急呼叫状态机
func evictIdleLoop(ctx context.Context, serviceContainer *container.ServiceContainer, maxIdle time.Duration) {
	if maxIdle <= 0 {
		return
	}
	escalationService, ok := serviceContainer.GetService("escalation").(services.InterfaceEscalationService)
	if !ok {
		return
	}

	interval := maxIdle / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			escalationService.EvictIdle(maxIdle)
		}
	}
}

// printSystemInfo 打印系统信息
func printSystemInfo(pool *database.ConnectionPool) {
	if stats, err := pool.Stats(); err == nil {
		logger.Info("数据库连接池状态: %+v", stats)
	}

	logger.Info("系统CPU核心数: %d", runtime.NumCPU())
	logger.Info("当前Go协程数: %d", runtime.NumGoroutine())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info("系统内存使用: Alloc=%v MiB, TotalAlloc=%v MiB, Sys=%v MiB",
		m.Alloc/1024/1024, m.TotalAlloc/1024/1024, m.Sys/1024/1024)
}
