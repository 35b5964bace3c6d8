/*
 * @author: sun977
 * @date: 2025.10.31
 * @description: 监控服务主程序入口
 * @func: 加载配置、初始化日志和存储连接、装配应用、启动服务器、等待中断信号
 */

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"agentmonitor/internal/app/master"
	"agentmonitor/internal/app/master/setup"
	"agentmonitor/internal/config"
	"agentmonitor/internal/pkg/database"
	"agentmonitor/internal/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置目录 (默认 configs 或 AGENTMON_CONFIG_PATH)")
	env := flag.String("env", "", "环境标识 (development, test, production)")
	watch := flag.Bool("watch", config.NewEnvManager("").GetBool("WATCH", true), "是否监听配置文件热更新 (AGENTMON_WATCH)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath, *env)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if _, err := logger.InitLogger(&cfg.Log); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	deps, cleanup, err := openDependencies(cfg)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"path":      "cmd/monitor/main.go",
			"operation": "startup",
			"option":    "openDependencies",
			"func_name": "main",
			"error":     err.Error(),
		}).Fatal("存储连接失败")
	}
	defer cleanup()

	// 创建应用实例
	app, err := master.NewApp(deps)
	if err != nil {
		logger.Fatalf("Failed to create app: %v", err)
	}

	if err := app.Start(context.Background()); err != nil {
		logger.Fatalf("Failed to start background components: %v", err)
	}
	if *watch {
		if err := app.WatchConfig(*configPath, *env); err != nil {
			logger.Warnf("Config hot reload disabled: %v", err)
		}
	}

	// 创建HTTP服务器
	addr := cfg.Server.GetAddress()
	server := &http.Server{
		Addr:           addr,
		Handler:        app.GetRouter().GetEngine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		logger.Infof("Starting %s %s on %s", cfg.App.Name, cfg.App.Version, addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// 给服务器5秒钟的时间来完成现有请求
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	// HTTP 停止后再停后台组件，保证已接收的样本被刷写
	if err := app.Stop(); err != nil {
		logger.Errorf("Stop app failed: %v", err)
	}
	logger.Info("Server exiting")
}

// openDependencies 打开数据库以及按配置需要的 Redis / ClickHouse 连接
func openDependencies(cfg *config.Config) (*setup.Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	db, err := database.NewDatabaseConnection(&cfg.Database)
	if err != nil {
		return nil, cleanup, err
	}
	if sqlDB, err := db.DB(); err == nil {
		closers = append(closers, func() { _ = sqlDB.Close() })
	}

	var redisClient *redis.Client
	if cfg.Ingestion.HotStore == "redis" {
		redisClient, err = database.NewRedisConnection(&cfg.Database.Redis)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, func() { _ = redisClient.Close() })
	}

	var chConn driver.Conn
	if cfg.Storage.Warm.Driver == "clickhouse" {
		chConn, err = database.NewClickHouseConnection(&cfg.Database.ClickHouse, cfg.App.Name, cfg.App.Version)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, func() { _ = chConn.Close() })
	}

	return &setup.Deps{
		Config:     cfg,
		DB:         db,
		Redis:      redisClient,
		ClickHouse: chConn,
	}, cleanup, nil
}
