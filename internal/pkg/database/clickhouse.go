package database

import (
	"context"
	"fmt"
	"time"

	"agentmonitor/internal/config"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// NewClickHouseConnection 创建ClickHouse连接(温存储可选后端，native TCP协议)
func NewClickHouseConnection(cfg *config.ClickHouseConfig, appName, appVersion string) (driver.Conn, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: appName, Version: appVersion},
			},
		},
		DialTimeout:  dialTimeout,
		MaxOpenConns: cfg.MaxOpenConn,
		MaxIdleConns: cfg.MaxIdleConn,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse config: %w", err)
	}

	// Ping 必须带超时，否则网络异常时会卡住启动
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return conn, nil
}
