/**
 * 配置:应用配置结构体
 * @author: sun977
 * @date: 2025.10.20
 * @description: 监控服务的全部配置项，字段与 configs/config*.yaml 一级字段保持一致
 * @func: Config 及各子配置结构体，GetAddress/GetMySQLDSN/GetPostgresDSN 等辅助方法
 */
package config

import (
	"fmt"
	"time"
)

// Config 应用配置结构体 [这里的字段和配置文件中一级字段保持一致，否则会没有值]
type Config struct {
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`             // 服务器配置
	Database     DatabaseConfig     `yaml:"database" mapstructure:"database"`         // 数据库配置
	Log          LogConfig          `yaml:"log" mapstructure:"log"`                   // 日志配置
	Security     SecurityConfig     `yaml:"security" mapstructure:"security"`         // 安全配置(中间件)
	Registry     RegistryConfig     `yaml:"registry" mapstructure:"registry"`         // Agent注册中心配置
	Ingestion    IngestionConfig    `yaml:"ingestion" mapstructure:"ingestion"`       // 指标接入配置
	Storage      StorageConfig      `yaml:"storage" mapstructure:"storage"`           // 分层存储配置
	Alert        AlertConfig        `yaml:"alert" mapstructure:"alert"`               // 告警引擎配置
	Notification NotificationConfig `yaml:"notification" mapstructure:"notification"` // 通知路由配置
	App          AppConfig          `yaml:"app" mapstructure:"app"`                   // 应用配置
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host           string        `yaml:"host" mapstructure:"host"`                         // 服务器主机地址
	Port           int           `yaml:"port" mapstructure:"port"`                         // 服务器端口
	Mode           string        `yaml:"mode" mapstructure:"mode"`                         // 运行模式: debug, release, test
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`         // 读取超时时间
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`       // 写入超时时间
	IdleTimeout    time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`         // 空闲超时时间
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`   // 单个请求处理超时(超时直接拒绝)
	MaxHeaderBytes int           `yaml:"max_header_bytes" mapstructure:"max_header_bytes"` // 最大请求头字节数
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver     string           `yaml:"driver" mapstructure:"driver"`         // 冷存储驱动: mysql, postgres, sqlite
	MySQL      MySQLConfig      `yaml:"mysql" mapstructure:"mysql"`           // MySQL配置
	Postgres   PostgresConfig   `yaml:"postgres" mapstructure:"postgres"`     // PostgreSQL配置
	SQLite     SQLiteConfig     `yaml:"sqlite" mapstructure:"sqlite"`         // SQLite配置(开发环境)
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`           // Redis配置(热存储)
	ClickHouse ClickHouseConfig `yaml:"clickhouse" mapstructure:"clickhouse"` // ClickHouse配置(温存储可选后端)
}

// MySQLConfig MySQL数据库配置
type MySQLConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`                             // 数据库主机
	Port            int           `yaml:"port" mapstructure:"port"`                             // 数据库端口
	Username        string        `yaml:"username" mapstructure:"username"`                     // 用户名
	Password        string        `yaml:"password" mapstructure:"password"`                     // 密码
	Database        string        `yaml:"database" mapstructure:"database"`                     // 数据库名
	Charset         string        `yaml:"charset" mapstructure:"charset"`                       // 字符集
	ParseTime       bool          `yaml:"parse_time" mapstructure:"parse_time"`                 // 是否解析时间
	Loc             string        `yaml:"loc" mapstructure:"loc"`                               // 时区
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`         // 最大空闲连接数
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`         // 最大打开连接数
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`   // 连接最大生存时间
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"` // 连接最大空闲时间
	LogLevel        string        `yaml:"log_level" mapstructure:"log_level"`                   // 日志级别
}

// PostgresConfig PostgreSQL数据库配置
type PostgresConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	Username        string        `yaml:"username" mapstructure:"username"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Database        string        `yaml:"database" mapstructure:"database"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	TimeZone        string        `yaml:"time_zone" mapstructure:"time_zone"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	LogLevel        string        `yaml:"log_level" mapstructure:"log_level"`
}

// SQLiteConfig SQLite配置，仅用于本地开发和测试
type SQLiteConfig struct {
	Path     string `yaml:"path" mapstructure:"path"`           // 数据库文件路径，:memory: 表示内存库
	LogLevel string `yaml:"log_level" mapstructure:"log_level"` // 日志级别
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`                     // Redis主机
	Port         int           `yaml:"port" mapstructure:"port"`                     // Redis端口
	Password     string        `yaml:"password" mapstructure:"password"`             // Redis密码
	Database     int           `yaml:"database" mapstructure:"database"`             // Redis数据库索引
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`           // 连接池大小
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"` // 最小空闲连接数
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`     // 连接超时
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`     // 读取超时
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`   // 写入超时
	PoolTimeout  time.Duration `yaml:"pool_timeout" mapstructure:"pool_timeout"`     // 连接池超时
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`     // 空闲超时
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`         // 热存储键前缀
}

// ClickHouseConfig ClickHouse配置
type ClickHouseConfig struct {
	Addr        []string      `yaml:"addr" mapstructure:"addr"`                 // 地址列表 host:port
	Database    string        `yaml:"database" mapstructure:"database"`         // 数据库名
	Username    string        `yaml:"username" mapstructure:"username"`         // 用户名
	Password    string        `yaml:"password" mapstructure:"password"`         // 密码
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"` // 连接超时
	MaxOpenConn int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConn int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`             // 日志级别
	Format     string `yaml:"format" mapstructure:"format"`           // 日志格式: json, text
	Output     string `yaml:"output" mapstructure:"output"`           // 输出方式: stdout, stderr, file
	FilePath   string `yaml:"file_path" mapstructure:"file_path"`     // 日志文件路径
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`       // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"` // 保留的日志文件数量
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`         // 日志文件保留天数
	Compress   bool   `yaml:"compress" mapstructure:"compress"`       // 是否压缩日志文件
	Caller     bool   `yaml:"caller" mapstructure:"caller"`           // 是否显示调用者信息
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`       // 日志中间件配置
	CORS      CORSConfig      `yaml:"cors" mapstructure:"cors"`             // CORS配置
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"` // 限流配置
}

// LoggingConfig 日志中间件配置
type LoggingConfig struct {
	EnableRequestLog     bool          `yaml:"enable_request_log" mapstructure:"enable_request_log"`         // 是否启用请求日志
	SlowRequestThreshold time.Duration `yaml:"slow_request_threshold" mapstructure:"slow_request_threshold"` // 慢请求阈值
	SkipPaths            []string      `yaml:"skip_paths" mapstructure:"skip_paths"`                         // 跳过日志记录的路径
}

// CORSConfig CORS配置
type CORSConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`                     // 是否启用CORS
	AllowAllOrigins  bool          `yaml:"allow_all_origins" mapstructure:"allow_all_origins"` // 是否允许所有源
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins"`         // 允许的源
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods"`         // 允许的方法
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers"`         // 允许的请求头
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials"` // 是否允许凭证
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age"`                     // 预检请求缓存时间
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled" mapstructure:"enabled"`                         // 是否启用限流
	RequestsPerSecond int      `yaml:"requests_per_second" mapstructure:"requests_per_second"` // 每秒请求数限制
	BurstSize         int      `yaml:"burst_size" mapstructure:"burst_size"`                   // 突发请求数
	SkipPaths         []string `yaml:"skip_paths" mapstructure:"skip_paths"`                   // 跳过限流的路径
	SkipIPs           []string `yaml:"skip_ips" mapstructure:"skip_ips"`                       // 跳过限流的IP
}

// RegistryConfig Agent注册中心配置
type RegistryConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`   // 离线扫描周期
	ErrorGrace     time.Duration `yaml:"error_grace" mapstructure:"error_grace"`         // 心跳缺失超过该时长进入error
	OfflineTimeout time.Duration `yaml:"offline_timeout" mapstructure:"offline_timeout"` // 心跳缺失超过该时长进入offline
	CriticalChecks []string      `yaml:"critical_checks" mapstructure:"critical_checks"` // 失败即判定为error的健康检查名称
}

// IngestionConfig 指标接入配置
type IngestionConfig struct {
	HotStore         string        `yaml:"hot_store" mapstructure:"hot_store"`                   // 热存储: memory, redis
	HotCapacity      int           `yaml:"hot_capacity" mapstructure:"hot_capacity"`             // 每个Agent热缓冲最大样本数
	HotWindow        time.Duration `yaml:"hot_window" mapstructure:"hot_window"`                 // 每个Agent热缓冲最大时间窗口
	QueueSize        int           `yaml:"queue_size" mapstructure:"queue_size"`                 // 异步处理队列容量
	Workers          int           `yaml:"workers" mapstructure:"workers"`                       // 异步处理协程数
	PersistRate      float64       `yaml:"persist_rate" mapstructure:"persist_rate"`             // 可持续持久化速率(样本/秒)
	PersistBurst     int           `yaml:"persist_burst" mapstructure:"persist_burst"`           // 持久化突发容量
	HighWatermark    float64       `yaml:"high_watermark" mapstructure:"high_watermark"`         // 队列高水位(0-1)，超过即进入采样模式
	ShedKeepEvery    int           `yaml:"shed_keep_every" mapstructure:"shed_keep_every"`       // 采样模式下每k个样本保留1个
	MaxCustomMetrics int           `yaml:"max_custom_metrics" mapstructure:"max_custom_metrics"` // 自定义指标最大数量
}

// StorageConfig 分层存储配置
type StorageConfig struct {
	FlushInterval  time.Duration     `yaml:"flush_interval" mapstructure:"flush_interval"`     // 热->温刷写周期
	FlushBatchSize int               `yaml:"flush_batch_size" mapstructure:"flush_batch_size"` // 单次刷写的最大样本数(每个Agent)
	DownsampleCron string            `yaml:"downsample_cron" mapstructure:"downsample_cron"`   // 降采样/清理任务cron表达式
	Retry          RetryConfig       `yaml:"retry" mapstructure:"retry"`                       // 刷写重试策略
	Warm           WarmStorageConfig `yaml:"warm" mapstructure:"warm"`                         // 温存储配置
}

// RetryConfig 指数退避重试配置
type RetryConfig struct {
	Initial     time.Duration `yaml:"initial" mapstructure:"initial"`           // 初始退避
	Max         time.Duration `yaml:"max" mapstructure:"max"`                   // 最大退避
	Multiplier  float64       `yaml:"multiplier" mapstructure:"multiplier"`     // 退避倍数
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"` // 最大尝试次数
}

// WarmStorageConfig 温存储配置
type WarmStorageConfig struct {
	Driver         string        `yaml:"driver" mapstructure:"driver"`                     // 温存储后端: gorm, clickhouse
	Retention      time.Duration `yaml:"retention" mapstructure:"retention"`               // 原始点保留时长
	Retention1m    time.Duration `yaml:"retention_1m" mapstructure:"retention_1m"`         // 1分钟粒度保留
	Retention5m    time.Duration `yaml:"retention_5m" mapstructure:"retention_5m"`         // 5分钟粒度保留
	Retention1h    time.Duration `yaml:"retention_1h" mapstructure:"retention_1h"`         // 1小时粒度保留
	ReservoirSize  int           `yaml:"reservoir_size" mapstructure:"reservoir_size"`     // 聚合桶保留的分位数样本数
	QueryMaxPoints int           `yaml:"query_max_points" mapstructure:"query_max_points"` // 单次查询返回的最大点数
}

// AlertConfig 告警引擎配置
type AlertConfig struct {
	SweepInterval        time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`                 // 生命周期扫描周期
	DefaultResolveAfter  time.Duration `yaml:"default_resolve_after" mapstructure:"default_resolve_after"`   // 默认恢复防抖窗口
	DefaultEscalateAfter time.Duration `yaml:"default_escalate_after" mapstructure:"default_escalate_after"` // 默认升级超时
	ResolveOnOffline     bool          `yaml:"resolve_on_offline" mapstructure:"resolve_on_offline"`         // Agent离线时是否自动恢复其告警
	RulesFile            string        `yaml:"rules_file" mapstructure:"rules_file"`                         // 默认规则文件(迁移工具导入)
}

// NotificationConfig 通知路由配置
type NotificationConfig struct {
	BatchInterval   time.Duration   `yaml:"batch_interval" mapstructure:"batch_interval"`     // 每个分发周期时长
	MaxAttempts     int             `yaml:"max_attempts" mapstructure:"max_attempts"`         // 最大尝试次数
	InitialBackoff  time.Duration   `yaml:"initial_backoff" mapstructure:"initial_backoff"`   // 初始退避
	MaxBackoff      time.Duration   `yaml:"max_backoff" mapstructure:"max_backoff"`           // 最大退避
	DefaultChannels []string        `yaml:"default_channels" mapstructure:"default_channels"` // 规则未指定通道时使用
	Channels        []ChannelConfig `yaml:"channels" mapstructure:"channels"`                 // 通道定义
}

// ChannelConfig 单个通知通道配置
type ChannelConfig struct {
	Name    string            `yaml:"name" mapstructure:"name"`       // 通道名称(规则里引用)
	Type    string            `yaml:"type" mapstructure:"type"`       // 通道类型: webhook, log
	URL     string            `yaml:"url" mapstructure:"url"`         // webhook地址
	Secret  string            `yaml:"secret" mapstructure:"secret"`   // webhook签名密钥(HS256)
	Issuer  string            `yaml:"issuer" mapstructure:"issuer"`   // 签名令牌签发者
	Headers map[string]string `yaml:"headers" mapstructure:"headers"` // 附加请求头
	Timeout time.Duration     `yaml:"timeout" mapstructure:"timeout"` // 单次请求超时
	Enabled bool              `yaml:"enabled" mapstructure:"enabled"` // 是否启用
}

// AppConfig 应用配置
type AppConfig struct {
	Name        string `yaml:"name" mapstructure:"name"`               // 应用名称
	Version     string `yaml:"version" mapstructure:"version"`         // 应用版本
	Environment string `yaml:"environment" mapstructure:"environment"` // 运行环境
	Debug       bool   `yaml:"debug" mapstructure:"debug"`             // 是否调试模式
	Timezone    string `yaml:"timezone" mapstructure:"timezone"`       // 时区

	RequiredEnvs []string `yaml:"required_envs" mapstructure:"required_envs"` // 启动时必须存在的环境变量
}

// GetAddress 获取服务器完整地址
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IsDevelopment 判断是否为开发环境
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction 判断是否为生产环境
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// IsTest 判断是否为测试环境
func (a *AppConfig) IsTest() bool {
	return a.Environment == "test"
}

// GetMySQLDSN 获取MySQL数据源名称
func (m *MySQLConfig) GetMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		m.Username, m.Password, m.Host, m.Port, m.Database, m.Charset, m.ParseTime, m.Loc)
}

// GetPostgresDSN 获取PostgreSQL数据源名称
func (p *PostgresConfig) GetPostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		p.Host, p.Port, p.Username, p.Password, p.Database, p.SSLMode, p.TimeZone)
}

// GetRedisAddress 获取Redis地址
func (r *RedisConfig) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// FindChannel 按名称查找通知通道
func (n *NotificationConfig) FindChannel(name string) (ChannelConfig, bool) {
	for _, ch := range n.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}
