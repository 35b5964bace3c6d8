package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// GlobalConfig 全局配置实例
	GlobalConfig *Config
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "AGENTMON"

// LoadConfig 加载配置文件
// configPath: 配置文件路径，如果为空则使用默认路径
// env: 环境标识，支持 development, test, production
func LoadConfig(configPath, env string) (*Config, error) {
	// 先加载 .env 文件(存在时)，让后续的环境变量绑定可以读到
	loadDotEnv(configPath)

	// 设置默认环境
	if env == "" {
		env = getEnvFromEnvironment()
	}

	// 创建viper实例
	v := viper.New()

	// 设置配置文件类型
	v.SetConfigType("yaml")

	// 设置配置文件路径
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	// 根据环境选择配置文件
	configFile := getConfigFileName(configPath, env)
	v.SetConfigFile(configFile)

	// 设置环境变量前缀
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 绑定环境变量
	bindEnvironmentVariables(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	// 解析配置到结构体
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&config)

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := ValidateRequiredEnvs(config.App.RequiredEnvs); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// 设置全局配置
	GlobalConfig = &config

	return &config, nil
}

// loadDotEnv 加载 .env 文件，文件不存在时静默跳过
func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append(candidates, filepath.Join(configPath, ".env"))
	}
	for _, f := range candidates {
		if _, err := os.Stat(f); err == nil {
			// 已存在的环境变量不会被覆盖
			_ = LoadEnvFile(f)
		}
	}
}

// getEnvFromEnvironment 从环境变量获取环境标识
func getEnvFromEnvironment() string {
	em := NewEnvManager(EnvPrefix)
	env := em.GetString("ENV", "")
	if env == "" {
		env = os.Getenv("GO_ENV")
	}
	if env == "" {
		env = "development" // 默认开发环境
	}
	return env
}

// getDefaultConfigPath 获取默认配置文件路径
func getDefaultConfigPath() string {
	// 尝试从环境变量获取配置路径
	if configPath := NewEnvManager(EnvPrefix).GetString("CONFIG_PATH", ""); configPath != "" {
		return configPath
	}

	// 使用默认路径
	return "configs"
}

// getConfigFileName 根据环境获取配置文件名
func getConfigFileName(configPath, env string) string {
	var configFile string

	switch env {
	case "production", "prod":
		configFile = filepath.Join(configPath, "config.prod.yaml")
	case "test", "testing":
		configFile = filepath.Join(configPath, "config.test.yaml")
	default:
		configFile = filepath.Join(configPath, "config.yaml")
	}

	// 检查文件是否存在，如果不存在则使用默认配置文件
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		defaultConfig := filepath.Join(configPath, "config.yaml")
		if _, err := os.Stat(defaultConfig); err == nil {
			return defaultConfig
		}
	}

	return configFile
}

// bindEnvironmentVariables 绑定环境变量
func bindEnvironmentVariables(v *viper.Viper) {
	// 数据库配置
	v.BindEnv("database.driver", "AGENTMON_DATABASE_DRIVER")
	v.BindEnv("database.mysql.host", "AGENTMON_MYSQL_HOST")
	v.BindEnv("database.mysql.port", "AGENTMON_MYSQL_PORT")
	v.BindEnv("database.mysql.username", "AGENTMON_MYSQL_USERNAME")
	v.BindEnv("database.mysql.password", "AGENTMON_MYSQL_PASSWORD")
	v.BindEnv("database.mysql.database", "AGENTMON_MYSQL_DATABASE")

	v.BindEnv("database.postgres.host", "AGENTMON_POSTGRES_HOST")
	v.BindEnv("database.postgres.port", "AGENTMON_POSTGRES_PORT")
	v.BindEnv("database.postgres.username", "AGENTMON_POSTGRES_USERNAME")
	v.BindEnv("database.postgres.password", "AGENTMON_POSTGRES_PASSWORD")
	v.BindEnv("database.postgres.database", "AGENTMON_POSTGRES_DATABASE")

	v.BindEnv("database.redis.host", "AGENTMON_REDIS_HOST")
	v.BindEnv("database.redis.port", "AGENTMON_REDIS_PORT")
	v.BindEnv("database.redis.password", "AGENTMON_REDIS_PASSWORD")
	v.BindEnv("database.redis.database", "AGENTMON_REDIS_DATABASE")

	v.BindEnv("database.clickhouse.database", "AGENTMON_CLICKHOUSE_DATABASE")
	v.BindEnv("database.clickhouse.username", "AGENTMON_CLICKHOUSE_USERNAME")
	v.BindEnv("database.clickhouse.password", "AGENTMON_CLICKHOUSE_PASSWORD")

	// 服务器配置
	v.BindEnv("server.host", "AGENTMON_SERVER_HOST")
	v.BindEnv("server.port", "AGENTMON_SERVER_PORT")
	v.BindEnv("server.mode", "AGENTMON_SERVER_MODE")

	// 存储配置
	v.BindEnv("ingestion.hot_store", "AGENTMON_HOT_STORE")
	v.BindEnv("storage.warm.driver", "AGENTMON_WARM_DRIVER")

	// 应用配置
	v.BindEnv("app.environment", "AGENTMON_APP_ENVIRONMENT")
	v.BindEnv("app.debug", "AGENTMON_APP_DEBUG")
}

// ApplyDefaults 填充未配置项的默认值
func ApplyDefaults(config *Config) {
	if config == nil {
		return
	}

	if config.Server.RequestTimeout <= 0 {
		config.Server.RequestTimeout = 10 * time.Second
	}
	if config.Database.Driver == "" {
		config.Database.Driver = "mysql"
	}
	if config.Database.Redis.KeyPrefix == "" {
		config.Database.Redis.KeyPrefix = "agentmon:hot:"
	}

	r := &config.Registry
	if r.SweepInterval <= 0 {
		r.SweepInterval = 30 * time.Second
	}
	if r.ErrorGrace <= 0 {
		r.ErrorGrace = 5 * time.Minute
	}
	if r.OfflineTimeout <= 0 {
		r.OfflineTimeout = 10 * time.Minute
	}

	in := &config.Ingestion
	if in.HotStore == "" {
		in.HotStore = "memory"
	}
	if in.HotCapacity <= 0 {
		in.HotCapacity = 256
	}
	if in.HotWindow <= 0 {
		in.HotWindow = 10 * time.Minute
	}
	if in.QueueSize <= 0 {
		in.QueueSize = 4096
	}
	if in.Workers <= 0 {
		in.Workers = 4
	}
	if in.PersistRate <= 0 {
		in.PersistRate = 500
	}
	if in.PersistBurst <= 0 {
		in.PersistBurst = 1000
	}
	if in.HighWatermark <= 0 || in.HighWatermark > 1 {
		in.HighWatermark = 0.8
	}
	if in.ShedKeepEvery <= 1 {
		in.ShedKeepEvery = 4
	}
	if in.MaxCustomMetrics <= 0 {
		in.MaxCustomMetrics = 32
	}

	s := &config.Storage
	if s.FlushInterval <= 0 {
		s.FlushInterval = 15 * time.Second
	}
	if s.FlushBatchSize <= 0 {
		s.FlushBatchSize = 1000
	}
	if s.DownsampleCron == "" {
		s.DownsampleCron = "@every 1m"
	}
	if s.Retry.Initial <= 0 {
		s.Retry.Initial = 200 * time.Millisecond
	}
	if s.Retry.Max <= 0 {
		s.Retry.Max = 10 * time.Second
	}
	if s.Retry.Multiplier < 1 {
		s.Retry.Multiplier = 2
	}
	if s.Retry.MaxAttempts <= 0 {
		s.Retry.MaxAttempts = 5
	}
	if s.Warm.Driver == "" {
		s.Warm.Driver = "gorm"
	}
	if s.Warm.Retention <= 0 {
		s.Warm.Retention = 30 * 24 * time.Hour
	}
	if s.Warm.Retention1m <= 0 {
		s.Warm.Retention1m = 7 * 24 * time.Hour
	}
	if s.Warm.Retention5m <= 0 {
		s.Warm.Retention5m = 30 * 24 * time.Hour
	}
	if s.Warm.Retention1h <= 0 {
		s.Warm.Retention1h = 180 * 24 * time.Hour
	}
	if s.Warm.ReservoirSize <= 0 {
		s.Warm.ReservoirSize = 128
	}
	if s.Warm.QueryMaxPoints <= 0 {
		s.Warm.QueryMaxPoints = 50000
	}

	a := &config.Alert
	if a.SweepInterval <= 0 {
		a.SweepInterval = 15 * time.Second
	}
	if a.DefaultResolveAfter <= 0 {
		a.DefaultResolveAfter = 2 * time.Minute
	}
	if a.DefaultEscalateAfter <= 0 {
		a.DefaultEscalateAfter = 15 * time.Minute
	}

	n := &config.Notification
	if n.BatchInterval <= 0 {
		n.BatchInterval = 10 * time.Second
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = 3
	}
	if n.InitialBackoff <= 0 {
		n.InitialBackoff = 500 * time.Millisecond
	}
	if n.MaxBackoff <= 0 {
		n.MaxBackoff = 10 * time.Second
	}
	if len(n.Channels) == 0 {
		n.Channels = []ChannelConfig{{Name: "log", Type: "log", Enabled: true}}
	}
	if len(n.DefaultChannels) == 0 {
		n.DefaultChannels = []string{"log"}
	}
}

// validateConfig 验证配置
func validateConfig(config *Config) error {
	// 验证服务器配置
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.Mode != "debug" && config.Server.Mode != "release" && config.Server.Mode != "test" {
		return fmt.Errorf("invalid server mode: %s", config.Server.Mode)
	}

	// 验证数据库配置
	switch config.Database.Driver {
	case "mysql":
		if config.Database.MySQL.Host == "" {
			return fmt.Errorf("mysql host is required")
		}
		if config.Database.MySQL.Database == "" {
			return fmt.Errorf("mysql database name is required")
		}
	case "postgres":
		if config.Database.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required")
		}
		if config.Database.Postgres.Database == "" {
			return fmt.Errorf("postgres database name is required")
		}
	case "sqlite":
		if config.Database.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	default:
		return fmt.Errorf("invalid database driver: %s", config.Database.Driver)
	}

	if !contains([]string{"memory", "redis"}, config.Ingestion.HotStore) {
		return fmt.Errorf("invalid hot store: %s", config.Ingestion.HotStore)
	}
	if config.Ingestion.HotStore == "redis" && config.Database.Redis.Host == "" {
		return fmt.Errorf("redis host is required when hot_store is redis")
	}

	if !contains([]string{"gorm", "clickhouse"}, config.Storage.Warm.Driver) {
		return fmt.Errorf("invalid warm storage driver: %s", config.Storage.Warm.Driver)
	}
	if config.Storage.Warm.Driver == "clickhouse" && len(config.Database.ClickHouse.Addr) == 0 {
		return fmt.Errorf("clickhouse addr is required when warm driver is clickhouse")
	}

	if config.Registry.OfflineTimeout < config.Registry.ErrorGrace {
		return fmt.Errorf("registry.offline_timeout must not be shorter than registry.error_grace")
	}

	// 验证日志配置
	validLogLevels := []string{"debug", "info", "warn", "error", "fatal", "panic"}
	if !contains(validLogLevels, config.Log.Level) {
		return fmt.Errorf("invalid log level: %s", config.Log.Level)
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Log.Format) {
		return fmt.Errorf("invalid log format: %s", config.Log.Format)
	}

	validLogOutputs := []string{"stdout", "stderr", "file"}
	if !contains(validLogOutputs, config.Log.Output) {
		return fmt.Errorf("invalid log output: %s", config.Log.Output)
	}

	// 如果日志输出到文件，验证文件路径
	if config.Log.Output == "file" && config.Log.FilePath == "" {
		return fmt.Errorf("log file path is required when output is file")
	}

	// 验证通知通道
	for _, ch := range config.Notification.Channels {
		if strings.TrimSpace(ch.Name) == "" {
			return fmt.Errorf("notification channel name is required")
		}
		switch ch.Type {
		case "log":
		case "webhook":
			if ch.URL == "" {
				return fmt.Errorf("notification channel %s: url is required", ch.Name)
			}
		default:
			return fmt.Errorf("notification channel %s: unsupported type %s", ch.Name, ch.Type)
		}
	}

	return nil
}

// contains 检查切片是否包含指定元素
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	return GlobalConfig
}

// MustLoadConfig 加载配置，如果失败则panic
func MustLoadConfig(configPath, env string) *Config {
	config, err := LoadConfig(configPath, env)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	return config
}

// GetEnv 获取当前环境
func GetEnv() string {
	if GlobalConfig != nil {
		return GlobalConfig.App.Environment
	}
	return getEnvFromEnvironment()
}
