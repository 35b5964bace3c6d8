/*
*
  - 数据库迁移工具
  - @author: sun977
  - @date: 2025.10.31
  - @description: 关系库模型迁移、ClickHouse 建表以及默认告警规则导入
  - @usage: go run main.go -env=test -seed=true -drop=false
    -config string
    配置目录 (默认 configs)
    -drop
    是否先删除表（危险操作）
    -env string
    环境标识 (test, dev, prod) (default "test")
    -rules string
    规则文件，默认取 alert.rules_file
    -seed
    是否导入默认告警规则 (default true)

示例:
main.exe -env=test -seed=true    # 测试环境迁移并导入规则
main.exe -env=prod -seed=false   # 生产环境仅迁移表结构
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"agentmonitor/internal/app/master/setup"
	"agentmonitor/internal/config"
	alertModel "agentmonitor/internal/model/alert"
	"agentmonitor/internal/pkg/database"
	"agentmonitor/internal/pkg/logger"
	"agentmonitor/internal/repo/clickhouse"
	alertRepo "agentmonitor/internal/repo/mysql/alert"
	alertService "agentmonitor/internal/service/alert"
)

// MigrateOptions 迁移选项配置
type MigrateOptions struct {
	ConfigPath  string // 配置目录
	Environment string // 环境标识: test, dev, prod
	SeedRules   bool   // 是否导入默认规则
	RulesFile   string // 规则文件
	DropFirst   bool   // 是否先删除表（危险操作）
}

func main() {
	opts := parseFlags()

	cfg, err := config.LoadConfig(opts.ConfigPath, opts.Environment)
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	logManager, err := logger.InitLogger(&cfg.Log)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	lg := logManager.GetLogger()

	lg.WithFields(logrus.Fields{
		"path":        "cmd/migrate/main.go",
		"operation":   "database_migration",
		"option":      "migrate.start",
		"func_name":   "main",
		"environment": opts.Environment,
		"driver":      cfg.Database.Driver,
		"seed_rules":  opts.SeedRules,
		"drop_first":  opts.DropFirst,
	}).Info("开始数据库迁移")

	db, err := database.NewDatabaseConnection(&cfg.Database)
	if err != nil {
		lg.WithFields(logrus.Fields{
			"path":      "cmd/migrate/main.go",
			"operation": "database_connection",
			"option":    "database.NewDatabaseConnection",
			"func_name": "main",
			"error":     err.Error(),
		}).Fatal("数据库连接失败")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := performMigration(ctx, db, cfg, opts, lg); err != nil {
		lg.WithFields(logrus.Fields{
			"path":      "cmd/migrate/main.go",
			"operation": "database_migration",
			"option":    "performMigration",
			"func_name": "main",
			"error":     err.Error(),
		}).Fatal("数据库迁移失败")
	}

	lg.WithFields(logrus.Fields{
		"path":      "cmd/migrate/main.go",
		"operation": "database_migration",
		"option":    "migrate.complete",
		"func_name": "main",
	}).Info("数据库迁移完成")
}

// parseFlags 解析命令行参数
func parseFlags() *MigrateOptions {
	opts := &MigrateOptions{}

	flag.StringVar(&opts.ConfigPath, "config", "", "配置目录 (默认 configs)")
	flag.StringVar(&opts.Environment, "env", "test", "环境标识 (test, dev, prod)")
	flag.BoolVar(&opts.SeedRules, "seed", true, "是否导入默认告警规则")
	flag.StringVar(&opts.RulesFile, "rules", "", "规则文件，默认取 alert.rules_file")
	flag.BoolVar(&opts.DropFirst, "drop", false, "是否先删除表（危险操作）")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "AgentMonitor 数据库迁移工具\n\n")
		fmt.Fprintf(os.Stderr, "用法: %s [选项]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "选项:\n")
		flag.PrintDefaults()
	}

	flag.Parse()
	return opts
}

// performMigration 删除(可选) -> 迁移关系表 -> ClickHouse 建表 -> 导入规则
func performMigration(ctx context.Context, db *gorm.DB, cfg *config.Config, opts *MigrateOptions, lg *logrus.Logger) error {
	if opts.DropFirst {
		for _, model := range setup.Models() {
			if err := db.Migrator().DropTable(model); err != nil {
				lg.WithFields(logrus.Fields{
					"operation": "drop_table",
					"model":     fmt.Sprintf("%T", model),
					"error":     err.Error(),
				}).Error("删除表失败")
			}
		}
	}

	for _, model := range setup.Models() {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("迁移模型 %T 失败: %w", model, err)
		}
		lg.WithField("model", fmt.Sprintf("%T", model)).Info("模型迁移成功")
	}

	if cfg.Storage.Warm.Driver == "clickhouse" {
		conn, err := database.NewClickHouseConnection(&cfg.Database.ClickHouse, cfg.App.Name, cfg.App.Version)
		if err != nil {
			return fmt.Errorf("连接 ClickHouse 失败: %w", err)
		}
		defer conn.Close()
		if err := clickhouse.NewWarmStore(conn).EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ClickHouse 建表失败: %w", err)
		}
		lg.Info("ClickHouse 表结构已就绪")
	}

	if !opts.SeedRules {
		return nil
	}
	path := opts.RulesFile
	if path == "" {
		path = cfg.Alert.RulesFile
	}
	if path == "" {
		lg.Warn("未配置规则文件，跳过规则导入")
		return nil
	}
	created, skipped, err := seedRules(ctx, alertRepo.NewAlertRuleRepository(db), path)
	if err != nil {
		return err
	}
	lg.WithFields(logrus.Fields{
		"operation": "seed_rules",
		"file":      path,
		"created":   created,
		"skipped":   skipped,
	}).Info("告警规则导入完成")
	return nil
}

// seedRules 导入规则文件，已存在的 rule_id 跳过
func seedRules(ctx context.Context, repo alertRepo.AlertRuleRepository, path string) (created, skipped int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("读取规则文件失败: %w", err)
	}
	var file alertModel.RuleSeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, 0, fmt.Errorf("解析规则文件失败: %w", err)
	}

	for i := range file.Rules {
		rule, err := alertService.BuildRule(&file.Rules[i], "migrate")
		if err != nil {
			return created, skipped, fmt.Errorf("规则 %q 无效: %w", file.Rules[i].Name, err)
		}
		existing, err := repo.GetByRuleID(ctx, rule.RuleID)
		if err != nil {
			return created, skipped, err
		}
		if existing != nil {
			skipped++
			continue
		}
		if err := repo.Create(ctx, rule); err != nil {
			return created, skipped, err
		}
		created++
	}
	return created, skipped, nil
}
