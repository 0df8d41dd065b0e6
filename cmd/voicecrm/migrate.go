package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BaSui01/voicecrm/internal/migration"
)

// =============================================================================
// 数据库迁移命令
// =============================================================================

// runMigrate 处理 migrate 子命令
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "help", "-h", "--help":
		printMigrateUsage()
		return
	case "up", "down", "status", "version":
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet("migrate "+subcommand, flag.ExitOnError)
	migrator, err := createMigrator(fs, args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := migration.NewCLI(migrator).Run(context.Background(), subcommand); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// printMigrateUsage 打印 migrate 帮助
func printMigrateUsage() {
	fmt.Println(`Conversation History Migrations

Usage:
  voicecrm migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  status    Show migration status
  version   Show current migration version
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql (default: from config)
  --db-url <url>      Database connection URL (default: from config)

SQLite deployments create the history table on startup (history.auto_migrate).

Examples:
  voicecrm migrate up
  voicecrm migrate up --config /etc/voicecrm/config.yaml
  voicecrm migrate status --db-type mysql --db-url "user:pass@tcp(localhost:3306)/crm?parseTime=true&multiStatements=true"`)
}

// createMigrator 优先使用 --db-type/--db-url，否则从配置文件构建
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		t, err := migration.ParseDatabaseType(*dbType)
		if err != nil {
			return nil, err
		}
		return migration.NewMigrator(migration.Config{DatabaseType: t, DatabaseURL: *dbURL})
	}

	cfg, err := loadConfig(*configPath, "")
	if err != nil {
		return nil, err
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}
