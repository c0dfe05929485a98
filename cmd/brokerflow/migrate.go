package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/BaSui01/brokerflow/config"
	"github.com/BaSui01/brokerflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// versionedSubcommands 需要一个版本号参数
var versionedSubcommands = map[string]bool{"goto": true, "force": true}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage()
		if len(args) < 1 {
			os.Exit(1)
		}
		return
	}

	if err := migrateCommand(context.Background(), args, os.Stdout, openMigrator); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// migratorOpener 根据 --config / --db-type / --db-url 创建迁移器
type migratorOpener func(configPath, dbType, dbURL string) (migration.Migrator, error)

// migrateCommand 解析 <subcommand> [version] [flags] 并执行
func migrateCommand(ctx context.Context, args []string, out io.Writer, open migratorOpener) error {
	sub := args[0]
	rest := args[1:]

	var positional []string
	if versionedSubcommands[sub] {
		if len(rest) == 0 {
			return fmt.Errorf("%s requires a version argument", sub)
		}
		positional, rest = rest[:1], rest[1:]
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	switch sub {
	case "up", "down", "reset", "goto", "force", "version", "status":
	default:
		return fmt.Errorf("unknown migrate subcommand: %s", sub)
	}

	m, err := open(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(out)
	return cli.Run(ctx, sub, positional)
}

// openMigrator creates a migrator from flags, falling back to the config file
func openMigrator(configPath, dbType, dbURL string) (migration.Migrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  brokerflow migrate <subcommand> [version] [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration
  status    Show migration status
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  brokerflow migrate up
  brokerflow migrate up --config /etc/brokerflow/config.yaml
  brokerflow migrate status --db-type sqlite --db-url "file:brokerflow.db?mode=rwc"
  brokerflow migrate goto 1
  brokerflow migrate force 0`)
}
