package migration

import (
	"errors"

	"github.com/BaSui01/brokerflow/config"
)

// ErrNoDatabase is returned when the workflow store is configured in memory.
var ErrNoDatabase = errors.New("database driver is memory; nothing to migrate")

// NewMigratorFromDatabaseConfig builds a migrator from the database section.
func NewMigratorFromDatabaseConfig(cfg config.DatabaseConfig) (*DefaultMigrator, error) {
	if cfg.Driver == "" || cfg.Driver == "memory" {
		return nil, ErrNoDatabase
	}
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, err
	}
	url := BuildDatabaseURL(dbType, cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode)
	return NewMigrator(&Config{DatabaseType: dbType, DatabaseURL: url, TableName: DefaultTable})
}

// NewMigratorFromURL builds a migrator from an explicit type and DSN.
func NewMigratorFromURL(dbType, url string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: dt, DatabaseURL: url, TableName: DefaultTable})
}
