package db

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/arbiter/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// lockTimeoutMillis bounds how long a transition waits on a dispute_phases
// row lock before postgres fails it with 55P03.
const lockTimeoutMillis = 5000

// Dialect picks the driver. Postgres is the production store; sqlite backs
// single-node local runs and shares the schema the tests use.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case "postgres", "postgresql":
		return postgres.Open(postgresDSN(cfg)), nil
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg.DBName)), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
}

func postgresDSN(cfg config.Config) string {
	sslMode := cfg.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC lock_timeout=%d application_name=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, sslMode, lockTimeoutMillis, applicationName(cfg),
	)
}

func sqliteDSN(name string) string {
	if name == "" {
		name = "arbiter"
	}
	if !strings.HasSuffix(name, ".db") {
		name += ".db"
	}
	return "file:" + name + "?_busy_timeout=" + fmt.Sprint(lockTimeoutMillis) + "&_journal_mode=WAL&_foreign_keys=on"
}

func applicationName(cfg config.Config) string {
	if name := strings.TrimSpace(cfg.AppName); name != "" {
		return strings.ReplaceAll(name, " ", "_")
	}
	return "arbiter"
}
