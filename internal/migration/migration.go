package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// versionTable keeps migrate's bookkeeping apart from any other tool
// sharing the database.
const versionTable = "arbiter_schema_migrations"

var (
	//go:embed sql/*.sql
	postgresMigrations embed.FS

	//go:embed sqlite/schema.sql
	sqliteSchema string
)

// Apply brings the schema up to date for the connection's dialect. Postgres
// goes through numbered migrations; sqlite gets the flat idempotent schema.
func Apply(conn *gorm.DB, log *zap.Logger) error {
	if conn == nil {
		return errors.New("migration: nil database")
	}
	if log == nil {
		log = zap.NewNop()
	}
	switch name := conn.Dialector.Name(); name {
	case "postgres":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB, log)
	case "sqlite":
		log.Info("applying sqlite schema")
		return ApplySQLite(conn)
	default:
		return fmt.Errorf("migration: unsupported dialect %s", name)
	}
}

// RunMigrations applies the embedded postgres migrations. The migrator is
// not closed since that would close db as well.
func RunMigrations(db *sql.DB, log *zap.Logger) error {
	source, err := iofs.New(postgresMigrations, "sql")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: versionTable})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	m.Log = migrateLogger{log.Named("migrate")}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		log.Debug("schema up to date")
	case err != nil:
		return fmt.Errorf("migrate up: %w", err)
	}
	if version, dirty, err := m.Version(); err == nil {
		log.Info("schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

// ApplySQLite runs the sqlite schema statement by statement.
func ApplySQLite(conn *gorm.DB) error {
	for i, stmt := range statements(sqliteSchema) {
		if err := conn.Exec(stmt).Error; err != nil {
			return fmt.Errorf("sqlite schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// statements drops full-line comments and splits on semicolons; the schema
// has no semicolons inside literals or triggers.
func statements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	var out []string
	for _, part := range strings.Split(b.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

type migrateLogger struct {
	log *zap.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return l.log.Core().Enabled(zap.DebugLevel)
}
