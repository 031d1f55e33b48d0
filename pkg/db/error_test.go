package db

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/arbiter/internal/config"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{"pg", &pgconn.PgError{Code: "23505"}, true},
		{"pg_other", &pgconn.PgError{Code: "40001"}, false},
		{"sqlite", errors.New("UNIQUE constraint failed: disputes.booking_id"), true},
		{"other", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsDuplicateKeyErr(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestIsLockContention(t *testing.T) {
	if !IsLockContention(&pgconn.PgError{Code: "55P03"}) {
		t.Fatalf("expected lock timeout to count as contention")
	}
	if IsLockContention(errors.New("boom")) {
		t.Fatalf("expected plain error not to count as contention")
	}
}

func TestDialectSelectsDriver(t *testing.T) {
	cfg := config.Config{DBType: "postgres", DBHost: "db", DBPort: "5432", DBName: "arbiter", DBUser: "u", DBPassword: "p"}
	d, err := Dialect(cfg)
	if err != nil {
		t.Fatalf("postgres: %v", err)
	}
	if d.Name() != "postgres" {
		t.Fatalf("expected postgres dialector, got %s", d.Name())
	}
	if dsn := postgresDSN(cfg); !strings.Contains(dsn, "lock_timeout=5000") || !strings.Contains(dsn, "sslmode=disable") {
		t.Fatalf("unexpected dsn %q", dsn)
	}

	if got := sqliteDSN("local"); !strings.HasPrefix(got, "file:local.db?") {
		t.Fatalf("unexpected sqlite dsn %q", got)
	}

	if _, err := Dialect(config.Config{DBType: "mysql"}); err == nil {
		t.Fatalf("expected mysql to be rejected")
	}
}
