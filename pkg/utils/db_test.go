package utils

import (
	"testing"
	"time"
)

func TestRebind_Postgres(t *testing.T) {
	got := Rebind(DialectPostgres, "UPDATE t SET a = ? WHERE id = ? AND b = ?")
	want := "UPDATE t SET a = $1 WHERE id = $2 AND b = $3"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRebind_SQLiteUnchanged(t *testing.T) {
	q := "SELECT id FROM t WHERE id = ?"
	if got := Rebind(DialectSQLite, q); got != q {
		t.Fatalf("expected query unchanged, got %q", got)
	}
}

func TestDialectDriverNames(t *testing.T) {
	if DialectPostgres.DriverName() != "pgx" {
		t.Fatalf("expected pgx driver for postgres")
	}
	if DialectSQLite.DriverName() != "sqlite" {
		t.Fatalf("expected sqlite driver")
	}
	if Dialect("oracle").DriverName() != "" {
		t.Fatalf("expected empty driver for unknown dialect")
	}
}

func TestPoolDefaults_SQLiteSingleWriter(t *testing.T) {
	p := PoolConfig{MaxOpenConns: 10}.withDefaults(DialectSQLite)
	if p.MaxOpenConns != 1 || p.MaxIdleConns != 1 {
		t.Fatalf("expected single connection for sqlite, got %+v", p)
	}
	if p.BusyTimeout <= 0 {
		t.Fatalf("expected busy timeout default")
	}
	p = PoolConfig{ConnMaxLifetime: time.Minute, ConnMaxIdleTime: time.Minute}.withDefaults(DialectSQLite)
	if p.ConnMaxLifetime != 0 || p.ConnMaxIdleTime != 0 {
		t.Fatalf("sqlite connection must never be recycled, got %+v", p)
	}
}

func TestPoolDefaults_PostgresRecycles(t *testing.T) {
	p := PoolConfig{}.withDefaults(DialectPostgres)
	if p.ConnMaxLifetime != 30*time.Minute || p.ConnMaxIdleTime != 5*time.Minute || p.MaxOpenConns != 25 {
		t.Fatalf("unexpected postgres defaults: %+v", p)
	}
}
