package testutil

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/earthring/netbind/internal/config"
)

// ReplicationTables are the tables owned by the database package, in drop
// order.
var ReplicationTables = []string{
	"netbind_static_ids",
	"netbind_context_sequences",
}

// DefaultTestDBConfig returns the database section used by storage tests,
// read from TEST_DB_* variables.
func DefaultTestDBConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Enabled:         true,
		Host:            getEnv("TEST_DB_HOST", "localhost"),
		Port:            getIntEnv("TEST_DB_PORT", 5432),
		User:            getEnv("TEST_DB_USER", "postgres"),
		Password:        getEnv("TEST_DB_PASSWORD", "postgres"),
		Database:        getEnv("TEST_DB_NAME", "netbind_test"),
		SSLMode:         getEnv("TEST_DB_SSLMODE", "disable"),
		MaxConnections:  8,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}
}

// SetupTestDB connects to the test database, creating it on first use. The
// test is skipped when PostgreSQL is not reachable, and the connection is
// closed when the test ends.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := DefaultTestDBConfig()

	admin := cfg
	admin.Database = "postgres"
	adminDB, err := sql.Open("postgres", admin.DatabaseURL())
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	defer adminDB.Close()

	if err := adminDB.Ping(); err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}

	// Database might already exist, which is fine
	if _, err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", cfg.Database)); err != nil {
		t.Logf("Test database creation: %v (may already exist)", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		db.Close()
		t.Fatalf("Failed to ping test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// CleanupTestDB drops the replication tables now and again when the test
// ends, so every storage test starts from an empty schema.
func CleanupTestDB(t *testing.T, db *sql.DB) {
	t.Helper()
	drop := func() {
		for _, table := range ReplicationTables {
			if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
				t.Logf("Warning: Failed to drop table %s: %v", table, err)
			}
		}
	}
	drop()
	t.Cleanup(drop)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}
