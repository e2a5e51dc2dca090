//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/air-quality-service/internal/database"
)

// IntegrationTestConfig holds live-backend addresses for integration tests.
type IntegrationTestConfig struct {
	RedisAddr      string
	MemcachedAddrs string
	PostgresDSN    string
	KafkaBrokers   string
	OpenAQAPIKey   string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Backends without an address are skipped by the tests that need them.
func GetIntegrationConfig() IntegrationTestConfig {
	return IntegrationTestConfig{
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		MemcachedAddrs: os.Getenv("MEMCACHED_ADDRS"),
		PostgresDSN:    os.Getenv("DATABASE_URL"),
		KafkaBrokers:   os.Getenv("KAFKA_BROKERS"),
		OpenAQAPIKey:   os.Getenv("OPENAQ_API_KEY"),
	}
}

// RequireRedis skips the test when REDIS_ADDR is not set.
func RequireRedis(t *testing.T) string {
	t.Helper()
	addr := GetIntegrationConfig().RedisAddr
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	return addr
}

// RequireMemcached skips the test when MEMCACHED_ADDRS is not set.
func RequireMemcached(t *testing.T) string {
	t.Helper()
	addrs := GetIntegrationConfig().MemcachedAddrs
	if addrs == "" {
		t.Skip("MEMCACHED_ADDRS not set, skipping integration test")
	}
	return addrs
}

// RequireKafka skips the test when KAFKA_BROKERS is not set.
func RequireKafka(t *testing.T) string {
	t.Helper()
	brokers := GetIntegrationConfig().KafkaBrokers
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}
	return brokers
}

// RequireOpenAQ skips the test when OPENAQ_API_KEY is not set.
func RequireOpenAQ(t *testing.T) string {
	t.Helper()
	key := GetIntegrationConfig().OpenAQAPIKey
	if key == "" {
		t.Skip("OPENAQ_API_KEY not set, skipping integration test")
	}
	return key
}

// SetupPostgres connects to DATABASE_URL, applies migrations and truncates all tables.
// Skips the test when DATABASE_URL is not set. The pool is closed on cleanup.
func SetupPostgres(t *testing.T) *database.DB {
	t.Helper()
	dsn := GetIntegrationConfig().PostgresDSN
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, dsn, database.Options{})
	if err != nil {
		t.Fatalf("database.Connect() error = %v", err)
	}
	if err := db.RunMigrations(ctx, nil); err != nil {
		db.Close()
		t.Fatalf("RunMigrations() error = %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE air_quality_cache, measurements, stations RESTART IDENTITY`); err != nil {
		db.Close()
		t.Fatalf("truncate error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
