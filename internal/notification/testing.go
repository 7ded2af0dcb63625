package notification

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// SetupTestDB recreates the notifier_test database and its schema. The test is
// skipped when PostgreSQL is not reachable.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	adminDSN := os.Getenv("TEST_DATABASE_ADMIN_URL")
	if adminDSN == "" {
		adminDSN = "host=localhost port=5432 user=notifier password=notifier dbname=postgres sslmode=disable"
	}
	testDSN := os.Getenv("TEST_DATABASE_URL")
	if testDSN == "" {
		testDSN = "host=localhost port=5432 user=notifier password=notifier dbname=notifier_test sslmode=disable"
	}

	// Connect to the default database to create the test database
	db, err := sql.Open("postgres", adminDSN)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("Skipping test, PostgreSQL not available: %v", err)
	}

	if _, err = db.Exec(`DROP DATABASE IF EXISTS notifier_test`); err != nil {
		t.Fatalf("Failed to drop database: %v", err)
	}
	if _, err = db.Exec(`CREATE DATABASE notifier_test`); err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	db.Close()

	db, err = sql.Open("postgres", testDSN)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	return db
}

// SetupTestRedis returns a client on a scratch database. The test is skipped
// when Redis is not reachable.
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDRESS")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Skipping test, Redis not available: %v", err)
	}
	return client
}
