package notification

import (
	"context"
	"testing"
)

func TestPostgresStore(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()

	storeContract(t, NewPostgresStore(db))
}

func TestPostgresStore_MigrateIsIdempotent(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()

	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate twice: %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	client := SetupTestRedis(t)
	defer client.Close()

	store := NewRedisStore(client, "notifier_test")
	ctx := context.Background()
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Failed to clear store: %v", err)
	}
	defer store.Clear(ctx)

	storeContract(t, store)
}
