//go:build integration

package sharedconf

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"bulkjob/internal/apperrors"
)

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("BULKJOB_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BULKJOB_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	store, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer store.Close()

	if err := store.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	scope := "test-" + uuid.NewString()
	ch := store.Scope(scope)
	if _, ok, err := ch.Read(ctx, KeyJobID); err != nil || ok {
		t.Fatalf("Read before publish = %v, %v", ok, err)
	}
	if err := ch.Publish(ctx, KeyJobID, "J1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := ch.Publish(ctx, KeyJobID, "J1"); err != nil {
		t.Errorf("same-value republish: %v", err)
	}
	if err := ch.Publish(ctx, KeyJobID, "J2"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("different value = %v, want conflict", err)
	}

	other := store.Scope("test-" + uuid.NewString())
	if _, ok, _ := other.Read(ctx, KeyJobID); ok {
		t.Error("scopes must not share keys")
	}

	id, err := ReadJobID(ctx, ch)
	if err != nil || id != "J1" {
		t.Errorf("ReadJobID = %q, %v", id, err)
	}

	if err := ch.(Clearer).Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := store.Scope(scope).Read(ctx, KeyJobID); ok {
		t.Error("job id survived Clear")
	}
	if err := ch.Publish(ctx, KeyJobID, "J2"); err != nil {
		t.Errorf("Publish after Clear = %v", err)
	}
}
