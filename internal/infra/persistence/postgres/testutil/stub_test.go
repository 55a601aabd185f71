package testutil

import (
	"context"
	"testing"
)

func TestStubDBUpsertsOnCommitOnly(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO state(bucket,payload) VALUES($1,$2)", "plots", []byte(`{}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(conn.State) != 0 {
		t.Fatalf("uncommitted upsert leaked: %v", conn.State)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(conn.State) != 0 {
		t.Fatalf("rolled back upsert leaked")
	}

	tx, _ = db.BeginTx(ctx, nil)
	_, _ = tx.ExecContext(ctx, "INSERT INTO state(bucket,payload) VALUES($1,$2)", "plots", []byte(`{"a":1}`))
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var bucket string
	var payload []byte
	if err := db.QueryRowContext(ctx, "SELECT bucket, payload FROM state").Scan(&bucket, &payload); err != nil {
		t.Fatalf("query: %v", err)
	}
	if bucket != "plots" || string(payload) != `{"a":1}` {
		t.Fatalf("unexpected row %s=%s", bucket, payload)
	}
}
