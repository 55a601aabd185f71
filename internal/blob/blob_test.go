package blob_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"fieldtrials/internal/blob"
)

func stores(t *testing.T) map[string]blob.Store {
	t.Helper()
	fsStore, err := blob.Open(context.Background(), blob.Config{FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	mem, err := blob.Open(context.Background(), blob.Config{Driver: blob.DriverMemory})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	return map[string]blob.Store{"fs": fsStore, "memory": mem}
}

func TestStoreContract(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			info, err := store.Put(ctx, "uploads/s1/job/plots.csv", bytes.NewBufferString("row,column\n1,1\n"), blob.PutOptions{
				ContentType: "text/csv",
				Metadata:    map[string]string{"study": "s1"},
			})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Size != 15 || info.ETag == "" || info.Key != "uploads/s1/job/plots.csv" {
				t.Fatalf("unexpected info %+v", info)
			}
			if _, err := store.Put(ctx, "uploads/s1/job/plots.csv", bytes.NewBufferString("x"), blob.PutOptions{}); !errors.Is(err, blob.ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}
			if _, err := store.Put(ctx, "packages/s1/t/datapackage.json", bytes.NewBufferString("{}"), blob.PutOptions{}); err != nil {
				t.Fatalf("put second: %v", err)
			}

			got, rc, err := store.Get(ctx, "uploads/s1/job/plots.csv")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			body, _ := io.ReadAll(rc)
			_ = rc.Close()
			if string(body) != "row,column\n1,1\n" || got.ContentType != "text/csv" || got.Metadata["study"] != "s1" {
				t.Fatalf("unexpected blob %+v %q", got, body)
			}

			list, err := store.List(ctx, "uploads/")
			if err != nil || len(list) != 1 {
				t.Fatalf("list uploads: %v %+v", err, list)
			}
			all, _ := store.List(ctx, "")
			if len(all) != 2 || all[0].Key != "packages/s1/t/datapackage.json" {
				t.Fatalf("expected sorted listing, got %+v", all)
			}

			ok, err := store.Delete(ctx, "uploads/s1/job/plots.csv")
			if err != nil || !ok {
				t.Fatalf("delete: %v %v", ok, err)
			}
			ok, err = store.Delete(ctx, "uploads/s1/job/plots.csv")
			if err != nil || ok {
				t.Fatalf("second delete should report missing: %v %v", ok, err)
			}
			if _, _, err := store.Get(ctx, "uploads/s1/job/plots.csv"); !errors.Is(err, blob.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := store.Head(ctx, "missing"); !errors.Is(err, blob.ErrNotFound) {
				t.Fatalf("expected ErrNotFound from head, got %v", err)
			}
		})
	}
}

func TestInvalidKeys(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "/abs", "../escape", "a/../../b", `a\b`} {
				if _, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), blob.PutOptions{}); !errors.Is(err, blob.ErrInvalidKey) {
					t.Fatalf("key %q: expected ErrInvalidKey, got %v", key, err)
				}
			}
		})
	}
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	if _, err := blob.Open(ctx, blob.Config{Driver: "ftp"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := blob.Open(ctx, blob.Config{Driver: blob.DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	store, err := blob.Open(ctx, blob.Config{Driver: blob.DriverFilesystem, FSRoot: t.TempDir()})
	if err != nil || store.Driver() != blob.DriverFilesystem {
		t.Fatalf("expected fs driver, got %v", err)
	}
}
