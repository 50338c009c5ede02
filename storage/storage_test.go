package storage_test

import (
	"context"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/portablesession/psp/dbopen"
	"github.com/portablesession/psp/state"
	"github.com/portablesession/psp/storage"
)

// contract runs the behavior every backend must share.
func contract(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()

	meta := state.Metadata{
		ID:        "ses_contract",
		Name:      "login flow",
		Tags:      []string{"staging", "auth"},
		CreatedAt: 100,
		UpdatedAt: 200,
	}
	body := []byte(`{"version":"1.0.0","timestamp":200,"origin":"https://example.com"}`)

	ok, err := b.Exists(ctx, meta.ID)
	if err != nil || ok {
		t.Fatalf("Exists before upload = (%v, %v), want (false, nil)", ok, err)
	}
	if _, _, err := b.Download(ctx, meta.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Download before upload = %v, want ErrNotFound", err)
	}

	if err := b.Upload(ctx, meta.ID, body, meta); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	gotBody, gotMeta, err := b.Download(ctx, meta.ID)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(gotBody) != string(body) {
		t.Fatalf("body round trip: got %s", gotBody)
	}
	if gotMeta.Name != meta.Name || gotMeta.UpdatedAt != meta.UpdatedAt || len(gotMeta.Tags) != 2 {
		t.Fatalf("metadata round trip: got %+v", gotMeta)
	}

	// Overwrite bumps the stored metadata.
	meta.UpdatedAt = 300
	if err := b.Upload(ctx, meta.ID, body, meta); err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	metas, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 || metas[0].UpdatedAt != 300 {
		t.Fatalf("List after overwrite = %+v", metas)
	}

	ok, err = b.Exists(ctx, meta.ID)
	if err != nil || !ok {
		t.Fatalf("Exists after upload = (%v, %v), want (true, nil)", ok, err)
	}

	if err := b.Delete(ctx, meta.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete(ctx, meta.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}

	// Mismatched metadata id is rejected.
	if err := b.Upload(ctx, "ses_x", body, state.Metadata{ID: "ses_y"}); err == nil {
		t.Fatal("Upload accepted mismatched metadata id")
	}
}

func TestMemoryContract(t *testing.T) {
	contract(t, storage.NewMemory())
}

func TestFSContract(t *testing.T) {
	fs, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	contract(t, fs)
}

func TestSQLiteContract(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := storage.NewSQLite(db)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	contract(t, s)
}

func TestFSRejectsTraversal(t *testing.T) {
	fs, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	bad := "../escape"
	if err := fs.Upload(ctx, bad, nil, state.Metadata{ID: bad}); err == nil {
		t.Fatal("Upload accepted a traversal id")
	}
	if _, _, err := fs.Download(ctx, bad); err == nil {
		t.Fatal("Download accepted a traversal id")
	}
}
