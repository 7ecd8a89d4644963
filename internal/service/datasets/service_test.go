package datasets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/store"
	"github.com/animus-labs/animus-rds/internal/store/filestore"
)

var alice = domain.Owner("alice@do.org")

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	db, err := filestore.Open(filepath.Join(root, "db"))
	if err != nil {
		t.Fatalf("filestore.Open() err=%v", err)
	}
	coll, err := filestore.NewCollection[domain.Dataset](db)
	if err != nil {
		t.Fatalf("NewCollection() err=%v", err)
	}
	svc, err := New(coll, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	for _, dir := range []string{"private", "mock"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return svc, root
}

func input(root, name string) CreateInput {
	return CreateInput{
		Name:        name,
		PrivatePath: filepath.Join(root, "private"),
		MockPath:    filepath.Join(root, "mock"),
		Summary:     "Wine quality measurements",
		Tags:        []string{"Wine", "wine", " chem "},
	}
}

func TestCreateAndGet(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()

	ds, err := svc.Create(ctx, alice, input(root, "wine"))
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	if ds.Owner != alice.Subject || len(ds.Tags) != 2 || ds.Tags[0] != "wine" {
		t.Fatalf("unexpected dataset: %+v", ds)
	}

	byID, err := svc.Get(ctx, ds.ID)
	if err != nil || byID.Name != "wine" {
		t.Fatalf("Get(id)=%+v err=%v", byID, err)
	}
	byName, err := svc.Get(ctx, "wine")
	if err != nil || byName.ID != ds.ID {
		t.Fatalf("Get(name)=%+v err=%v", byName, err)
	}
	if _, err := svc.Get(ctx, "beer"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()

	missing := input(root, "wine")
	missing.PrivatePath = filepath.Join(root, "nope")
	if _, err := svc.Create(ctx, alice, missing); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	file := filepath.Join(root, "file.csv")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	notDir := input(root, "wine")
	notDir.MockPath = file
	if _, err := svc.Create(ctx, alice, notDir); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := svc.Create(ctx, domain.Requester("bob@ds.org"), input(root, "wine")); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestDuplicateNamePerOwner(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, alice, input(root, "wine")); err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	if _, err := svc.Create(ctx, alice, input(root, "wine")); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if domain.KindOf(domain.ErrAlreadyExists) != "already_exists" {
		t.Fatalf("unexpected kind")
	}

	carol := domain.Owner("carol@do.org")
	if _, err := svc.Create(ctx, carol, input(root, "wine")); err != nil {
		t.Fatalf("same name under another owner should be allowed: %v", err)
	}
	if _, err := svc.Get(ctx, "wine"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ambiguous name error, got %v", err)
	}
}

func TestUpdateKeepsPaths(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	ds, err := svc.Create(ctx, alice, input(root, "wine"))
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	summary := "updated"
	got, err := svc.Update(ctx, alice, ds.ID, UpdateInput{Summary: &summary, Tags: []string{"red"}})
	if err != nil {
		t.Fatalf("Update() err=%v", err)
	}
	if got.Summary != "updated" || got.PrivatePath != ds.PrivatePath || got.Version != 2 {
		t.Fatalf("unexpected dataset: %+v", got)
	}
	if _, err := svc.Update(ctx, domain.Owner("mallory@do.org"), ds.ID, UpdateInput{Summary: &summary}); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestUpdateValidatesReadme(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	ds, err := svc.Create(ctx, alice, input(root, "wine"))
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}

	missing := filepath.Join(root, "missing.md")
	if _, err := svc.Update(ctx, alice, ds.ID, UpdateInput{ReadmePath: &missing}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing readme: expected validation error, got %v", err)
	}
	dir := root
	if _, err := svc.Update(ctx, alice, ds.ID, UpdateInput{ReadmePath: &dir}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("directory readme: expected validation error, got %v", err)
	}
	if still, err := svc.Get(ctx, ds.ID); err != nil || still.Version != ds.Version {
		t.Fatalf("rejected update changed the dataset: %+v err=%v", still, err)
	}

	readme := filepath.Join(root, "README.md")
	if err := os.WriteFile(readme, []byte("# wine\n"), 0o644); err != nil {
		t.Fatalf("write readme: %v", err)
	}
	got, err := svc.Update(ctx, alice, ds.ID, UpdateInput{ReadmePath: &readme})
	if err != nil || got.ReadmePath != readme {
		t.Fatalf("Update()=%+v err=%v", got, err)
	}
	cleared := ""
	got, err = svc.Update(ctx, alice, ds.ID, UpdateInput{ReadmePath: &cleared})
	if err != nil || got.ReadmePath != "" {
		t.Fatalf("clear readme: %+v err=%v", got, err)
	}
}

func TestDelete(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	ds, err := svc.Create(ctx, alice, input(root, "wine"))
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	if _, err := svc.Delete(ctx, domain.Owner("mallory@do.org"), "wine"); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	removed, err := svc.Delete(ctx, alice, "wine")
	if err != nil || !removed {
		t.Fatalf("Delete() removed=%v err=%v", removed, err)
	}
	removed, err = svc.Delete(ctx, alice, ds.ID)
	if err != nil || removed {
		t.Fatalf("second Delete() removed=%v err=%v", removed, err)
	}
	if _, err := os.Stat(ds.PrivatePath); err != nil {
		t.Fatalf("private data must stay on disk: %v", err)
	}
}

func TestSearchAndGetAll(t *testing.T) {
	svc, root := newService(t)
	ctx := context.Background()
	for _, name := range []string{"wine", "beer", "cider"} {
		in := input(root, name)
		in.Summary = name + " measurements"
		if _, err := svc.Create(ctx, alice, in); err != nil {
			t.Fatalf("Create(%s) err=%v", name, err)
		}
	}
	found, err := svc.Search(ctx, "BEER")
	if err != nil {
		t.Fatalf("Search() err=%v", err)
	}
	if len(found) != 1 || found[0].Name != "beer" {
		t.Fatalf("unexpected search result: %+v", found)
	}

	all, err := svc.GetAll(ctx, store.Query{OrderBy: "name", SortOrder: store.Ascending, Limit: 2})
	if err != nil {
		t.Fatalf("GetAll() err=%v", err)
	}
	if len(all) != 2 || all[0].Name != "beer" || all[1].Name != "cider" {
		t.Fatalf("unexpected GetAll result: %+v", all)
	}
}
