package usercode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/store/filestore"
)

var bob = domain.Requester("bob@ds.org")

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	db, err := filestore.Open(filepath.Join(root, "db"))
	if err != nil {
		t.Fatalf("filestore.Open() err=%v", err)
	}
	coll, err := filestore.NewCollection[domain.UserCode](db)
	if err != nil {
		t.Fatalf("NewCollection() err=%v", err)
	}
	svc, err := New(coll, filepath.Join(root, "code"), slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return svc, root
}

func TestSubmitPathDirectory(t *testing.T) {
	svc, root := newService(t)
	src := filepath.Join(root, "src")
	for name, body := range map[string]string{
		"main.py":        "print('hi')\n",
		"lib/helpers.py": "X = 1\n",
		".git/config":    "ignored",
	} {
		p := filepath.Join(src, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	code, err := svc.SubmitPath(context.Background(), bob, "", src, "main.py", "")
	if err != nil {
		t.Fatalf("SubmitPath() err=%v", err)
	}
	if len(code.Files) != 2 || code.Files[0] != "lib/helpers.py" || code.Files[1] != "main.py" {
		t.Fatalf("unexpected files: %v", code.Files)
	}
	if code.Requester != bob.Subject || code.Name != "src" {
		t.Fatalf("unexpected code: %+v", code)
	}
	copied, err := os.ReadFile(filepath.Join(code.Dir, "lib", "helpers.py"))
	if err != nil || string(copied) != "X = 1\n" {
		t.Fatalf("copy mismatch: %q err=%v", copied, err)
	}
	if err := svc.Verify(context.Background(), code.ID); err != nil {
		t.Fatalf("Verify() err=%v", err)
	}
}

func TestSubmitPathSingleFile(t *testing.T) {
	svc, root := newService(t)
	src := filepath.Join(root, "analysis.py")
	if err := os.WriteFile(src, []byte("print(1)\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	code, err := svc.SubmitPath(context.Background(), bob, "", src, "", "")
	if err != nil {
		t.Fatalf("SubmitPath() err=%v", err)
	}
	if code.Entrypoint != "analysis.py" || len(code.Files) != 1 {
		t.Fatalf("unexpected code: %+v", code)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	files := []File{{Path: "main.py", Data: []byte("x")}}

	cases := []struct {
		name  string
		actor domain.Actor
		in    SubmitInput
		want  error
	}{
		{"entrypoint missing from files", bob, SubmitInput{Entrypoint: "other.py", Files: files}, domain.ErrValidation},
		{"escaping file", bob, SubmitInput{Entrypoint: "main.py", Files: []File{{Path: "../main.py"}}}, domain.ErrValidation},
		{"duplicate file", bob, SubmitInput{Entrypoint: "main.py", Files: append(files, files...)}, domain.ErrValidation},
		{"no files", bob, SubmitInput{Entrypoint: "main.py"}, domain.ErrValidation},
		{"system actor", domain.System, SubmitInput{Entrypoint: "main.py", Files: files}, domain.ErrAuthorization},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Submit(ctx, tc.actor, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	entries, err := os.ReadDir(svc.root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed submissions left %d dirs behind", len(entries))
	}
}

func TestDigest(t *testing.T) {
	a := []File{{Path: "a.py", Data: []byte("1")}, {Path: "b.py", Data: []byte("2")}}
	b := []File{a[1], a[0]}
	if Digest(a) != Digest(b) {
		t.Fatalf("digest depends on input order")
	}
	shifted := []File{{Path: "a.py", Data: []byte("12")}, {Path: "b.py", Data: []byte("")}}
	if Digest(a) == Digest(shifted) {
		t.Fatalf("digest ignores file boundaries")
	}
	renamed := []File{{Path: "c.py", Data: []byte("1")}, {Path: "b.py", Data: []byte("2")}}
	if Digest(a) == Digest(renamed) {
		t.Fatalf("digest ignores file names")
	}
	if len(Digest(a)) != 64 {
		t.Fatalf("unexpected digest length")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	svc, _ := newService(t)
	code, err := svc.Submit(context.Background(), bob, SubmitInput{
		Entrypoint: "main.sh",
		Files:      []File{{Path: "main.sh", Data: []byte("echo ok\n")}},
	})
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if code.Name != "main" {
		t.Fatalf("name=%q, want main", code.Name)
	}
	if err := os.WriteFile(filepath.Join(code.Dir, "main.sh"), []byte("rm -rf /\n"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := svc.Verify(context.Background(), code.ID); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
