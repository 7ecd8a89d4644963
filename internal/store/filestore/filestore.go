// Package filestore persists records as one YAML document per record under
// <root>/<kind>/<id>.yaml.
//
// Writes go to a temp file in the same directory, are fsynced, and are then
// renamed over the target, so readers observe either the old or the new
// document and never a partial one. Compare-and-swap sections are serialized
// per kind by an in-process mutex and an flock(2) on <root>/<kind>/.lock,
// which also covers other processes sharing the directory.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"golang.org/x/sys/unix"
)

const (
	recordExt    = ".yaml"
	tempPrefix   = ".tmp-"
	lockFileName = ".lock"
)

// DB is the root of a file-backed record store.
type DB struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	kinds map[domain.Kind]*sync.Mutex
}

type Option func(*DB)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		if now != nil {
			db.now = now
		}
	}
}

func Open(root string, opts ...Option) (*DB, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: store root is required", domain.ErrValidation)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve store root: %w", domain.ErrStorage, err)
	}
	db := &DB{
		root:  abs,
		now:   time.Now,
		kinds: make(map[domain.Kind]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(db)
	}
	for _, kind := range domain.Kinds {
		if err := os.MkdirAll(db.kindDir(kind), 0o700); err != nil {
			return nil, fmt.Errorf("%w: create %s dir: %w", domain.ErrStorage, kind, err)
		}
	}
	return db, nil
}

func (db *DB) Root() string { return db.root }

// Ping checks the store root is still reachable and writable.
func (db *DB) Ping() error {
	if db == nil {
		return errors.New("file store not initialized")
	}
	return unix.Access(db.root, unix.W_OK)
}

func (db *DB) kindDir(kind domain.Kind) string {
	return filepath.Join(db.root, string(kind))
}

func (db *DB) recordPath(kind domain.Kind, id string) string {
	return filepath.Join(db.kindDir(kind), id+recordExt)
}

func (db *DB) kindMutex(kind domain.Kind) *sync.Mutex {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.kinds[kind]
	if !ok {
		m = &sync.Mutex{}
		db.kinds[kind] = m
	}
	return m
}

// lock serializes writers of one kind, in-process and across processes.
func (db *DB) lock(kind domain.Kind) (func(), error) {
	m := db.kindMutex(kind)
	m.Lock()
	f, err := os.OpenFile(filepath.Join(db.kindDir(kind), lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		m.Unlock()
		return nil, fmt.Errorf("%w: open lock: %w", domain.ErrStorage, err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		m.Unlock()
		return nil, fmt.Errorf("%w: flock: %w", domain.ErrStorage, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		m.Unlock()
	}, nil
}

// writeAtomic replaces path with data via temp file, fsync and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

func removeDurable(path string) (bool, error) {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
