package disclosure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/platform/objectstore"
)

const manifestName = "manifest.json"

// Publisher copies results to a location the requester can read and
// fetches them back.
type Publisher interface {
	Publish(ctx context.Context, res Results) (string, error)
	Fetch(ctx context.Context, jobID, location string) (Results, error)
}

// manifest lists published files with their checksums. Data is stored
// separately and verified on fetch.
type manifest struct {
	JobID   string          `json:"job_id"`
	Outputs []manifestEntry `json:"outputs"`
	Stdout  manifestEntry   `json:"stdout"`
	Stderr  manifestEntry   `json:"stderr"`
}

type manifestEntry struct {
	Path   string `json:"path"`
	Key    string `json:"key"`
	Size   int    `json:"size"`
	SHA256 string `json:"sha256"`
}

func entryFor(a Artifact, key string) manifestEntry {
	return manifestEntry{Path: a.Path, Key: key, Size: len(a.Data), SHA256: a.SHA256}
}

// FSPublisher writes shared results to <root>/<job_id>.
type FSPublisher struct {
	root string
}

func NewFSPublisher(root string) (*FSPublisher, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("shared root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve shared root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create shared root: %w", domain.ErrStorage, err)
	}
	return &FSPublisher{root: abs}, nil
}

// Publish stages into a temp dir and renames it into place, so a reader
// sees either no share or a complete one.
func (p *FSPublisher) Publish(ctx context.Context, res Results) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !domain.ValidID(res.JobID) {
		return "", fmt.Errorf("%w: invalid job id %q", domain.ErrValidation, res.JobID)
	}
	staging, err := os.MkdirTemp(p.root, ".stage-"+res.JobID+"-")
	if err != nil {
		return "", fmt.Errorf("%w: stage share: %w", domain.ErrStorage, err)
	}
	defer os.RemoveAll(staging)

	m := manifest{JobID: res.JobID}
	write := func(key string, data []byte) error {
		dst := filepath.Join(staging, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0o644)
	}
	for _, a := range res.Outputs {
		key := path.Join(outputDirName, a.Path)
		if err := write(key, a.Data); err != nil {
			return "", fmt.Errorf("%w: write %s: %w", domain.ErrStorage, key, err)
		}
		m.Outputs = append(m.Outputs, entryFor(a, key))
	}
	for _, log := range []struct {
		name string
		data []byte
		slot *manifestEntry
	}{
		{stdoutLog, res.Stdout, &m.Stdout},
		{stderrLog, res.Stderr, &m.Stderr},
	} {
		key := path.Join(logsDirName, log.name)
		if err := write(key, log.data); err != nil {
			return "", fmt.Errorf("%w: write %s: %w", domain.ErrStorage, key, err)
		}
		*log.slot = entryFor(newArtifact(log.name, log.data), key)
	}
	blob, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: encode manifest: %w", domain.ErrStorage, err)
	}
	if err := write(manifestName, blob); err != nil {
		return "", fmt.Errorf("%w: write manifest: %w", domain.ErrStorage, err)
	}

	final := filepath.Join(p.root, res.JobID)
	if err := os.RemoveAll(final); err != nil {
		return "", fmt.Errorf("%w: replace share: %w", domain.ErrStorage, err)
	}
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("%w: publish share: %w", domain.ErrStorage, err)
	}
	return final, nil
}

func (p *FSPublisher) Fetch(ctx context.Context, jobID, location string) (Results, error) {
	if err := ctx.Err(); err != nil {
		return Results{}, err
	}
	if location == "" {
		location = filepath.Join(p.root, jobID)
	}
	rel, err := filepath.Rel(p.root, location)
	if err != nil || rel != jobID {
		return Results{}, fmt.Errorf("%w: share location %q is outside the shared root", domain.ErrStorage, location)
	}
	read := func(key string) ([]byte, error) {
		return os.ReadFile(filepath.Join(location, filepath.FromSlash(key)))
	}
	return loadManifest(jobID, read)
}

// ObjectStorePublisher uploads shared results to an S3-compatible bucket
// under jobs/<job_id>/.
type ObjectStorePublisher struct {
	store  objectstore.Store
	bucket string
}

func NewObjectStorePublisher(store objectstore.Store, bucket string) (*ObjectStorePublisher, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &ObjectStorePublisher{store: store, bucket: bucket}, nil
}

func (p *ObjectStorePublisher) prefix(jobID string) string {
	return path.Join("jobs", jobID)
}

// Publish uploads every file first and the manifest last; a share without
// a manifest is never read.
func (p *ObjectStorePublisher) Publish(ctx context.Context, res Results) (string, error) {
	if !domain.ValidID(res.JobID) {
		return "", fmt.Errorf("%w: invalid job id %q", domain.ErrValidation, res.JobID)
	}
	prefix := p.prefix(res.JobID)
	put := func(key string, data []byte, contentType string) error {
		if err := p.store.Put(ctx, p.bucket, path.Join(prefix, key), bytes.NewReader(data), int64(len(data)), contentType); err != nil {
			return fmt.Errorf("%w: upload %s: %w", domain.ErrStorage, key, err)
		}
		return nil
	}

	m := manifest{JobID: res.JobID}
	for _, a := range res.Outputs {
		key := path.Join(outputDirName, a.Path)
		if err := put(key, a.Data, "application/octet-stream"); err != nil {
			return "", err
		}
		m.Outputs = append(m.Outputs, entryFor(a, key))
	}
	stdoutKey := path.Join(logsDirName, stdoutLog)
	if err := put(stdoutKey, res.Stdout, "text/plain"); err != nil {
		return "", err
	}
	m.Stdout = entryFor(newArtifact(stdoutLog, res.Stdout), stdoutKey)
	stderrKey := path.Join(logsDirName, stderrLog)
	if err := put(stderrKey, res.Stderr, "text/plain"); err != nil {
		return "", err
	}
	m.Stderr = entryFor(newArtifact(stderrLog, res.Stderr), stderrKey)

	blob, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: encode manifest: %w", domain.ErrStorage, err)
	}
	if err := put(manifestName, blob, "application/json"); err != nil {
		return "", err
	}
	return "s3://" + p.bucket + "/" + prefix, nil
}

func (p *ObjectStorePublisher) Fetch(ctx context.Context, jobID, location string) (Results, error) {
	prefix := p.prefix(jobID)
	if location != "" && location != "s3://"+p.bucket+"/"+prefix {
		return Results{}, fmt.Errorf("%w: share location %q does not match job %s", domain.ErrStorage, location, jobID)
	}
	read := func(key string) ([]byte, error) {
		body, _, err := p.store.Get(ctx, p.bucket, path.Join(prefix, key))
		if err != nil {
			return nil, err
		}
		defer body.Close()
		return io.ReadAll(body)
	}
	return loadManifest(jobID, read)
}

func loadManifest(jobID string, read func(key string) ([]byte, error)) (Results, error) {
	blob, err := read(manifestName)
	if err != nil {
		return Results{}, fmt.Errorf("%w: read manifest for job %s: %w", domain.ErrStorage, jobID, err)
	}
	var m manifest
	if err := json.Unmarshal(blob, &m); err != nil {
		return Results{}, fmt.Errorf("%w: decode manifest for job %s: %w", domain.ErrStorage, jobID, err)
	}
	if m.JobID != jobID {
		return Results{}, fmt.Errorf("%w: manifest belongs to job %s, not %s", domain.ErrStorage, m.JobID, jobID)
	}
	load := func(e manifestEntry) (Artifact, error) {
		data, err := read(e.Key)
		if err != nil {
			return Artifact{}, fmt.Errorf("%w: read %s: %w", domain.ErrStorage, e.Key, err)
		}
		a := Artifact{Path: e.Path, Data: data, SHA256: e.SHA256}
		if err := a.verify(); err != nil {
			return Artifact{}, err
		}
		return a, nil
	}

	res := Results{JobID: jobID, Outputs: make([]Artifact, 0, len(m.Outputs))}
	for _, e := range m.Outputs {
		a, err := load(e)
		if err != nil {
			return Results{}, err
		}
		res.Outputs = append(res.Outputs, a)
	}
	stdout, err := load(m.Stdout)
	if err != nil {
		return Results{}, err
	}
	stderr, err := load(m.Stderr)
	if err != nil {
		return Results{}, err
	}
	res.Stdout, res.Stderr = stdout.Data, stderr.Data
	return res, nil
}
