package disclosure

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/animus-labs/animus-rds/internal/domain"
)

const (
	outputDirName = "output"
	logsDirName   = "logs"
	stdoutLog     = "stdout.log"
	stderrLog     = "stderr.log"
)

// Artifact is one file produced by an execution. Path is slash separated
// and relative to the output directory.
type Artifact struct {
	Path   string `json:"path"`
	Data   []byte `json:"data"`
	SHA256 string `json:"sha256"`
}

// Results is everything an execution left behind.
type Results struct {
	JobID   string     `json:"job_id"`
	Outputs []Artifact `json:"outputs"`
	Stdout  []byte     `json:"stdout"`
	Stderr  []byte     `json:"stderr"`
}

// Output returns the artifact at path.
func (r Results) Output(path string) (Artifact, bool) {
	for _, a := range r.Outputs {
		if a.Path == path {
			return a, true
		}
	}
	return Artifact{}, false
}

func newArtifact(path string, data []byte) Artifact {
	sum := sha256.Sum256(data)
	return Artifact{Path: path, Data: data, SHA256: hex.EncodeToString(sum[:])}
}

func (a Artifact) verify() error {
	sum := sha256.Sum256(a.Data)
	if hex.EncodeToString(sum[:]) != a.SHA256 {
		return fmt.Errorf("%w: artifact %s checksum mismatch", domain.ErrStorage, a.Path)
	}
	return nil
}

// Collect reads output/ and logs/ from a work directory left by an execution.
func Collect(jobID, workDir string) (Results, error) {
	res := Results{JobID: jobID, Outputs: []Artifact{}}
	outDir := filepath.Join(workDir, outputDirName)
	err := filepath.WalkDir(outDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Symlinks written by untrusted code could point outside the sandbox.
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(outDir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		res.Outputs = append(res.Outputs, newArtifact(filepath.ToSlash(rel), data))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return Results{}, fmt.Errorf("%w: read outputs of job %s: %w", domain.ErrStorage, jobID, err)
	}
	sort.Slice(res.Outputs, func(i, j int) bool { return res.Outputs[i].Path < res.Outputs[j].Path })

	if res.Stdout, err = readOptional(filepath.Join(workDir, logsDirName, stdoutLog)); err != nil {
		return Results{}, err
	}
	if res.Stderr, err = readOptional(filepath.Join(workDir, logsDirName, stderrLog)); err != nil {
		return Results{}, err
	}
	return res, nil
}

func readOptional(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrStorage, p, err)
	}
	return data, nil
}
