package domain

import (
	"fmt"
	"strings"
)

// RuntimeSpec declares how the owner wants code against a dataset to run.
type RuntimeSpec struct {
	Command  []string `yaml:"command,omitempty" json:"command,omitempty"`
	MountDir string   `yaml:"mount_dir,omitempty" json:"mount_dir,omitempty"`
	Image    string   `yaml:"image,omitempty" json:"image,omitempty"`
}

func (r *RuntimeSpec) Clone() *RuntimeSpec {
	if r == nil {
		return nil
	}
	return &RuntimeSpec{
		Command:  cloneStrings(r.Command),
		MountDir: r.MountDir,
		Image:    r.Image,
	}
}

// Dataset pairs a private dataset with its public mock counterpart.
type Dataset struct {
	RecordMeta  `yaml:",inline"`
	Owner       string       `yaml:"owner" json:"owner"`
	Name        string       `yaml:"name" json:"name"`
	PrivatePath string       `yaml:"private_path" json:"private_path"`
	MockPath    string       `yaml:"mock_path" json:"mock_path"`
	Summary     string       `yaml:"summary,omitempty" json:"summary,omitempty"`
	ReadmePath  string       `yaml:"readme_path,omitempty" json:"readme_path,omitempty"`
	Tags        []string     `yaml:"tags,omitempty" json:"tags,omitempty"`
	Runtime     *RuntimeSpec `yaml:"runtime,omitempty" json:"runtime,omitempty"`
}

func (d Dataset) RecordKind() Kind { return KindDataset }

func (d Dataset) Meta() RecordMeta { return d.RecordMeta }

func (d Dataset) WithMeta(meta RecordMeta) Dataset {
	d.RecordMeta = meta
	d.Tags = cloneStrings(d.Tags)
	d.Runtime = d.Runtime.Clone()
	return d
}

func (d Dataset) Validate() error {
	if strings.TrimSpace(d.Owner) == "" {
		return fmt.Errorf("%w: dataset owner is required", ErrValidation)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: dataset name is required", ErrValidation)
	}
	if strings.ContainsAny(d.Name, "/\\") {
		return fmt.Errorf("%w: dataset name must not contain path separators", ErrValidation)
	}
	if strings.TrimSpace(d.PrivatePath) == "" {
		return fmt.Errorf("%w: dataset private path is required", ErrValidation)
	}
	if strings.TrimSpace(d.MockPath) == "" {
		return fmt.Errorf("%w: dataset mock path is required", ErrValidation)
	}
	if d.Runtime != nil && d.Runtime.MountDir != "" && !strings.HasPrefix(d.Runtime.MountDir, "/") {
		return fmt.Errorf("%w: runtime mount dir must be absolute", ErrValidation)
	}
	return nil
}

// UniqueKeys scopes dataset names to the owner's namespace.
func (d Dataset) UniqueKeys() []string {
	return []string{"owner_name:" + d.Owner + "/" + d.Name}
}

func (d Dataset) Field(name string) (any, bool) {
	switch name {
	case "owner":
		return d.Owner, true
	case "name":
		return d.Name, true
	case "summary":
		return d.Summary, true
	case "private_path":
		return d.PrivatePath, true
	case "mock_path":
		return d.MockPath, true
	case "tags":
		return joinTags(d.Tags), true
	default:
		return d.RecordMeta.metaField(name)
	}
}
