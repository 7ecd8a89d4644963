package domain

import (
	"fmt"
	"path"
	"strings"
)

// UserCode is one submitted code artifact. It is written once and never
// updated.
type UserCode struct {
	RecordMeta `yaml:",inline"`
	Requester  string   `yaml:"requester" json:"requester"`
	Name       string   `yaml:"name" json:"name"`
	Entrypoint string   `yaml:"entrypoint" json:"entrypoint"`
	Dir        string   `yaml:"dir" json:"dir"`
	Files      []string `yaml:"files" json:"files"`
	Digest     string   `yaml:"digest" json:"digest"`
	ReadmePath string   `yaml:"readme_path,omitempty" json:"readme_path,omitempty"`
}

func (c UserCode) RecordKind() Kind { return KindUserCode }

func (c UserCode) Meta() RecordMeta { return c.RecordMeta }

func (c UserCode) WithMeta(meta RecordMeta) UserCode {
	c.RecordMeta = meta
	c.Files = cloneStrings(c.Files)
	return c
}

func (c UserCode) Validate() error {
	if strings.TrimSpace(c.Requester) == "" {
		return fmt.Errorf("%w: user code requester is required", ErrValidation)
	}
	if err := ValidateEntrypoint(c.Entrypoint); err != nil {
		return err
	}
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("%w: user code dir is required", ErrValidation)
	}
	if len(c.Files) == 0 {
		return fmt.Errorf("%w: user code must contain at least one file", ErrValidation)
	}
	found := false
	for _, f := range c.Files {
		if f == c.Entrypoint {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: entrypoint %q is not among the submitted files", ErrValidation, c.Entrypoint)
	}
	if strings.TrimSpace(c.Digest) == "" {
		return fmt.Errorf("%w: user code digest is required", ErrValidation)
	}
	return nil
}

func (c UserCode) UniqueKeys() []string { return nil }

func (c UserCode) Field(name string) (any, bool) {
	switch name {
	case "requester":
		return c.Requester, true
	case "name":
		return c.Name, true
	case "entrypoint":
		return c.Entrypoint, true
	case "digest":
		return c.Digest, true
	default:
		return c.RecordMeta.metaField(name)
	}
}

// ValidateEntrypoint requires a relative, slash-separated path that stays
// inside the code directory.
func ValidateEntrypoint(entrypoint string) error {
	if strings.TrimSpace(entrypoint) == "" {
		return fmt.Errorf("%w: entrypoint is required", ErrValidation)
	}
	if strings.HasPrefix(entrypoint, "/") || strings.Contains(entrypoint, "\\") {
		return fmt.Errorf("%w: entrypoint %q must be a relative path", ErrValidation, entrypoint)
	}
	clean := path.Clean(entrypoint)
	if clean != entrypoint || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return fmt.Errorf("%w: entrypoint %q must stay inside the code directory", ErrValidation, entrypoint)
	}
	return nil
}
