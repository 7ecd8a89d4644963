package domain

import (
	"regexp"
	"strings"
	"time"
)

// Kind tags a persisted record with its schema.
type Kind string

const (
	KindDataset  Kind = "dataset"
	KindUserCode Kind = "user_code"
	KindJob      Kind = "job"
)

// Kinds lists the closed set of record variants the store accepts.
var Kinds = []Kind{KindDataset, KindUserCode, KindJob}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// RecordMeta holds the server-assigned fields shared by every record.
type RecordMeta struct {
	ID        string    `yaml:"id" json:"id"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
	Version   int64     `yaml:"version" json:"version"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidID reports whether id is safe to use as a storage key.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// metaField resolves the RecordMeta fields shared by all kinds.
func (m RecordMeta) metaField(name string) (any, bool) {
	switch name {
	case "id":
		return m.ID, true
	case "created_at":
		return m.CreatedAt, true
	case "updated_at":
		return m.UpdatedAt, true
	case "version":
		return m.Version, true
	default:
		return nil, false
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}
