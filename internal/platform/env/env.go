// Package env reads rds-server settings from the process environment.
//
// Values are trimmed and a variable holding only blanks counts as unset, so
// an empty RDS_* entry in a compose file or unit never clobbers a value from
// the config file.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Prefix is shared by every variable the service reads.
const Prefix = "RDS_"

// Lookup returns the trimmed value of key and whether it is set to
// something other than blanks.
func Lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func String(key string, def string) string {
	if v, ok := Lookup(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := Lookup(key)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s=%q: duration must not be negative", key, v)
	}
	return d, nil
}

// Bool accepts the strconv forms plus yes/no and on/off.
func Bool(key string, def bool) (bool, error) {
	v, ok := Lookup(key)
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return b, nil
}

func Int(key string, def int) (int, error) {
	v, ok := Lookup(key)
	if !ok {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
	return i, nil
}

// Collect gathers every variable named prefix+NAME into NAME -> value. Values
// are returned verbatim; they are secrets handed to jobs, not settings.
// Returns nil when nothing matches.
func Collect(prefix string) map[string]string {
	var out map[string]string
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.TrimPrefix(name, prefix)
		if strings.TrimSpace(key) == "" {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[key] = value
	}
	return out
}
