package runtimeexec

import (
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

func isReservedJobEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "DATA_DIR", "OUTPUT_DIR", "CODE_DIR", "INPUT_FILE", "INTERPRETER", "TIMEOUT", "PATH", "HOME":
		return true
	default:
		return false
	}
}

// jobEnv is the environment every provider injects, in a stable order.
// INPUT_FILE is the entrypoint as seen inside the sandbox and INTERPRETER
// the command that runs it.
func jobEnv(spec Spec, layout Layout, dataIsDir bool) []string {
	dataDir := layout.DataPath
	if !dataIsDir {
		dataDir = path.Dir(layout.DataPath)
	}
	env := []string{
		"DATA_DIR=" + dataDir,
		"OUTPUT_DIR=" + layout.OutputDir,
		"CODE_DIR=" + layout.CodeDir,
		"INPUT_FILE=" + path.Join(layout.CodeDir, spec.Entrypoint),
		"INTERPRETER=" + strings.Join(interpreterFor(spec), " "),
		"TIMEOUT=" + strconv.Itoa(int(spec.Timeout/time.Second)),
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		key := strings.TrimSpace(k)
		if key == "" || strings.Contains(key, "=") || isReservedJobEnvKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+spec.Env[key])
	}
	return env
}

// commandFor resolves the argv run inside the sandbox.
func commandFor(spec Spec, codeDir string) []string {
	entry := path.Join(codeDir, spec.Entrypoint)
	base := interpreterFor(spec)
	out := make([]string, 0, len(base)+1)
	out = append(out, base...)
	return append(out, entry)
}

// interpreterFor is the dataset runtime command, else the interpreter
// implied by the entrypoint extension.
func interpreterFor(spec Spec) []string {
	if len(spec.Command) > 0 {
		return spec.Command
	}
	return defaultInterpreter(spec.Entrypoint)
}

func defaultInterpreter(entrypoint string) []string {
	switch strings.ToLower(path.Ext(entrypoint)) {
	case ".py":
		return []string{"python3"}
	case ".sh":
		return []string{"sh"}
	case ".r":
		return []string{"Rscript"}
	default:
		return nil
	}
}

// tailFile returns at most max bytes from the end of the file at p.
func tailFile(p string, max int64) string {
	f, err := os.Open(p)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > max {
		if _, err := f.Seek(info.Size()-max, io.SeekStart); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
