package runtimeexec

import (
	"strings"
	"testing"
	"time"
)

func testInvocation() Invocation {
	return Invocation{
		Name: "rds-job-j1",
		Spec: Spec{
			JobID:      "j1",
			CodeDir:    "/srv/code",
			Entrypoint: "main.py",
			DataPath:   "/srv/data",
			WorkDir:    "/srv/work",
			Env:        map[string]string{"TOKEN_X": "v", "DATA_DIR": "/evil"},
			Timeout:    60 * time.Second,
			Resources:  DefaultResources(),
		},
		OutputDir: "/srv/work/output",
		dataIsDir: true,
	}
}

func hasSeq(args []string, seq ...string) bool {
	for i := 0; i+len(seq) <= len(args); i++ {
		match := true
		for j := range seq {
			if args[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestDockerRunArgs(t *testing.T) {
	p := &DockerProvider{dockerBin: "docker", defaultImage: "python:3.12-slim"}
	args, err := p.runArgs(testInvocation())
	if err != nil {
		t.Fatalf("runArgs() err=%v", err)
	}
	for _, seq := range [][]string{
		{"--network", "none"},
		{"--cap-drop", "ALL"},
		{"--user", nobodyUser},
		{"--memory", "1G"},
		{"--cpus", "1"},
		{"--pids-limit", "100"},
		{"-v", "/srv/code:/app/code:ro"},
		{"-v", "/srv/data:/app/data:ro"},
		{"-v", "/srv/work/output:/app/output:rw"},
		{"-e", "DATA_DIR=/app/data"},
		{"-e", "TOKEN_X=v"},
		{"python:3.12-slim", "python3", "/app/code/main.py"},
	} {
		if !hasSeq(args, seq...) {
			t.Fatalf("missing %v in %v", seq, args)
		}
	}
	if hasSeq(args, "-e", "DATA_DIR=/evil") {
		t.Fatalf("reserved env leaked: %v", args)
	}
}

func TestDockerRequiresImage(t *testing.T) {
	p := &DockerProvider{dockerBin: "docker"}
	if _, err := p.runArgs(testInvocation()); err == nil {
		t.Fatalf("expected error without image")
	}
}

func TestDockerMountDirOverride(t *testing.T) {
	inv := testInvocation()
	inv.Spec.MountDir = "/data/wine"
	inv.Spec.Command = []string{"python", "-u"}
	p := &DockerProvider{dockerBin: "docker", defaultImage: "img"}
	args, err := p.runArgs(inv)
	if err != nil {
		t.Fatalf("runArgs() err=%v", err)
	}
	if !hasSeq(args, "-v", "/srv/data:/data/wine:ro") || !hasSeq(args, "img", "python", "-u", "/app/code/main.py") {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBwrapArgs(t *testing.T) {
	p := &BwrapProvider{bwrapBin: "bwrap", path: "/usr/bin"}
	args := p.buildArgs(testInvocation(), []string{"/usr"})
	for _, seq := range [][]string{
		{"--unshare-all", "--die-with-parent", "--new-session"},
		{"--clearenv"},
		{"--uid", nobodyID},
		{"--ro-bind", "/usr", "/usr"},
		{"--ro-bind", "/srv/code", sandboxCodeDir},
		{"--ro-bind", "/srv/data", sandboxDataDir},
		{"--bind", "/srv/work/output", sandboxOutputDir},
		{"--setenv", "OUTPUT_DIR", sandboxOutputDir},
		{"--", "python3", sandboxCodeDir + "/main.py"},
	} {
		if !hasSeq(args, seq...) {
			t.Fatalf("missing %v in %v", seq, args)
		}
	}
	if strings.Contains(strings.Join(args, " "), "/evil") {
		t.Fatalf("reserved env leaked: %v", args)
	}
}

func TestParseMemory(t *testing.T) {
	cases := map[string]uint64{
		"":     0,
		"1G":   1 << 30,
		"512m": 512 << 20,
		"64k":  64 << 10,
		"100":  100,
		"100b": 100,
	}
	for in, want := range cases {
		got, err := parseMemory(in)
		if err != nil {
			t.Fatalf("parseMemory(%q) err=%v", in, err)
		}
		if got != want {
			t.Fatalf("parseMemory(%q)=%d, want %d", in, got, want)
		}
	}
	if _, err := parseMemory("lots"); err == nil {
		t.Fatalf("expected error")
	}
}
