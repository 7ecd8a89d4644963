package jobs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/animus-rds/internal/domain"
	"github.com/animus-labs/animus-rds/internal/lifecycle"
	"github.com/animus-labs/animus-rds/internal/runtimeexec"
	"github.com/animus-labs/animus-rds/internal/service/datasets"
	"github.com/animus-labs/animus-rds/internal/service/disclosure"
	"github.com/animus-labs/animus-rds/internal/service/usercode"
	"github.com/animus-labs/animus-rds/internal/store/filestore"
)

var (
	alice = domain.Owner("alice@do.org")
	bob   = domain.Requester("bob@ds.org")
)

const upperScript = `tr 'a-z' 'A-Z' < "$DATA_DIR/letters.txt" | tr -d '\n' > "$OUTPUT_DIR/output.txt"
echo "processed"
`

type harness struct {
	jobs       *Service
	datasets   *datasets.Service
	code       *usercode.Service
	disclosure *disclosure.Service
	machine    *lifecycle.Machine
	dataset    domain.Dataset
	root       string
}

func newHarness(t *testing.T, cfg Config) harness {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	db, err := filestore.Open(filepath.Join(root, "db"))
	if err != nil {
		t.Fatalf("filestore.Open() err=%v", err)
	}
	dsColl, err := filestore.NewCollection[domain.Dataset](db)
	if err != nil {
		t.Fatalf("NewCollection(dataset) err=%v", err)
	}
	codeColl, err := filestore.NewCollection[domain.UserCode](db)
	if err != nil {
		t.Fatalf("NewCollection(user code) err=%v", err)
	}
	jobColl, err := filestore.NewCollection[domain.Job](db)
	if err != nil {
		t.Fatalf("NewCollection(job) err=%v", err)
	}

	dsSvc, err := datasets.New(dsColl, logger)
	if err != nil {
		t.Fatalf("datasets.New() err=%v", err)
	}
	codeSvc, err := usercode.New(codeColl, filepath.Join(root, "code"), logger)
	if err != nil {
		t.Fatalf("usercode.New() err=%v", err)
	}
	machine, err := lifecycle.New(jobColl, lifecycle.WithLogger(logger))
	if err != nil {
		t.Fatalf("lifecycle.New() err=%v", err)
	}
	exec, err := runtimeexec.New(runtimeexec.NewProcessProvider(), logger, runtimeexec.WithGracePeriod(200*time.Millisecond))
	if err != nil {
		t.Fatalf("runtimeexec.New() err=%v", err)
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(root, "work")
	}
	jobSvc, err := New(jobColl, dsSvc, codeSvc, machine, exec, cfg, logger)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	pub, err := disclosure.NewFSPublisher(filepath.Join(root, "shared"))
	if err != nil {
		t.Fatalf("NewFSPublisher() err=%v", err)
	}
	discSvc, err := disclosure.New(jobSvc, machine, pub, nil, logger)
	if err != nil {
		t.Fatalf("disclosure.New() err=%v", err)
	}

	private := filepath.Join(root, "data", "private")
	mock := filepath.Join(root, "data", "mock")
	for dir, body := range map[string]string{private: "abc\n", mock: "xyz\n"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "letters.txt"), []byte(body), 0o644); err != nil {
			t.Fatalf("write data: %v", err)
		}
	}
	ds, err := dsSvc.Create(context.Background(), alice, datasets.CreateInput{
		Name:        "wine",
		PrivatePath: private,
		MockPath:    mock,
	})
	if err != nil {
		t.Fatalf("Create dataset err=%v", err)
	}
	return harness{jobs: jobSvc, datasets: dsSvc, code: codeSvc, disclosure: discSvc, machine: machine, dataset: ds, root: root}
}

func (h harness) submit(t *testing.T, name, script string) domain.Job {
	t.Helper()
	job, err := h.jobs.Submit(context.Background(), bob, SubmitInput{
		Name:       name,
		DatasetRef: "wine",
		Code: &usercode.SubmitInput{
			Entrypoint: "main.sh",
			Files:      []usercode.File{{Path: "main.sh", Data: []byte(script)}},
		},
	})
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	return job
}

func TestWineFlow(t *testing.T) {
	h := newHarness(t, Config{AllowUnisolated: true, Timeout: 10 * time.Second})
	ctx := context.Background()

	job := h.submit(t, "wine-upper", upperScript)
	if job.Status != domain.JobStatusCodeReview || job.DatasetID != h.dataset.ID {
		t.Fatalf("unexpected submitted job: %+v", job)
	}
	if _, err := h.jobs.Approve(ctx, bob, job.ID); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("requester approve: expected authorization error, got %v", err)
	}
	if _, err := h.jobs.Approve(ctx, alice, "wine-upper"); err != nil {
		t.Fatalf("Approve() err=%v", err)
	}

	ran, err := h.jobs.Run(ctx, alice, job.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if ran.Status != domain.JobStatusPendingOutputReview || ran.OutputPath == "" {
		t.Fatalf("unexpected job after run: %+v", ran)
	}

	if _, err := h.disclosure.GetResults(ctx, bob, job.ID); !errors.Is(err, domain.ErrDisclosure) {
		t.Fatalf("expected disclosure error before share, got %v", err)
	}
	reviewed, err := h.disclosure.ReviewResults(ctx, alice, job.ID)
	if err != nil {
		t.Fatalf("ReviewResults() err=%v", err)
	}
	out, ok := reviewed.Output("output.txt")
	if !ok || string(out.Data) != "ABC" {
		t.Fatalf("unexpected output: %+v", reviewed.Outputs)
	}
	if string(reviewed.Stdout) != "processed\n" {
		t.Fatalf("stdout=%q", reviewed.Stdout)
	}

	if _, err := h.disclosure.ShareResults(ctx, alice, job.ID); err != nil {
		t.Fatalf("ShareResults() err=%v", err)
	}
	got, err := h.disclosure.GetResults(ctx, bob, "wine-upper")
	if err != nil {
		t.Fatalf("GetResults() err=%v", err)
	}
	gotOut, ok := got.Output("output.txt")
	if !ok || !bytes.Equal(gotOut.Data, out.Data) {
		t.Fatalf("requester received %+v", got.Outputs)
	}

	shared, err := h.jobs.GetAll(ctx, ListInput{Status: "output_shared"})
	if err != nil || len(shared) != 1 || shared[0].ID != job.ID {
		t.Fatalf("GetAll(shared)=%v err=%v", shared, err)
	}
}

func TestRunRefusesUnisolatedPrivateRun(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	job := h.submit(t, "guarded", upperScript)
	if _, err := h.jobs.Approve(ctx, alice, job.ID); err != nil {
		t.Fatalf("Approve() err=%v", err)
	}
	if _, err := h.jobs.Run(ctx, alice, job.ID, RunOptions{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	still, err := h.jobs.Get(ctx, job.ID)
	if err != nil || still.Status != domain.JobStatusQueued {
		t.Fatalf("job must stay queued: %+v err=%v", still, err)
	}

	mock, err := h.jobs.RunMock(ctx, alice, job.ID)
	if err != nil || mock.Failure != nil {
		t.Fatalf("RunMock()=%+v err=%v", mock, err)
	}
	data, err := os.ReadFile(filepath.Join(mock.WorkDir, "output", "output.txt"))
	if err != nil || string(data) != "XYZ" {
		t.Fatalf("mock output=%q err=%v", data, err)
	}
}

func TestRunMockLeavesJobUntouched(t *testing.T) {
	h := newHarness(t, Config{Timeout: 10 * time.Second})
	ctx := context.Background()
	job := h.submit(t, "trial", upperScript)

	mock, err := h.jobs.RunMock(ctx, bob, job.ID)
	if err != nil || mock.Failure != nil {
		t.Fatalf("RunMock()=%+v err=%v", mock, err)
	}
	data, err := os.ReadFile(filepath.Join(mock.WorkDir, "output", "output.txt"))
	if err != nil || string(data) != "XYZ" {
		t.Fatalf("mock output=%q err=%v", data, err)
	}
	if !strings.HasPrefix(mock.WorkDir, filepath.Join(h.root, "work", "mock", job.ID)) {
		t.Fatalf("mock work dir %s shares the job work dir", mock.WorkDir)
	}
	after, err := h.jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if after.Status != domain.JobStatusCodeReview || after.Version != job.Version || after.OutputPath != "" {
		t.Fatalf("mock run changed the job: %+v", after)
	}

	if _, err := h.jobs.RunMock(ctx, domain.Requester("eve@ds.org"), job.ID); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("foreign requester: expected authorization error, got %v", err)
	}
	if _, err := h.jobs.Run(ctx, alice, job.ID, RunOptions{Mock: true}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("mock through Run: expected validation error, got %v", err)
	}

	failing := h.submit(t, "trial-broken", "exit 4\n")
	broken, err := h.jobs.RunMock(ctx, bob, failing.ID)
	if err != nil {
		t.Fatalf("RunMock() err=%v", err)
	}
	if broken.Failure == nil || broken.Failure.Kind != domain.FailureExecutionFailure || broken.Result.ExitCode != 4 {
		t.Fatalf("unexpected mock failure: %+v", broken)
	}
	if still, err := h.jobs.Get(ctx, failing.ID); err != nil || still.Status != domain.JobStatusCodeReview {
		t.Fatalf("failed mock run changed the job: %+v err=%v", still, err)
	}
}

func TestRunSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, Config{AllowUnisolated: true, Timeout: 10 * time.Second})
	job := h.submit(t, "patient", "sleep 1\n"+upperScript)
	if _, err := h.jobs.Approve(context.Background(), alice, job.ID); err != nil {
		t.Fatalf("Approve() err=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(200*time.Millisecond, cancel)
	defer timer.Stop()
	start := time.Now()
	done, err := h.jobs.Run(ctx, alice, job.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("caller context was not cancelled during the run")
	}
	if time.Since(start) < time.Second {
		t.Fatalf("run ended after %s, before the script finished", time.Since(start))
	}
	if done.Status != domain.JobStatusPendingOutputReview || done.Failure != nil || done.RetryCount != 0 {
		t.Fatalf("unexpected job: %+v", done)
	}
	data, err := os.ReadFile(filepath.Join(done.OutputPath, "output", "output.txt"))
	if err != nil || string(data) != "ABC" {
		t.Fatalf("output=%q err=%v", data, err)
	}
}

func TestCloseAndRejectOutputKeepTheirEdges(t *testing.T) {
	h := newHarness(t, Config{AllowUnisolated: true, Timeout: 10 * time.Second})
	ctx := context.Background()

	pending := h.submit(t, "pending", upperScript)
	if _, err := h.jobs.Approve(ctx, alice, pending.ID); err != nil {
		t.Fatalf("Approve() err=%v", err)
	}
	ran, err := h.jobs.Run(ctx, alice, pending.ID, RunOptions{})
	if err != nil || ran.Status != domain.JobStatusPendingOutputReview {
		t.Fatalf("Run()=%+v err=%v", ran, err)
	}
	if _, err := h.jobs.Close(ctx, alice, pending.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("close of pending output review: expected invalid transition, got %v", err)
	}
	if still, err := h.jobs.Get(ctx, pending.ID); err != nil || still.Version != ran.Version || still.Failure != nil {
		t.Fatalf("close changed the job: %+v err=%v", still, err)
	}

	broken := h.submit(t, "broken-edge", "exit 3\n")
	if _, err := h.jobs.Approve(ctx, alice, broken.ID); err != nil {
		t.Fatalf("Approve() err=%v", err)
	}
	failed, err := h.jobs.Run(ctx, alice, broken.ID, RunOptions{})
	if err != nil || failed.Status != domain.JobStatusFailed {
		t.Fatalf("Run()=%+v err=%v", failed, err)
	}
	if _, err := h.jobs.RejectOutput(ctx, alice, broken.ID, "bad"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("reject output of failed job: expected invalid transition, got %v", err)
	}
	still, err := h.jobs.Get(ctx, broken.ID)
	if err != nil || still.Closed || still.Version != failed.Version {
		t.Fatalf("reject output changed the job: %+v err=%v", still, err)
	}
	if _, err := h.jobs.Retry(ctx, alice, broken.ID); err != nil {
		t.Fatalf("job must stay retryable: %v", err)
	}
}

func TestRunTimeoutFailsJob(t *testing.T) {
	h := newHarness(t, Config{AllowUnisolated: true, Timeout: 300 * time.Millisecond})
	ctx := context.Background()
	job := h.submit(t, "sleepy", "sleep 30\n")
	if _, err := h.jobs.Approve(ctx, alice, job.ID); err != nil {
		t.Fatalf("Approve() err=%v", err)
	}
	start := time.Now()
	failed, err := h.jobs.Run(ctx, alice, job.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("timeout was not enforced")
	}
	if failed.Status != domain.JobStatusFailed || failed.Failure == nil || failed.Failure.Kind != domain.FailureExecutionTimeout {
		t.Fatalf("unexpected job: %+v", failed)
	}
	if failed.Failure.ExitCode != nil {
		t.Fatalf("timed out job should carry no exit code")
	}
}

func TestFailureRetryAndClose(t *testing.T) {
	h := newHarness(t, Config{AllowUnisolated: true, Timeout: 10 * time.Second})
	ctx := context.Background()
	job := h.submit(t, "broken", "echo boom >&2\nexit 3\n")
	if _, err := h.jobs.Approve(ctx, alice, job.ID); err != nil {
		t.Fatalf("Approve() err=%v", err)
	}
	failed, err := h.jobs.Run(ctx, alice, job.ID, RunOptions{})
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if failed.Failure == nil || failed.Failure.Kind != domain.FailureExecutionFailure || failed.Failure.ExitCode == nil || *failed.Failure.ExitCode != 3 {
		t.Fatalf("unexpected failure: %+v", failed.Failure)
	}

	// The owner can inspect logs of a failed run.
	reviewed, err := h.disclosure.ReviewResults(ctx, alice, job.ID)
	if err != nil {
		t.Fatalf("ReviewResults() err=%v", err)
	}
	if string(reviewed.Stderr) != "boom\n" {
		t.Fatalf("stderr=%q", reviewed.Stderr)
	}

	requeued, err := h.jobs.Retry(ctx, alice, job.ID)
	if err != nil {
		t.Fatalf("Retry() err=%v", err)
	}
	if requeued.Status != domain.JobStatusQueued || requeued.RetryCount != 1 {
		t.Fatalf("unexpected job after retry: %+v", requeued)
	}
	if _, err := h.jobs.Retry(ctx, alice, job.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("retry of queued job: expected invalid transition, got %v", err)
	}
	if _, err := h.jobs.Run(ctx, alice, job.ID, RunOptions{}); err != nil {
		t.Fatalf("second Run() err=%v", err)
	}
	closed, err := h.jobs.Close(ctx, alice, job.ID)
	if err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if !closed.Closed || !closed.Terminal() {
		t.Fatalf("job should be closed: %+v", closed)
	}
	if _, err := h.jobs.Retry(ctx, alice, job.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("retry of closed job: expected invalid transition, got %v", err)
	}
}

func TestRejectAndRejectOutput(t *testing.T) {
	h := newHarness(t, Config{AllowUnisolated: true, Timeout: 10 * time.Second})
	ctx := context.Background()

	rejected := h.submit(t, "sneaky", "cat /etc/shadow\n")
	job, err := h.jobs.Reject(ctx, alice, rejected.ID, "reads system files")
	if err != nil {
		t.Fatalf("Reject() err=%v", err)
	}
	if job.Status != domain.JobStatusRejected || job.Failure == nil || job.Failure.Kind != domain.FailureCodeRejected {
		t.Fatalf("unexpected rejected job: %+v", job)
	}
	if _, err := h.jobs.Run(ctx, alice, rejected.ID, RunOptions{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("run of rejected job: expected invalid transition, got %v", err)
	}

	leaky := h.submit(t, "leaky", upperScript)
	if _, err := h.jobs.Approve(ctx, alice, leaky.ID); err != nil {
		t.Fatalf("Approve() err=%v", err)
	}
	if _, err := h.jobs.Run(ctx, alice, leaky.ID, RunOptions{}); err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	job, err = h.jobs.RejectOutput(ctx, alice, leaky.ID, "row level data")
	if err != nil {
		t.Fatalf("RejectOutput() err=%v", err)
	}
	if job.Status != domain.JobStatusFailed || job.Failure.Kind != domain.FailureOutputRejected {
		t.Fatalf("unexpected job: %+v", job)
	}
	if _, err := h.disclosure.GetResults(ctx, bob, leaky.ID); !errors.Is(err, domain.ErrDisclosure) {
		t.Fatalf("expected disclosure error, got %v", err)
	}
}

func TestSubmitRules(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	if _, err := h.jobs.Submit(ctx, alice, SubmitInput{DatasetRef: "wine"}); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("owner submit: expected authorization error, got %v", err)
	}
	if _, err := h.jobs.Submit(ctx, bob, SubmitInput{DatasetRef: "beer", Code: &usercode.SubmitInput{}}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown dataset: expected not found, got %v", err)
	}
	if _, err := h.jobs.Submit(ctx, bob, SubmitInput{DatasetRef: "wine"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("no code: expected validation error, got %v", err)
	}

	first := h.submit(t, "", upperScript)
	if first.Name == "" || first.DatasetName != "wine" {
		t.Fatalf("unexpected generated name: %+v", first)
	}
	if _, err := h.jobs.Submit(ctx, bob, SubmitInput{DatasetRef: "wine", UserCodeID: first.UserCodeID}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("rebinding code: expected already exists, got %v", err)
	}
	if _, err := h.jobs.Submit(ctx, domain.Requester("eve@ds.org"), SubmitInput{DatasetRef: "wine", UserCodeID: first.UserCodeID}); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("foreign code: expected authorization error, got %v", err)
	}
	if _, err := h.jobs.Submit(ctx, bob, SubmitInput{Name: first.Name, DatasetRef: "wine", Code: &usercode.SubmitInput{
		Entrypoint: "main.sh",
		Files:      []usercode.File{{Path: "main.sh", Data: []byte("true\n")}},
	}}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate job name: expected already exists, got %v", err)
	}

	if _, err := h.jobs.GetAll(ctx, ListInput{Status: "bogus"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bogus status: expected validation error, got %v", err)
	}
	mine, err := h.jobs.GetAll(ctx, ListInput{Requester: bob.Subject, Status: "code_review"})
	if err != nil || len(mine) != 1 {
		t.Fatalf("GetAll(mine)=%v err=%v", mine, err)
	}
}

func TestSubmitFromCodePath(t *testing.T) {
	h := newHarness(t, Config{AllowUnisolated: true, Timeout: 10 * time.Second})
	ctx := context.Background()

	src := filepath.Join(h.root, "src")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "main.sh"), []byte(upperScript), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	job, err := h.jobs.Submit(ctx, bob, SubmitInput{DatasetRef: "wine", CodePath: src, Entrypoint: "main.sh"})
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if job.UserCodeID == "" || job.Status != domain.JobStatusCodeReview {
		t.Fatalf("unexpected job: %+v", job)
	}
	if _, err := h.jobs.Approve(ctx, alice, job.ID); err != nil {
		t.Fatalf("Approve() err=%v", err)
	}
	ran, err := h.jobs.Run(ctx, alice, job.ID, RunOptions{})
	if err != nil || ran.Status != domain.JobStatusPendingOutputReview {
		t.Fatalf("Run()=%+v err=%v", ran, err)
	}
	reviewed, err := h.disclosure.ReviewResults(ctx, alice, job.ID)
	if err != nil {
		t.Fatalf("ReviewResults() err=%v", err)
	}
	if out, ok := reviewed.Output("output.txt"); !ok || string(out.Data) != "ABC" {
		t.Fatalf("unexpected output: %+v", reviewed.Outputs)
	}

	if _, err := h.jobs.Submit(ctx, bob, SubmitInput{DatasetRef: "wine", CodePath: filepath.Join(h.root, "missing")}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing code path: expected validation error, got %v", err)
	}
}

func TestConcurrentSubmitsBindCodeOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	code, err := h.code.Submit(ctx, bob, usercode.SubmitInput{
		Entrypoint: "main.sh",
		Files:      []usercode.File{{Path: "main.sh", Data: []byte(upperScript)}},
	})
	if err != nil {
		t.Fatalf("code Submit() err=%v", err)
	}

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.jobs.Submit(ctx, bob, SubmitInput{DatasetRef: "wine", UserCodeID: code.ID})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, domain.ErrAlreadyExists):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d submits bound the same code, want 1", ok)
	}
}
