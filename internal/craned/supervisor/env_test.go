package supervisor

import (
	"testing"
	"time"

	"github.com/crane-sched/craned/internal/craned/model"
)

func envMap(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		for i := 0; i < len(p); i++ {
			if p[i] == '=' {
				out[p[:i]] = p[i+1:]
				break
			}
		}
	}
	return out
}

func TestBuildEnvBaseContract(t *testing.T) {
	job := model.JobSpec{
		JobId: 42, JobName: "fold-sim", Account: "physics", Partition: "gpu",
		Qos: "normal", NodeList: "node[1-2]", Excludes: "node3",
		TimeLimit: 90*time.Minute + 5*time.Second, MemoryMB: 2048,
	}
	task := model.TaskSpec{JobId: job.JobId}

	got := envMap(BuildEnv(job, task, "", "", nil))

	want := map[string]string{
		"CRANE_JOB_ID":       "42",
		"CRANE_JOB_NAME":     "fold-sim",
		"CRANE_ACCOUNT":      "physics",
		"CRANE_PARTITION":    "gpu",
		"CRANE_QOS":          "normal",
		"CRANE_JOB_NODELIST": "node[1-2]",
		"CRANE_EXCLUDES":     "node3",
		"CRANE_TIMELIMIT":    "01:30:05",
		"CRANE_MEM_PER_NODE": "2048",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got["HOME"]; ok {
		t.Errorf("expected no HOME when InheritLoginEnv is false")
	}
}

func TestBuildEnvInheritsLoginEnv(t *testing.T) {
	job := model.JobSpec{JobId: 1, InheritLoginEnv: true}
	task := model.TaskSpec{}
	got := envMap(BuildEnv(job, task, "/home/alice", "/bin/zsh", nil))
	if got["HOME"] != "/home/alice" || got["SHELL"] != "/bin/zsh" {
		t.Fatalf("expected HOME/SHELL to be set, got %v", got)
	}
}

func TestBuildEnvPtyInteractiveSetsTerm(t *testing.T) {
	job := model.JobSpec{JobId: 1, Type: model.JobInteractiveRun}
	task := model.TaskSpec{Pty: true}
	got := envMap(BuildEnv(job, task, "", "", nil))
	if got["TERM"] != "xterm-256color" {
		t.Fatalf("expected TERM to be set for pty interactive run, got %q", got["TERM"])
	}
}

func TestBuildEnvDeviceInjectorsOverrideOverlay(t *testing.T) {
	job := model.JobSpec{JobId: 1, EnvOverlay: map[string]string{"CUDA_VISIBLE_DEVICES": ""}}
	got := envMap(BuildEnv(job, model.TaskSpec{}, "", "", map[string]string{"CUDA_VISIBLE_DEVICES": "0,1"}))
	if got["CUDA_VISIBLE_DEVICES"] != "0,1" {
		t.Fatalf("expected device injector value to win, got %q", got["CUDA_VISIBLE_DEVICES"])
	}
}

func TestResolveOutputPathDefault(t *testing.T) {
	got := ResolveOutputPath("", "/home/alice/job", 7, "alice", "run")
	if got != "/home/alice/job/Crane-7.out" {
		t.Fatalf("unexpected default path: %q", got)
	}
}

func TestResolveOutputPathSubstitutions(t *testing.T) {
	got := ResolveOutputPath("logs/%x-%j-%u.log", "/home/alice/job", 7, "alice", "run")
	if got != "/home/alice/job/logs/run-7-alice.log" {
		t.Fatalf("unexpected substituted path: %q", got)
	}
}

func TestResolveOutputPathAbsolute(t *testing.T) {
	got := ResolveOutputPath("/var/log/job-%j.log", "/home/alice/job", 7, "alice", "run")
	if got != "/var/log/job-7.log" {
		t.Fatalf("expected absolute pattern to be used as-is, got %q", got)
	}
}

func TestResolveOutputPathTrailingSlash(t *testing.T) {
	got := ResolveOutputPath("/var/log/out/", "/home/alice/job", 7, "alice", "run")
	if got != "/var/log/out/Crane-7.out" {
		t.Fatalf("expected directory pattern to default the filename, got %q", got)
	}
}
