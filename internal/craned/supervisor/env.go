package supervisor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/crane-sched/craned/internal/craned/model"
)

// BuildEnv constructs the user process's environment per §4.5 step 1:
// the task overlay, the CRANE_* contract variables, HOME/SHELL when
// login env is inherited, TERM for pty interactive jobs, per-device
// injector variables, and the memory cap in MiB.
func BuildEnv(job model.JobSpec, task model.TaskSpec, homeDir, shell string, deviceEnv map[string]string) []string {
	env := make(map[string]string, len(job.EnvOverlay)+16)
	for k, v := range job.EnvOverlay {
		env[k] = v
	}

	env["CRANE_JOB_NODELIST"] = job.NodeList
	env["CRANE_EXCLUDES"] = job.Excludes
	env["CRANE_JOB_NAME"] = job.JobName
	env["CRANE_ACCOUNT"] = job.Account
	env["CRANE_PARTITION"] = job.Partition
	env["CRANE_QOS"] = job.Qos
	env["CRANE_JOB_ID"] = fmt.Sprint(uint32(job.JobId))
	env["CRANE_TIMELIMIT"] = formatHMS(job.TimeLimit.Seconds())
	env["CRANE_MEM_PER_NODE"] = fmt.Sprintf("%d", job.MemoryMB)

	if job.InheritLoginEnv {
		if homeDir != "" {
			env["HOME"] = homeDir
		}
		if shell != "" {
			env["SHELL"] = shell
		}
	}
	if task.Pty && job.Type == model.JobInteractiveRun {
		env["TERM"] = "xterm-256color"
	}
	for k, v := range deviceEnv {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func formatHMS(totalSeconds float64) string {
	total := int64(totalSeconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ResolveOutputPath applies the substitution rules of §4.5 "Output path
// substitution" to a stdout/stderr pattern.
func ResolveOutputPath(pattern, cwd string, jobID model.JobId, username, jobName string) string {
	if pattern == "" {
		return filepath.Join(cwd, fmt.Sprintf("Crane-%d.out", uint32(jobID)))
	}
	resolved := pattern
	resolved = strings.ReplaceAll(resolved, "%j", fmt.Sprint(uint32(jobID)))
	resolved = strings.ReplaceAll(resolved, "%u", username)
	resolved = strings.ReplaceAll(resolved, "%x", jobName)

	if strings.HasSuffix(resolved, "/") {
		return filepath.Join(resolved, fmt.Sprintf("Crane-%d.out", uint32(jobID)))
	}
	if filepath.IsAbs(resolved) {
		return resolved
	}
	return filepath.Join(cwd, resolved)
}
