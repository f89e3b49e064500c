// Package supervisor implements the Supervisor Runtime: the forked child
// that owns exactly one job's task, launches it through the craned-task-init
// helper, watches it to exit, enforces a local wall-clock backstop, and
// answers the agent's control-socket RPCs. See §4.5.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/crane-sched/craned/internal/craned/logging"
	"github.com/crane-sched/craned/internal/craned/model"
	"github.com/crane-sched/craned/internal/craned/supervisorproto"
)

// migrationAckFD is the fd number craned-task-init sees its inherited
// migration-ack pipe under. It occupies fd 3: fds 0-2 are the process's
// stdin/stdout/stderr, and the ack pipe is the launching cmd's only
// ExtraFiles entry.
const migrationAckFD = 3

// killGrace is how long Runtime waits after SIGTERM before escalating to
// SIGKILL on a terminate request or a wall-clock timeout.
const killGrace = 5 * time.Second

// Runtime owns the lifecycle of a single job's task process.
type Runtime struct {
	jobID        model.JobId
	taskInitPath string
	socketPath   string

	mu         sync.Mutex
	proc       *os.Process
	started    bool
	startTime  time.Time
	limit      time.Duration
	timer      *time.Timer
	exited     bool
	status     model.JobStatus
	exitCode   int
	reason     string
	activeConn *supervisorproto.Conn
	pendingMsg *supervisorproto.Message
	ending     bool
}

// New constructs a Runtime for jobID, bound to socketPath. taskInitPath
// points at the craned-task-init helper binary.
func New(jobID model.JobId, socketPath, taskInitPath string) *Runtime {
	return &Runtime{jobID: jobID, socketPath: socketPath, taskInitPath: taskInitPath, status: model.JobStatusRunning}
}

// Serve listens on the runtime's control socket and handles connections
// serially (the agent holds at most one at a time) until ctx is cancelled.
func (r *Runtime) Serve(ctx context.Context) error {
	_ = os.Remove(r.socketPath)
	ln, err := net.Listen("unix", r.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.socketPath, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		r.handleConn(ctx, nc)
		r.mu.Lock()
		done := r.ending && r.exited
		r.mu.Unlock()
		if done {
			return nil
		}
	}
}

func (r *Runtime) handleConn(ctx context.Context, nc net.Conn) {
	conn := supervisorproto.NewConn(nc)
	r.mu.Lock()
	r.activeConn = conn
	pending := r.pendingMsg
	r.pendingMsg = nil
	r.mu.Unlock()

	if pending != nil {
		_ = conn.Send(*pending)
	}

	defer func() {
		r.mu.Lock()
		if r.activeConn == conn {
			r.activeConn = nil
		}
		r.mu.Unlock()
		conn.Close()
	}()

	for {
		msg, err := conn.Recv()
		if err != nil {
			return
		}
		reply := r.dispatch(ctx, msg)
		if reply != nil {
			if err := conn.Send(*reply); err != nil {
				return
			}
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, msg supervisorproto.Message) *supervisorproto.Message {
	switch msg.Verb {
	case supervisorproto.VerbHandshake:
		return r.replyHandshake()
	case supervisorproto.VerbExecuteTask:
		return r.handleExecuteTask(ctx, msg)
	case supervisorproto.VerbCheckTaskStatus:
		return r.replyCheckStatus()
	case supervisorproto.VerbChangeTaskTimeLimit:
		r.handleChangeTimeLimit(msg)
		return nil
	case supervisorproto.VerbTerminateTask:
		r.handleTerminate(msg)
		return nil
	case supervisorproto.VerbTerminate:
		r.mu.Lock()
		r.ending = true
		exited := r.exited
		r.mu.Unlock()
		if exited {
			os.Exit(0)
		}
		return nil
	default:
		return nil
	}
}

func (r *Runtime) replyHandshake() *supervisorproto.Message {
	payload := supervisorproto.HandshakeReply{JobId: uint32(r.jobID), PID: os.Getpid()}
	return &supervisorproto.Message{Verb: supervisorproto.VerbHandshake, Payload: supervisorproto.MarshalPayload(payload)}
}

func (r *Runtime) replyCheckStatus() *supervisorproto.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	alive := r.started && !r.exited
	pid := 0
	if r.proc != nil {
		pid = r.proc.Pid
	}
	payload := supervisorproto.CheckTaskStatusReply{PID: pid, Alive: alive}
	return &supervisorproto.Message{Verb: supervisorproto.VerbCheckTaskStatus, Payload: supervisorproto.MarshalPayload(payload)}
}

func (r *Runtime) handleExecuteTask(ctx context.Context, msg supervisorproto.Message) *supervisorproto.Message {
	var payload supervisorproto.ExecuteTaskPayload
	reply := func(pid int, errStr string) *supervisorproto.Message {
		return &supervisorproto.Message{Verb: supervisorproto.VerbExecuteTask, Payload: supervisorproto.MarshalPayload(supervisorproto.ExecuteTaskReply{PID: pid, Err: errStr})}
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return reply(0, err.Error())
	}

	pid, err := r.launch(payload)
	if err != nil {
		return reply(0, err.Error())
	}
	return reply(pid, "")
}

func (r *Runtime) launch(p supervisorproto.ExecuteTaskPayload) (int, error) {
	job := model.JobSpec{
		JobId: r.jobID, Uid: p.Uid, Gid: p.Gid, WorkDir: p.WorkDir,
		EnvOverlay: p.EnvOverlay, InheritLoginEnv: p.InheritLoginEnv,
		NodeList: p.NodeList, Excludes: p.Excludes, JobName: p.JobName,
		Account: p.Account, Partition: p.Partition, Qos: p.Qos,
		TimeLimit: time.Duration(p.TimeLimitSeconds) * time.Second,
		MemoryMB:  p.MemoryMB, Type: model.JobType(p.JobType),
	}
	task := model.TaskSpec{JobId: r.jobID, CmdLine: p.CmdLine, StdoutPattern: p.StdoutPattern, StderrPattern: p.StderrPattern, Pty: p.Pty}

	argv, err := TokenizeCommand(task.CmdLine)
	if err != nil {
		return 0, err
	}
	env := BuildEnv(job, task, p.HomeDir, p.Shell, p.DeviceEnv)
	stdout := ResolveOutputPath(task.StdoutPattern, job.WorkDir, job.JobId, p.Username, job.JobName)
	stderr := stdout
	if task.StderrPattern != "" {
		stderr = ResolveOutputPath(task.StderrPattern, job.WorkDir, job.JobId, p.Username, job.JobName)
	}

	req := initRequest(job, p, argv, env, stdout, stderr)

	ackR, ackW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("create migration ack pipe: %w", err)
	}
	req.MigrationAckFD = migrationAckFD

	body, err := json.Marshal(req)
	if err != nil {
		_ = ackR.Close()
		_ = ackW.Close()
		return 0, fmt.Errorf("marshal task-init request: %w", err)
	}

	cmd := exec.Command(r.taskInitPath)
	cmd.Stdin = bytesReader(body)
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{ackR}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = ackR.Close()
		_ = ackW.Close()
		return 0, fmt.Errorf("start task-init: %w", err)
	}
	_ = ackR.Close() // the child holds its own copy; the parent only needs ackW now

	if err := releaseForExec(ackW, p.MigrationPaths, cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return 0, err
	}

	r.mu.Lock()
	r.proc = cmd.Process
	r.started = true
	r.startTime = time.Now()
	r.limit = job.TimeLimit
	r.scheduleTimeoutLocked()
	r.mu.Unlock()

	go r.reap(cmd)

	logging.Info(context.Background(), "task launched", zapJob(r.jobID), zapPID(cmd.Process.Pid))
	return cmd.Process.Pid, nil
}

// releaseForExec migrates pid into every cgroup.procs path, then writes
// the ack byte craned-task-init is blocked reading on the paired fd. The
// task-init process never reaches execve until this returns, so the user
// command starts already inside its resource and device container.
// ackW is always closed on return; a migration failure leaves it closed
// without an ack byte, which the child treats as a fatal read error.
func releaseForExec(ackW *os.File, migrationPaths []string, pid int) error {
	defer ackW.Close()
	if err := migratePid(migrationPaths, pid); err != nil {
		return fmt.Errorf("migrate task into container: %w", err)
	}
	if _, err := ackW.Write([]byte{1}); err != nil {
		return fmt.Errorf("signal migration ack: %w", err)
	}
	return nil
}

// migratePid writes pid into each of the container's cgroup.procs paths,
// mirroring cgroup.Driver.MigrateIn's single-retry-on-EINTR policy (up to
// three attempts per path; any other error is surfaced immediately).
func migratePid(paths []string, pid int) error {
	data := []byte(strconv.Itoa(pid))
	for _, path := range paths {
		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			lastErr = os.WriteFile(path, data, 0644)
			if lastErr == nil || lastErr != syscall.EINTR {
				break
			}
		}
		if lastErr != nil {
			return fmt.Errorf("write pid into %s: %w", path, lastErr)
		}
	}
	return nil
}

func (r *Runtime) reap(cmd *exec.Cmd) {
	err := cmd.Wait()

	status := model.JobStatusCompleted
	exitCode := 0
	reason := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status = signalStatus(ws.Signal())
				exitCode = 128 + int(ws.Signal())
				reason = ws.Signal().String()
			} else {
				status = model.JobStatusFailed
				exitCode = exitErr.ExitCode()
				reason = err.Error()
			}
		} else {
			status = model.JobStatusFailed
			exitCode = 1
			reason = err.Error()
		}
	}

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	// a pending terminate-by-timeout takes precedence over the exit race.
	if r.status == model.JobStatusExceedTimeLimit || r.status == model.JobStatusCancelled {
		status = r.status
		exitCode = r.exitCode
		reason = r.reason
	}
	r.exited = true
	r.status = status
	r.exitCode = exitCode
	r.reason = reason
	ending := r.ending
	r.mu.Unlock()

	r.sendStatusChange(status, exitCode, reason)

	if ending {
		os.Exit(0)
	}
}

func signalStatus(sig syscall.Signal) model.JobStatus {
	if sig == syscall.SIGKILL {
		return model.JobStatusExceedTimeLimit
	}
	return model.JobStatusCancelled
}

func (r *Runtime) sendStatusChange(status model.JobStatus, exitCode int, reason string) {
	payload := supervisorproto.TaskStatusChangePayload{Status: status.String(), ExitCode: exitCode, Reason: reason}
	msg := supervisorproto.Message{Verb: supervisorproto.VerbTaskStatusChange, Payload: supervisorproto.MarshalPayload(payload)}

	r.mu.Lock()
	conn := r.activeConn
	r.mu.Unlock()

	if conn == nil || conn.Send(msg) != nil {
		r.mu.Lock()
		r.pendingMsg = &msg
		r.mu.Unlock()
	}
}

func (r *Runtime) handleChangeTimeLimit(msg supervisorproto.Message) {
	var payload supervisorproto.ChangeTaskTimeLimitPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited {
		return
	}
	r.limit = time.Duration(payload.Seconds) * time.Second
	if r.timer != nil {
		r.timer.Stop()
	}
	r.scheduleTimeoutLocked()
}

// scheduleTimeoutLocked arms the supervisor's own wall-clock backstop: it
// fires independently of the agent's timer in case the agent itself is
// unavailable to issue a terminate. Caller must hold r.mu.
func (r *Runtime) scheduleTimeoutLocked() {
	if r.limit <= 0 || !r.started || r.exited {
		return
	}
	remaining := r.limit - time.Since(r.startTime)
	if remaining < 0 {
		remaining = 0
	}
	r.timer = time.AfterFunc(remaining, func() {
		r.mu.Lock()
		if r.exited {
			r.mu.Unlock()
			return
		}
		r.status = model.JobStatusExceedTimeLimit
		r.exitCode = 137
		r.reason = "time limit exceeded"
		r.mu.Unlock()
		r.killGraceful()
	})
}

func (r *Runtime) handleTerminate(msg supervisorproto.Message) {
	var payload supervisorproto.TerminateTaskPayload
	_ = json.Unmarshal(msg.Payload, &payload)

	r.mu.Lock()
	if r.exited {
		r.mu.Unlock()
		return
	}
	if !payload.MarkOrphaned {
		r.status = model.JobStatusCancelled
		r.exitCode = 143
		r.reason = "terminated"
	}
	r.mu.Unlock()
	r.killGraceful()
}

// killGraceful sends SIGTERM, then SIGKILL after killGrace if the process
// has not yet exited.
func (r *Runtime) killGraceful() {
	r.mu.Lock()
	proc := r.proc
	r.mu.Unlock()
	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	time.AfterFunc(killGrace, func() {
		r.mu.Lock()
		exited := r.exited
		r.mu.Unlock()
		if !exited {
			_ = proc.Signal(syscall.SIGKILL)
		}
	})
}
