// Command craned-task-init is the privileged last step of a task launch:
// it is exec'd by the supervisor runtime with a taskinit.Request on stdin,
// drops privileges, wires up stdio, optionally installs a seccomp filter,
// and execve's the user's command. It never returns on success.
//
// Kept in its own binary rather than inline because Go's exec.Cmd.Start
// gives no hook for custom code between fork and exec.
//
//go:build linux

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/crane-sched/craned/internal/craned/supervisor"
	"github.com/crane-sched/craned/internal/craned/supervisor/taskinit"
	"golang.org/x/sys/unix"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "craned-task-init: "+err.Error())
		os.Exit(127)
	}
	// unix.Exec only returns on error.
	panic("unreachable")
}

func run() error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	var req taskinit.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	if req.MigrationAckFD >= 0 {
		if err := waitForMigrationAck(req.MigrationAckFD); err != nil {
			return fmt.Errorf("wait for cgroup migration: %w", err)
		}
	}

	if len(req.SupplementaryGids) > 0 {
		if err := unix.Setgroups(toIntSlice(req.SupplementaryGids)); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
	} else {
		// drop the inherited group list entirely rather than leave the
		// supervisor's own groups attached.
		if err := unix.Setgroups(nil); err != nil {
			return fmt.Errorf("clear groups: %w", err)
		}
	}
	if err := unix.Setresgid(int(req.Gid), int(req.Gid), int(req.Gid)); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := unix.Setresuid(int(req.Uid), int(req.Uid), int(req.Uid)); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}

	if req.WorkDir != "" {
		if err := unix.Chdir(req.WorkDir); err != nil {
			return fmt.Errorf("chdir %s: %w", req.WorkDir, err)
		}
	}
	if err := unix.Setpgid(0, 0); err != nil {
		return fmt.Errorf("setpgid: %w", err)
	}

	// fd redirection happens after the privilege drop above so that
	// per-user filesystem permissions apply to the job's own output
	// paths, not the supervisor's root identity.
	if err := wireStdio(req); err != nil {
		return fmt.Errorf("wire stdio: %w", err)
	}

	if req.SeccompProfile != "" {
		if err := supervisor.ApplySeccomp(req.SeccompProfile); err != nil {
			return fmt.Errorf("apply seccomp: %w", err)
		}
	}

	if len(req.Argv) == 0 {
		return fmt.Errorf("empty argv")
	}
	return unix.Exec(req.Argv[0], req.Argv, req.Env)
}

// waitForMigrationAck blocks reading a single byte from the supervisor's
// migration-ack pipe, inherited as fd. The supervisor writes that byte
// only after it has migrated this process's pid into its cgroups, so
// nothing past this call ever runs outside its resource/device container.
// A closed pipe with no byte (migration failed) is a fatal error here.
func waitForMigrationAck(fd int) error {
	f := os.NewFile(uintptr(fd), "migration-ack")
	defer f.Close()
	buf := make([]byte, 1)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	if n != 1 {
		return fmt.Errorf("migration ack pipe closed without signalling readiness")
	}
	return nil
}

// wireStdio replaces fds 0,1,2 either with the shared stdio fd (pty slave
// or interactive socket) or with the three redirect paths, then closes
// every other inherited descriptor.
func wireStdio(req taskinit.Request) error {
	if req.StdioFD >= 0 {
		for _, fd := range []int{0, 1, 2} {
			if err := unix.Dup2(req.StdioFD, fd); err != nil {
				return fmt.Errorf("dup2 stdio fd: %w", err)
			}
		}
	} else {
		if err := redirect(req.StdinPath, 0, os.O_RDONLY); err != nil {
			return err
		}
		if err := redirect(req.StdoutPath, 1, os.O_RDWR|os.O_CREATE|os.O_TRUNC); err != nil {
			return err
		}
		if err := redirect(req.StderrPath, 2, os.O_RDWR|os.O_CREATE|os.O_TRUNC); err != nil {
			return err
		}
	}
	return closeFdsFrom(3)
}

func redirect(path string, fd, flags int) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return unix.Dup2(int(f.Fd()), fd)
}

func closeFdsFrom(lowest int) error {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		// best effort outside linux /proc environments; the Go runtime
		// marks most fds close-on-exec already.
		return nil
	}
	for _, e := range entries {
		var fd int
		if _, err := fmt.Sscanf(e.Name(), "%d", &fd); err != nil {
			continue
		}
		if fd >= lowest {
			unix.Close(fd)
		}
	}
	return nil
}

func toIntSlice(in []uint32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
