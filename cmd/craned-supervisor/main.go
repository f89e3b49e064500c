// Command craned-supervisor is the Supervisor Runtime's process entrypoint:
// spawned once per job by the agent's Supervisor Keeper, it owns exactly
// one task for the lifetime of its control socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/crane-sched/craned/internal/craned/logging"
	"github.com/crane-sched/craned/internal/craned/model"
	"github.com/crane-sched/craned/internal/craned/supervisor"
)

func main() {
	jobID := flag.Uint64("job", 0, "job id this supervisor owns")
	socketPath := flag.String("socket", "", "control socket path to bind")
	taskInitPath := flag.String("task-init", "", "path to the craned-task-init helper (defaults to a sibling of this binary)")
	flag.Parse()

	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "craned-supervisor: -socket is required")
		os.Exit(2)
	}
	if *taskInitPath == "" {
		exe, err := os.Executable()
		if err == nil {
			*taskInitPath = filepath.Join(filepath.Dir(exe), "craned-task-init")
		}
	}

	logging.Init(logging.Config{Level: "info", Format: "console"})
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := supervisor.New(model.JobId(*jobID), *socketPath, *taskInitPath)
	if err := rt.Serve(ctx); err != nil {
		logging.Error(ctx, "supervisor exited with error", zap.Error(err))
		os.Exit(1)
	}
}
