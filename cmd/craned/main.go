// Command craned is the compute-node agent: it registers with the
// controller, drives the Container Driver and Supervisor Keeper, and hosts
// the Job Manager's single-writer event loop for the lifetime of the node.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/crane-sched/craned/internal/craned/agenterr"
	"github.com/crane-sched/craned/internal/craned/archive"
	"github.com/crane-sched/craned/internal/craned/audit"
	"github.com/crane-sched/craned/internal/craned/cgroup"
	"github.com/crane-sched/craned/internal/craned/config"
	"github.com/crane-sched/craned/internal/craned/ctlrpc"
	"github.com/crane-sched/craned/internal/craned/debugapi"
	"github.com/crane-sched/craned/internal/craned/jobmanager"
	"github.com/crane-sched/craned/internal/craned/keeper"
	"github.com/crane-sched/craned/internal/craned/lock"
	"github.com/crane-sched/craned/internal/craned/logging"
	"github.com/crane-sched/craned/internal/craned/model"
)

func main() {
	configPath := flag.String("C", "", "path to the agent's YAML config")
	listenAddr := flag.String("l", "", "override listen_addr")
	controllerAddr := flag.String("s", "", "override controller_addr")
	logFile := flag.String("L", "", "override log_file")
	logLevel := flag.String("D", "", "override log_level (trace|debug|info|warn|error)")
	version := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("craned (dev build)")
		return
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "craned: -C <config> is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "craned: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *controllerAddr != "" {
		cfg.ControllerAddr = *controllerAddr
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: cfg.LogFile}); err != nil {
		fmt.Fprintf(os.Stderr, "craned: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error(context.Background(), "craned exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instLock, err := lock.Acquire(cfg.LockFile)
	if err != nil {
		return fmt.Errorf("single-instance lock: %w", err)
	}
	defer instLock.Release()

	driver, err := cgroup.NewDriver(cgroup.Config{ContainerRoot: cfg.ContainerRoot, DeviceMapFile: cfg.ContainerRoot + "/craned-devmap.json"})
	if err != nil {
		return agenterr.Wrapf(err, agenterr.ConfigError, "container driver: %v", err)
	}

	devices := make([]model.Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, model.Device{
			SlotId: model.SlotId(d.SlotId), Kind: deviceKind(d.Kind),
			Major: d.Major, Minor: d.Minor, EnvInjector: d.Env,
		})
	}

	kpr := keeper.New(cfg.SocketDir, supervisorExecutablePath())

	var sinks jobmanager.MultiSink
	client, err := ctlrpc.Dial(ctx, cfg.ControllerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer client.Close()
	sinks = append(sinks, &ctlrpc.Sink{Client: client})

	if cfg.Audit != nil && cfg.Audit.DSN != "" {
		auditLog, err := audit.Open(cfg.Audit.DSN)
		if err != nil {
			logging.Warn(ctx, "audit log disabled: open failed", zap.Error(err))
		} else {
			defer auditLog.Close()
			sinks = append(sinks, auditLog)
		}
	}

	var archiveSink *jobmanager.ArchiveSink
	if cfg.Archive != nil && cfg.Archive.Bucket != "" {
		archiver, err := archive.New(archive.Config{
			Endpoint: cfg.Archive.Endpoint, Bucket: cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey, SecretKey: cfg.Archive.SecretKey, UseSSL: cfg.Archive.UseSSL,
		})
		if err != nil {
			logging.Warn(ctx, "archiver disabled: construct failed", zap.Error(err))
		} else {
			archiveSink = &jobmanager.ArchiveSink{Archiver: archiver}
			sinks = append(sinks, archiveSink)
		}
	}

	mgr := jobmanager.New(driver, kpr, devices, nil, sinks)
	if archiveSink != nil {
		archiveSink.Manager = mgr
	}
	mgr.SetSeccompProfile(seccompProfilePath(cfg))
	mgr.SetDeviceEnvFunc(func(assigned map[model.SlotId]struct{}) map[string]string {
		env := make(map[string]string)
		for _, d := range devices {
			if _, ok := assigned[d.SlotId]; ok {
				for k, v := range d.EnvInjector {
					env[k] = v
				}
			}
		}
		return env
	})

	grpcServer := grpc.NewServer()
	ctlrpc.RegisterAgentServer(grpcServer, &jobmanager.AgentServer{Manager: mgr})
	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logging.Error(ctx, "controller rpc server stopped", zap.Error(err))
		}
	}()

	debugSrv := debugapi.New(mgr)
	go func() {
		if err := debugSrv.Run(cfg.DebugAddr); err != nil {
			logging.Warn(ctx, "debug api stopped", zap.Error(err))
		}
	}()

	logging.Info(ctx, "craned started", zap.String("listen_addr", cfg.ListenAddr), zap.String("controller_addr", cfg.ControllerAddr))

	<-ctx.Done()
	logging.Info(ctx, "craned shutting down")
	mgr.Shutdown()
	grpcServer.GracefulStop()
	return nil
}

func deviceKind(s string) model.DeviceKind {
	switch s {
	case "block":
		return model.DeviceBlock
	case "char":
		return model.DeviceChar
	default:
		return model.DeviceOther
	}
}

func seccompProfilePath(cfg *config.Config) string {
	if !cfg.EnableSeccomp {
		return ""
	}
	return cfg.SeccompProfile
}

func supervisorExecutablePath() string {
	exe, err := os.Executable()
	if err != nil {
		return "craned-supervisor"
	}
	return filepath.Join(filepath.Dir(exe), "craned-supervisor")
}
