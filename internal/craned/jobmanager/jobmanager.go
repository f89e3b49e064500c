// Package jobmanager implements the Job Manager: the single-writer actor
// owning the per-job state machine (allocate -> launch -> run -> terminate
// -> reap), dispatching control RPCs to supervisor children and surfacing
// terminal status upstream. See §4.4.
package jobmanager

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/threading"

	"github.com/crane-sched/craned/internal/craned/agenterr"
	"github.com/crane-sched/craned/internal/craned/cgroup"
	"github.com/crane-sched/craned/internal/craned/keeper"
	"github.com/crane-sched/craned/internal/craned/logging"
	"github.com/crane-sched/craned/internal/craned/model"
)

// PluginHook is invoked after a job's container gains its device limits,
// mirroring the "plug-in hook dispatch" external collaborator named in §1
// as out of scope; only its call signature is specified here.
type PluginHook func(containerName string, devices map[model.SlotId]struct{})

// StatusSink receives every TaskStatusChange the manager decides to emit
// upstream (orphaned jobs never reach it).
type StatusSink interface {
	Emit(model.TaskStatusChange)
}

// MultiSink fans a single TaskStatusChange out to every sink in the slice,
// letting the controller RPC push and the optional audit log share the
// same emission point without the Manager knowing either exists.
type MultiSink []StatusSink

func (m MultiSink) Emit(change model.TaskStatusChange) {
	for _, sink := range m {
		sink.Emit(change)
	}
}

type jobState struct {
	spec      model.JobSpec
	task      model.TaskSpec
	container *model.Container
	startTime time.Time
	limit     time.Duration
	timer     *time.Timer
	orphaned  bool
	executed  bool
	lastStatus *model.TaskStatusChange
}

// Manager is the Job Manager actor. All exported methods enqueue work onto
// the single run loop; construction details (driver, keeper, devices) are
// snapshotted before any fork, per the no-shared-state-across-fork
// discipline in §9.
type Manager struct {
	driver  cgroup.Driver
	keeper  *keeper.Keeper
	devices []model.Device
	hook    PluginHook
	sink    StatusSink

	pool *threading.TaskRunner

	cmds chan func()

	mu     sync.Mutex
	jobs   map[model.JobId]*jobState
	ending bool

	seccompProfile string
	deviceEnv      func(map[model.SlotId]struct{}) map[string]string
}

// SetSeccompProfile configures the filter profile path applied to every
// task's supervisor-launched process; empty disables seccomp entirely.
func (m *Manager) SetSeccompProfile(path string) {
	m.seccompProfile = path
}

// SetDeviceEnvFunc installs the callback used to compute per-device
// injector environment variables for a job's allocated device set.
func (m *Manager) SetDeviceEnvFunc(fn func(map[model.SlotId]struct{}) map[string]string) {
	m.deviceEnv = fn
}

// New constructs a Manager and starts its single-writer run loop
// immediately: every mutating method enqueues onto that loop, so the
// loop must be live from construction rather than depend on the caller
// remembering to start it.
func New(driver cgroup.Driver, kpr *keeper.Keeper, devices []model.Device, hook PluginHook, sink StatusSink) *Manager {
	m := &Manager{
		driver:  driver,
		keeper:  kpr,
		devices: devices,
		hook:    hook,
		sink:    sink,
		pool:    threading.NewTaskRunner(runtime.GOMAXPROCS(0)),
		cmds:    make(chan func(), 256),
		jobs:    make(map[model.JobId]*jobState),
	}
	go m.run()
	return m
}

// run is the main loop: a single goroutine consuming cmds serially, for
// the lifetime of the process. There is no shutdown handshake for it
// beyond process exit: Shutdown only stops new jobs from being accepted
// (see IsEnding), it does not tear down the loop while jobs still need
// enqueued operations (TerminateTask, FreeJobAllocation) to drain.
func (m *Manager) run() {
	for fn := range m.cmds {
		fn()
	}
}

// enqueue runs fn on the manager loop and blocks for its synchronous
// completion (fn itself should offload blocking work to m.pool).
func (m *Manager) enqueue(fn func()) {
	result := make(chan struct{})
	m.cmds <- func() {
		fn()
		close(result)
	}
	<-result
}

// AllocateJobs creates containers and applies allocatable limits for each
// spec, returning per-job success.
func (m *Manager) AllocateJobs(specs []model.JobSpec) map[model.JobId]bool {
	results := make(map[model.JobId]bool, len(specs))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, spec := range specs {
		spec := spec
		wg.Add(1)
		m.pool.Schedule(func() {
			defer wg.Done()
			ok := m.allocateOne(spec)
			mu.Lock()
			results[spec.JobId] = ok
			mu.Unlock()
		})
	}
	wg.Wait()
	return results
}

func (m *Manager) allocateOne(spec model.JobSpec) bool {
	required := model.ControllerCPU | model.ControllerMemory
	preferred := required | model.ControllerIO | model.ControllerDevices
	container, err := m.driver.CreateOrOpen(spec.JobId, preferred, required, false)
	if err != nil {
		logging.Error(context.Background(), "create container failed", zapErr(err), jobField(spec.JobId))
		return false
	}
	if err := m.driver.ApplyCPUFraction(container, spec.CpuCount); err != nil {
		logging.Error(context.Background(), "apply cpu fraction failed", zapErr(err), jobField(spec.JobId))
		return false
	}
	if err := m.driver.ApplyMemoryCap(container, spec.MemoryMB*1024*1024); err != nil {
		logging.Error(context.Background(), "apply memory cap failed", zapErr(err), jobField(spec.JobId))
		return false
	}
	if spec.MemSwapMB > 0 {
		_ = m.driver.ApplyMemSwapCap(container, spec.MemSwapMB*1024*1024)
	}
	allowed := make(map[model.SlotId]model.AccessBits, len(spec.DeviceSet))
	for slot := range spec.DeviceSet {
		allowed[slot] = model.AccessBits{Read: true, Write: true, Mknod: true}
	}
	if err := m.driver.SetDeviceAccess(container, m.devices, allowed); err != nil {
		logging.Warn(context.Background(), "set device access failed", zapErr(err), jobField(spec.JobId))
	}

	m.mu.Lock()
	m.jobs[spec.JobId] = &jobState{spec: spec, container: container, startTime: time.Now(), limit: spec.TimeLimit}
	m.mu.Unlock()

	if m.hook != nil {
		m.hook(container.Name, spec.DeviceSet)
	}
	return true
}

func (m *Manager) get(job model.JobId) (*jobState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[job]
	return st, ok
}
