package jobmanager

import (
	"sync"
	"testing"

	"github.com/crane-sched/craned/internal/craned/keeper"
	"github.com/crane-sched/craned/internal/craned/model"
)

// fakeDriver is an in-memory cgroup.Driver double for exercising the Job
// Manager's allocate/free lifecycle without touching real cgroupfs.
type fakeDriver struct {
	mu        sync.Mutex
	created   map[model.JobId]*model.Container
	destroyed map[model.JobId]bool
	failOpen  bool
	emptyOK   bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		created:   make(map[model.JobId]*model.Container),
		destroyed: make(map[model.JobId]bool),
		emptyOK:   true,
	}
}

func (f *fakeDriver) Generation() model.ContainerGeneration   { return model.ContainerV2 }
func (f *fakeDriver) AvailableControllers() model.ControllerBit {
	return model.ControllerCPU | model.ControllerMemory | model.ControllerIO | model.ControllerDevices
}

func (f *fakeDriver) CreateOrOpen(id model.JobId, preferred, required model.ControllerBit, recoverExisting bool) (*model.Container, error) {
	if f.failOpen {
		return nil, errTest
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &model.Container{JobId: id, Generation: model.ContainerV2, Name: model.ContainerName(id)}
	f.created[id] = c
	return c, nil
}

func (f *fakeDriver) ApplyCPUFraction(c *model.Container, fraction float64) error { return nil }
func (f *fakeDriver) ApplyCPUWeight(c *model.Container, weight uint64) error      { return nil }
func (f *fakeDriver) ApplyMemoryCap(c *model.Container, bytes int64) error       { return nil }
func (f *fakeDriver) ApplyMemorySoftCap(c *model.Container, bytes int64) error   { return nil }
func (f *fakeDriver) ApplyMemSwapCap(c *model.Container, bytes int64) error      { return nil }
func (f *fakeDriver) ApplyIOWeight(c *model.Container, weight uint64) error      { return nil }

func (f *fakeDriver) SetDeviceAccess(c *model.Container, known []model.Device, allowed map[model.SlotId]model.AccessBits) error {
	return nil
}

func (f *fakeDriver) MigrateIn(c *model.Container, pid int) error { return nil }

func (f *fakeDriver) MigrationPaths(c *model.Container) []string { return nil }

func (f *fakeDriver) KillAll(c *model.Container) error { return nil }

func (f *fakeDriver) Empty(c *model.Container) (bool, error) {
	return f.emptyOK, nil
}

func (f *fakeDriver) Destroy(c *model.Container) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed[c.JobId] = true
	return nil
}

func (f *fakeDriver) Reconcile(keep map[model.JobId]struct{}) error { return nil }

type testError string

func (e testError) Error() string { return string(e) }

const errTest = testError("fake driver failure")

type fakeSink struct {
	mu      sync.Mutex
	changes []model.TaskStatusChange
}

func (s *fakeSink) Emit(change model.TaskStatusChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
}

func (s *fakeSink) last() (model.TaskStatusChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.changes) == 0 {
		return model.TaskStatusChange{}, false
	}
	return s.changes[len(s.changes)-1], true
}

func newTestManager(driver *fakeDriver, sink StatusSink) *Manager {
	return New(driver, keeper.New("", ""), nil, nil, sink)
}

func TestAllocateJobsSucceeds(t *testing.T) {
	driver := newFakeDriver()
	m := newTestManager(driver, nil)

	specs := []model.JobSpec{{JobId: 1, CpuCount: 2, MemoryMB: 512}, {JobId: 2, CpuCount: 1, MemoryMB: 256}}
	results := m.AllocateJobs(specs)

	if !results[1] || !results[2] {
		t.Fatalf("expected both allocations to succeed, got %v", results)
	}
	if _, ok := m.get(1); !ok {
		t.Fatalf("expected job 1 to be tracked after allocation")
	}
}

func TestAllocateJobsContainerCreateFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.failOpen = true
	m := newTestManager(driver, nil)

	results := m.AllocateJobs([]model.JobSpec{{JobId: 1}})
	if results[1] {
		t.Fatalf("expected allocation to fail when CreateOrOpen errors")
	}
	if _, ok := m.get(1); ok {
		t.Fatalf("expected no job state recorded for a failed allocation")
	}
}

func TestFreeJobAllocationRequiresEmptyContainer(t *testing.T) {
	driver := newFakeDriver()
	driver.emptyOK = false
	m := newTestManager(driver, nil)
	m.AllocateJobs([]model.JobSpec{{JobId: 1}})

	if err := m.FreeJobAllocation(1); err == nil {
		t.Fatalf("expected error freeing a non-empty container")
	}
	if _, ok := m.get(1); !ok {
		t.Fatalf("expected job state to survive a failed free")
	}
}

func TestFreeJobAllocationTearsDownEmptyContainer(t *testing.T) {
	driver := newFakeDriver()
	m := newTestManager(driver, nil)
	m.AllocateJobs([]model.JobSpec{{JobId: 1}})

	if err := m.FreeJobAllocation(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.get(1); ok {
		t.Fatalf("expected job state removed after free")
	}
	if !driver.destroyed[1] {
		t.Fatalf("expected container to be destroyed")
	}
}

func TestFreeJobAllocationUnknownJobIsNoop(t *testing.T) {
	m := newTestManager(newFakeDriver(), nil)
	if err := m.FreeJobAllocation(99); err != nil {
		t.Fatalf("expected freeing an unknown job to be a no-op, got %v", err)
	}
}

func TestCheckTaskStatusUnknownJob(t *testing.T) {
	m := newTestManager(newFakeDriver(), nil)
	if _, ok := m.CheckTaskStatus(123); ok {
		t.Fatalf("expected unknown job to report not-found")
	}
}

func TestCheckTaskStatusDefaultsToRunning(t *testing.T) {
	driver := newFakeDriver()
	m := newTestManager(driver, nil)
	m.AllocateJobs([]model.JobSpec{{JobId: 1}})

	change, ok := m.CheckTaskStatus(1)
	if !ok || change.Status != model.JobStatusRunning {
		t.Fatalf("expected running status before any report, got %+v ok=%v", change, ok)
	}
}

func TestOnTaskStatusChangeForwardsToSink(t *testing.T) {
	driver := newFakeDriver()
	sink := &fakeSink{}
	m := newTestManager(driver, sink)
	m.AllocateJobs([]model.JobSpec{{JobId: 1}})

	m.OnTaskStatusChange(1, model.JobStatusCompleted, 0, "")

	change, ok := sink.last()
	if !ok || change.JobId != 1 || change.Status != model.JobStatusCompleted {
		t.Fatalf("expected sink to receive completed status, got %+v ok=%v", change, ok)
	}

	reported, ok := m.CheckTaskStatus(1)
	if !ok || reported.Status != model.JobStatusCompleted {
		t.Fatalf("expected CheckTaskStatus to reflect the last report")
	}
}

func TestOnTaskStatusChangeSuppressedForOrphans(t *testing.T) {
	driver := newFakeDriver()
	sink := &fakeSink{}
	m := newTestManager(driver, sink)
	m.AllocateJobs([]model.JobSpec{{JobId: 1}})

	if err := m.MarkOrphanedAndTerminate(1); err != nil {
		t.Fatalf("unexpected error marking orphaned: %v", err)
	}
	m.OnTaskStatusChange(1, model.JobStatusCompleted, 0, "")

	if _, ok := sink.last(); ok {
		t.Fatalf("expected orphaned job's status change to be suppressed")
	}
}

func TestListJobsAndJobDetail(t *testing.T) {
	driver := newFakeDriver()
	m := newTestManager(driver, nil)
	m.AllocateJobs([]model.JobSpec{{JobId: 3}})

	jobs := m.ListJobs()
	if len(jobs) != 1 || jobs[0].JobId != 3 {
		t.Fatalf("expected one listed job with id 3, got %+v", jobs)
	}

	detail, ok := m.JobDetail(3)
	if !ok || detail.Status != model.JobStatusRunning {
		t.Fatalf("expected job 3 detail to report running, got %+v ok=%v", detail, ok)
	}

	if _, ok := m.JobDetail(999); ok {
		t.Fatalf("expected unknown job detail lookup to report not found")
	}
}

func TestMultiSinkFansOutToAll(t *testing.T) {
	a, b := &fakeSink{}, &fakeSink{}
	multi := MultiSink{a, b}
	multi.Emit(model.TaskStatusChange{JobId: 5, Status: model.JobStatusFailed})

	for _, s := range []*fakeSink{a, b} {
		change, ok := s.last()
		if !ok || change.JobId != 5 {
			t.Fatalf("expected every sink in MultiSink to receive the change")
		}
	}
}
