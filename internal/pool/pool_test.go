package pool

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thrashr888/agentkernel/internal/audit"
	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/permissions"
	"github.com/thrashr888/agentkernel/internal/sandbox"
)

// fakeDriver is an in-memory stand-in for a real backend so Pool tests
// never shell out to docker/podman/firecracker. File ops run against
// an in-memory map with the contract's NotFound semantics.
type fakeDriver struct {
	backend sandbox.Backend
	mu      sync.Mutex
	running bool
	execFn  func(command []string) (sandbox.ExecResult, error)
	files   map[string][]byte
}

func (d *fakeDriver) StartWithPermissions(ctx context.Context, image string, perms permissions.Permissions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	return nil
}
func (d *fakeDriver) Exec(ctx context.Context, command []string) (sandbox.ExecResult, error) {
	if d.execFn != nil {
		return d.execFn(command)
	}
	return sandbox.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}
func (d *fakeDriver) ExecWithEnv(ctx context.Context, command []string, env map[string]string) (sandbox.ExecResult, error) {
	return d.Exec(ctx, command)
}
func (d *fakeDriver) WriteFile(ctx context.Context, path string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.files == nil {
		d.files = make(map[string][]byte)
	}
	d.files[path] = data
	return nil
}
func (d *fakeDriver) ReadFile(ctx context.Context, path string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[path]
	if !ok {
		return nil, kernelerr.NotFoundf("file %s not found", path)
	}
	return data, nil
}
func (d *fakeDriver) RemoveFile(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, path)
	return nil
}
func (d *fakeDriver) InjectFiles(ctx context.Context, files []sandbox.FileInjection) error {
	return nil
}
func (d *fakeDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}
func (d *fakeDriver) Remove(ctx context.Context) error { return nil }
func (d *fakeDriver) IsRunning(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}
func (d *fakeDriver) Backend() sandbox.Backend { return d.backend }

// fakeEphemeralDriver additionally implements sandbox.EphemeralDriver,
// exercising Pool.Exec's one-shot fast path.
type fakeEphemeralDriver struct {
	fakeDriver
	ephemeralCalls int32
}

func (d *fakeEphemeralDriver) ExecEphemeral(ctx context.Context, image string, command []string, perms permissions.Permissions) (sandbox.ExecResult, error) {
	atomic.AddInt32(&d.ephemeralCalls, 1)
	return sandbox.ExecResult{ExitCode: 0, Stdout: "ephemeral"}, nil
}

func testKey() Key {
	return Key{Backend: sandbox.BackendOCIContainer, Runtime: "base", CompatibilityMode: "native"}
}

func factoryFor(driver sandbox.Driver) (Factory, *int32) {
	var calls int32
	return func(ctx context.Context, key Key) (sandbox.Driver, string, error) {
		atomic.AddInt32(&calls, 1)
		return driver, "alpine:latest", nil
	}, &calls
}

func TestWarmPopulatesMinWarm(t *testing.T) {
	driver := &fakeDriver{backend: sandbox.BackendOCIContainer}
	factory, _ := factoryFor(driver)
	p := New(factory, permissions.Permissions{}, nil, Limits{MinWarm: 3, MaxWarm: 5, InUseLimit: 2})

	key := testKey()
	p.SetLimits(key, Limits{MinWarm: 3, MaxWarm: 5, InUseLimit: 2})
	p.Warm(context.Background(), []Key{key})

	status := p.Status()
	if status.Warm != 3 {
		t.Errorf("Warm = %d, want 3", status.Warm)
	}
	if status.InUse != 0 {
		t.Errorf("InUse = %d, want 0", status.InUse)
	}
	if status.AgentStats["native"] != 3 {
		t.Errorf("AgentStats[native] = %d, want 3", status.AgentStats["native"])
	}
}

func TestAcquireReusesWarmInstance(t *testing.T) {
	driver := &fakeDriver{backend: sandbox.BackendOCIContainer}
	factory, calls := factoryFor(driver)
	p := New(factory, permissions.Permissions{}, nil, Limits{MinWarm: 1, MaxWarm: 2, InUseLimit: 1})

	key := testKey()
	p.SetLimits(key, Limits{MinWarm: 1, MaxWarm: 2, InUseLimit: 1})
	p.Warm(context.Background(), []Key{key})

	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("factory called %d times during Warm, want 1", got)
	}

	handle, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if handle.Backend != sandbox.BackendOCIContainer {
		t.Errorf("Backend = %v, want BackendOCIContainer", handle.Backend)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("factory called %d times, want still 1 (warm instance reused)", got)
	}
	if status := p.Status(); status.Warm != 0 || status.InUse != 1 {
		t.Errorf("Status = %+v, want Warm=0 InUse=1", status)
	}
}

func TestAcquireCreatesFreshUnderCap(t *testing.T) {
	driver := &fakeDriver{backend: sandbox.BackendOCIContainer}
	factory, calls := factoryFor(driver)
	p := New(factory, permissions.Permissions{}, nil, Limits{MinWarm: 0, MaxWarm: 2, InUseLimit: 1})

	key := testKey()
	handle, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if handle.ID == "" {
		t.Error("expected a non-empty instance ID")
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("factory called %d times, want 1", got)
	}
}

func TestAcquireBlocksAtCapacityThenUnblocks(t *testing.T) {
	driver := &fakeDriver{backend: sandbox.BackendOCIContainer}
	factory, _ := factoryFor(driver)
	p := New(factory, permissions.Permissions{}, nil, Limits{MinWarm: 0, MaxWarm: 1, InUseLimit: 0})

	key := testKey()
	first, err := p.Acquire(context.Background(), key)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	done := make(chan Handle, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h, err := p.Acquire(ctx, key)
		if err != nil {
			errCh <- err
			return
		}
		done <- h
	}()

	time.Sleep(50 * time.Millisecond) // give the second Acquire time to join the waiter queue
	if err := p.Release(context.Background(), first.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case <-done:
	case err := <-errCh:
		t.Fatalf("second Acquire failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("second Acquire never unblocked after Release")
	}
}

func TestAcquireTimesOutAtCapacity(t *testing.T) {
	driver := &fakeDriver{backend: sandbox.BackendOCIContainer}
	factory, _ := factoryFor(driver)
	p := New(factory, permissions.Permissions{}, nil, Limits{MinWarm: 0, MaxWarm: 1, InUseLimit: 0})

	key := testKey()
	if _, err := p.Acquire(context.Background(), key); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, key)
	if err == nil {
		t.Fatal("expected a capacity timeout error")
	}
	if kernelerr.KindOf(err) != kernelerr.Capacity {
		t.Errorf("KindOf(err) = %v, want Capacity", kernelerr.KindOf(err))
	}
}

func TestExecUsesEphemeralFastPathWhenNoWarmInstance(t *testing.T) {
	driver := &fakeEphemeralDriver{fakeDriver: fakeDriver{backend: sandbox.BackendOCIContainer}}
	factory, calls := factoryFor(driver)
	p := New(factory, permissions.Permissions{}, nil, Limits{MinWarm: 0, MaxWarm: 2, InUseLimit: 1})

	key := testKey()
	result, err := p.Exec(context.Background(), key, []string{"echo", "hello"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.Stdout != "ephemeral" {
		t.Errorf("Stdout = %q, want %q (ephemeral path)", result.Stdout, "ephemeral")
	}
	if atomic.LoadInt32(&driver.ephemeralCalls) != 1 {
		t.Errorf("ExecEphemeral called %d times, want 1", driver.ephemeralCalls)
	}
	if status := p.Status(); status.Warm != 0 || status.InUse != 0 {
		t.Errorf("Status = %+v, want no instance ever registered", status)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("factory called %d times, want 1 (probed once for the ephemeral path)", got)
	}
}

func TestExecFallsBackToLeaseWithoutEphemeralCapability(t *testing.T) {
	driver := &fakeDriver{backend: sandbox.BackendMicroVM}
	factory, _ := factoryFor(driver)
	p := New(factory, permissions.Permissions{}, nil, Limits{MinWarm: 0, MaxWarm: 2, InUseLimit: 1})

	key := Key{Backend: sandbox.BackendMicroVM, Runtime: "base", CompatibilityMode: "native"}
	result, err := p.Exec(context.Background(), key, []string{"echo", "hello"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.Stdout != "ok" {
		t.Errorf("Stdout = %q, want %q (normal Exec path)", result.Stdout, "ok")
	}
	// Exec releases the instance back to warm when it succeeds.
	if status := p.Status(); status.Warm != 1 || status.InUse != 0 {
		t.Errorf("Status = %+v, want Warm=1 InUse=0 after a successful Exec releases the lease", status)
	}
}

func TestExecTearsDownInstanceOnFailure(t *testing.T) {
	driver := &fakeDriver{
		backend: sandbox.BackendOCIContainer,
		execFn: func(command []string) (sandbox.ExecResult, error) {
			return sandbox.ExecResult{}, kernelerr.Backendf(nil, "exec failed")
		},
	}
	factory, _ := factoryFor(driver)
	p := New(factory, permissions.Permissions{}, nil, Limits{MinWarm: 1, MaxWarm: 2, InUseLimit: 1})

	key := testKey()
	p.SetLimits(key, Limits{MinWarm: 1, MaxWarm: 2, InUseLimit: 1})
	p.Warm(context.Background(), []Key{key})

	_, err := p.Exec(context.Background(), key, []string{"false"})
	if err == nil {
		t.Fatal("expected Exec to surface the driver's error")
	}
	if status := p.Status(); status.Warm != 0 || status.InUse != 0 {
		t.Errorf("Status = %+v, want the failed instance torn down entirely", status)
	}
}

func TestLeasedFileOpsRoundTrip(t *testing.T) {
	driver := &fakeDriver{backend: sandbox.BackendOCIContainer}
	factory, _ := factoryFor(driver)
	log := audit.NewAt(filepath.Join(t.TempDir(), "audit.jsonl"))
	p := New(factory, permissions.Permissions{}, log, Limits{MinWarm: 0, MaxWarm: 2, InUseLimit: 1})

	ctx := context.Background()
	handle, err := p.Acquire(ctx, testKey())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	payload := []byte("hello sandbox")
	if err := p.WriteFile(ctx, handle.ID, "/tmp/greeting", payload); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := p.ReadFile(ctx, handle.ID, "/tmp/greeting")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("ReadFile = %q, want %q", data, payload)
	}

	if err := p.RemoveFile(ctx, handle.ID, "/tmp/greeting"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if _, err := p.ReadFile(ctx, handle.ID, "/tmp/greeting"); kernelerr.KindOf(err) != kernelerr.NotFound {
		t.Errorf("ReadFile after remove: KindOf(err) = %v, want NotFound", kernelerr.KindOf(err))
	}

	if err := p.WriteFile(ctx, "no-such-lease", "/tmp/x", nil); kernelerr.KindOf(err) != kernelerr.NotFound {
		t.Errorf("WriteFile on unknown lease: KindOf(err) = %v, want NotFound", kernelerr.KindOf(err))
	}

	entries, err := log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var attached, written, read bool
	for _, e := range entries {
		switch e.Type {
		case audit.SessionAttached:
			attached = true
		case audit.FileWritten:
			written = e.Path == "/tmp/greeting"
		case audit.FileRead:
			read = e.Path == "/tmp/greeting"
		}
	}
	if !attached || !written || !read {
		t.Errorf("audit log missing events: attached=%v written=%v read=%v", attached, written, read)
	}
}

func TestReleaseUnknownInstance(t *testing.T) {
	driver := &fakeDriver{backend: sandbox.BackendOCIContainer}
	factory, _ := factoryFor(driver)
	p := New(factory, permissions.Permissions{}, nil, Limits{})

	err := p.Release(context.Background(), "does-not-exist")
	if kernelerr.KindOf(err) != kernelerr.NotFound {
		t.Errorf("KindOf(err) = %v, want NotFound", kernelerr.KindOf(err))
	}
}

func TestShutdownRejectsFurtherAcquire(t *testing.T) {
	driver := &fakeDriver{backend: sandbox.BackendOCIContainer}
	factory, _ := factoryFor(driver)
	p := New(factory, permissions.Permissions{}, nil, Limits{MinWarm: 0, MaxWarm: 2, InUseLimit: 1})

	p.Shutdown(context.Background(), time.Second)

	_, err := p.Acquire(context.Background(), testKey())
	if kernelerr.KindOf(err) != kernelerr.Unavailable {
		t.Errorf("KindOf(err) = %v, want Unavailable", kernelerr.KindOf(err))
	}
}
