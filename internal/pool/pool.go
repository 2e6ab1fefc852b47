// Package pool implements the warm pool of sandbox instances keyed
// by (backend, runtime, compatibility mode). The mutex guards only
// O(1) map bookkeeping; subprocess and driver work happens outside
// the lock, and a periodic maintenance goroutine tops warm counts
// back up.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thrashr888/agentkernel/internal/audit"
	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/permissions"
	"github.com/thrashr888/agentkernel/internal/sandbox"
)

// Key identifies one warm-pool bucket.
type Key struct {
	Backend           sandbox.Backend
	Runtime           string
	CompatibilityMode string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Backend, k.Runtime, k.CompatibilityMode)
}

// Limits are the per-key sizing knobs from config.
type Limits struct {
	MinWarm    int
	MaxWarm    int
	InUseLimit int
}

// Factory builds a fresh, unstarted driver plus the image/rootfs
// argument StartWithPermissions expects for the given key. Pool never
// hardcodes image naming or rootfs construction itself — that is
// cmd/agentkerneld's job, injected here so the pool stays testable
// with a fake factory.
type Factory func(ctx context.Context, key Key) (driver sandbox.Driver, image string, err error)

// Handle is everything a caller needs back from Acquire: enough to
// address the instance over the wire (daemon response "acquired")
// and enough to call back into Release/Exec.
type Handle struct {
	ID        string
	Key       Key
	Backend   sandbox.Backend
	CID       uint32 // microVM only
	VsockPath string // microVM only
}

type instance struct {
	id      string
	key     Key
	driver  sandbox.Driver
	mu      sync.Mutex // serializes operations on this one instance
	execs   int
	started time.Time
}

const maxExecsPerInstance = 500

type waiter struct {
	ch chan *instance
}

// Pool is the warm pool.
type Pool struct {
	mu      sync.Mutex
	warm    map[Key]*list.List // FIFO deque of *instance
	leased  map[string]*instance
	total   map[Key]int
	waiters map[Key][]*waiter
	limits  map[Key]Limits
	defLim  Limits
	closed  bool

	factory      Factory
	defaultPerms permissions.Permissions
	auditLog     *audit.Log

	stopMaintenance chan struct{}
	maintenanceDone chan struct{}
}

// New constructs a Pool. Call Warm to populate min_warm instances and
// StartMaintenance to begin the top-up loop.
func New(factory Factory, defaultPerms permissions.Permissions, auditLog *audit.Log, defaultLimits Limits) *Pool {
	return &Pool{
		warm:         make(map[Key]*list.List),
		leased:       make(map[string]*instance),
		total:        make(map[Key]int),
		waiters:      make(map[Key][]*waiter),
		limits:       make(map[Key]Limits),
		defLim:       defaultLimits,
		factory:      factory,
		defaultPerms: defaultPerms,
		auditLog:     auditLog,
	}
}

// SetLimits overrides the default limits for one key.
func (p *Pool) SetLimits(key Key, limits Limits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limits[key] = limits
}

func (p *Pool) limitsFor(key Key) Limits {
	if l, ok := p.limits[key]; ok {
		return l
	}
	return p.defLim
}

// Warm creates min_warm instances for each key up front, in parallel.
// A failure on one slot is logged via the audit log and does not
// prevent the others from starting.
func (p *Pool) Warm(ctx context.Context, keys []Key) {
	var wg sync.WaitGroup
	for _, key := range keys {
		limits := p.limitsFor(key)
		for i := 0; i < limits.MinWarm; i++ {
			wg.Add(1)
			go func(key Key) {
				defer wg.Done()
				inst, err := p.create(ctx, key)
				if err != nil {
					p.recordAudit(audit.Entry{Type: audit.PolicyViolation, Details: fmt.Sprintf("warm-up failed for %s: %v", key, err)})
					return
				}
				p.mu.Lock()
				p.pushNewWarmLocked(key, inst)
				p.mu.Unlock()
			}(key)
		}
	}
	wg.Wait()
}

// StartMaintenance begins the periodic top-up loop. Cancel ctx or
// call Shutdown to end it.
func (p *Pool) StartMaintenance(ctx context.Context, interval time.Duration) {
	p.stopMaintenance = make(chan struct{})
	p.maintenanceDone = make(chan struct{})
	go func() {
		defer close(p.maintenanceDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopMaintenance:
				return
			case <-ticker.C:
				p.topUp(ctx)
			}
		}
	}()
}

func (p *Pool) topUp(ctx context.Context) {
	p.mu.Lock()
	seen := make(map[Key]bool)
	var needed []Key
	considerKey := func(key Key) {
		if seen[key] {
			return
		}
		seen[key] = true
		limits := p.limitsFor(key)
		warmCount := 0
		if dq, ok := p.warm[key]; ok {
			warmCount = dq.Len()
		}
		if warmCount < limits.MinWarm && p.total[key] < limits.MaxWarm+limits.InUseLimit {
			needed = append(needed, key)
		}
	}
	// Keys with an explicit SetLimits call, plus any key Acquire/Exec
	// has already created instances for — a dynamically-discovered
	// runtime still gets topped back up to the default limits even
	// though nobody configured it by name.
	for key := range p.limits {
		considerKey(key)
	}
	for key := range p.total {
		considerKey(key)
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return
	}
	for _, key := range needed {
		inst, err := p.create(ctx, key)
		if err != nil {
			p.recordAudit(audit.Entry{Type: audit.PolicyViolation, Details: fmt.Sprintf("top-up failed for %s: %v", key, err)})
			continue
		}
		p.mu.Lock()
		p.pushNewWarmLocked(key, inst)
		p.mu.Unlock()
	}
}

func (p *Pool) create(ctx context.Context, key Key) (*instance, error) {
	driver, image, err := p.factory(ctx, key)
	if err != nil {
		return nil, err
	}
	inst := &instance{id: uuid.NewString(), key: key, driver: driver, started: time.Now()}
	p.recordAudit(audit.Entry{Type: audit.SandboxCreated, Name: inst.id, Image: image, Backend: key.Backend.String(), Profile: key.String()})
	if err := driver.StartWithPermissions(ctx, image, p.defaultPerms); err != nil {
		return nil, err
	}
	p.recordAudit(audit.Entry{Type: audit.SandboxStarted, Name: inst.id, Profile: key.String()})
	return inst, nil
}

// pushWarmLocked adds inst to key's Warm deque without touching total.
// Use this when inst is already accounted for in total[key] — e.g. an
// instance coming back from Release.
func (p *Pool) pushWarmLocked(key Key, inst *instance) {
	if _, ok := p.warm[key]; !ok {
		p.warm[key] = list.New()
	}
	p.warm[key].PushBack(inst)
}

// pushNewWarmLocked adds a freshly created inst to Warm and accounts
// for it in total[key]. Use this for an instance total hasn't already
// counted — Warm and topUp's create() calls.
func (p *Pool) pushNewWarmLocked(key Key, inst *instance) {
	p.pushWarmLocked(key, inst)
	p.total[key]++
}

func (p *Pool) popWarmLocked(key Key) *instance {
	dq, ok := p.warm[key]
	if !ok || dq.Len() == 0 {
		return nil
	}
	front := dq.Front()
	dq.Remove(front)
	return front.Value.(*instance)
}

// Acquire reserves an instance for key: reuse a Warm one, create a
// fresh one under the max_warm+in_use_limit cap, or block FIFO until
// a slot frees. ctx governs the bounded wait.
func (p *Pool) Acquire(ctx context.Context, key Key) (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, kernelerr.Unavailablef("pool is shutting down")
	}

	if inst := p.popWarmLocked(key); inst != nil {
		p.leased[inst.id] = inst
		p.mu.Unlock()
		p.recordAudit(audit.Entry{Type: audit.SessionAttached, Sandbox: inst.id})
		return p.handleFor(inst), nil
	}

	limits := p.limitsFor(key)
	if p.total[key] < limits.MaxWarm+limits.InUseLimit {
		p.total[key]++ // reserve the slot before releasing the lock
		p.mu.Unlock()

		inst, err := p.create(ctx, key)
		if err != nil {
			p.mu.Lock()
			p.total[key]--
			p.mu.Unlock()
			return Handle{}, err
		}

		p.mu.Lock()
		p.leased[inst.id] = inst
		p.mu.Unlock()
		p.recordAudit(audit.Entry{Type: audit.SessionAttached, Sandbox: inst.id})
		return p.handleFor(inst), nil
	}

	// At capacity: join the FIFO wait queue for this key.
	w := &waiter{ch: make(chan *instance, 1)}
	p.waiters[key] = append(p.waiters[key], w)
	p.mu.Unlock()

	select {
	case inst := <-w.ch:
		if inst == nil {
			return Handle{}, kernelerr.Unavailablef("pool is shutting down")
		}
		p.recordAudit(audit.Entry{Type: audit.SessionAttached, Sandbox: inst.id})
		return p.handleFor(inst), nil
	case <-ctx.Done():
		p.removeWaiter(key, w)
		return Handle{}, kernelerr.Capacityf("timed out waiting for a %s instance", key)
	}
}

func (p *Pool) removeWaiter(key Key, target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.waiters[key]
	for i, w := range list {
		if w == target {
			p.waiters[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (p *Pool) handleFor(inst *instance) Handle {
	h := Handle{ID: inst.id, Key: inst.key, Backend: inst.driver.Backend()}
	type cidVsock interface {
		CID() uint32
		VsockPath() string
	}
	if mv, ok := inst.driver.(cidVsock); ok {
		h.CID = mv.CID()
		h.VsockPath = mv.VsockPath()
	}
	return h
}

// Release returns a healthy instance to Warm (FIFO-handing it
// straight to a waiting Acquire if one exists for its key) or tears
// it down if it failed health checks or exceeded its usage budget.
func (p *Pool) Release(ctx context.Context, id string) error {
	p.mu.Lock()
	inst, ok := p.leased[id]
	if !ok {
		p.mu.Unlock()
		return kernelerr.NotFoundf("no leased instance %s", id)
	}
	delete(p.leased, id)

	healthy := inst.driver.IsRunning(ctx) && inst.execs < maxExecsPerInstance

	if healthy {
		if waiters := p.waiters[inst.key]; len(waiters) > 0 {
			w := waiters[0]
			p.waiters[inst.key] = waiters[1:]
			p.leased[inst.id] = inst
			p.mu.Unlock()
			w.ch <- inst
			return nil
		}
		p.pushWarmLocked(inst.key, inst)
		p.mu.Unlock()
		return nil
	}

	p.total[inst.key]--
	p.mu.Unlock()
	return p.teardown(ctx, inst)
}

// Destroy unconditionally tears down a leased instance instead of
// returning it to Warm, regardless of its health. Callers that must
// discard an instance outright — an abruptly disconnected client
// holding a lease — use this instead of Release so the instance is
// never handed back to a waiter or pushed onto the Warm deque; Warm
// is refilled later by the maintenance loop's top-up.
func (p *Pool) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	inst, ok := p.leased[id]
	if !ok {
		p.mu.Unlock()
		return kernelerr.NotFoundf("no leased instance %s", id)
	}
	delete(p.leased, id)
	p.total[inst.key]--
	p.mu.Unlock()

	return p.teardown(ctx, inst)
}

// teardown runs on its own context: the caller's may already be
// canceled (client disconnect is exactly when teardown matters most),
// and cleanup must still reach the backend.
func (p *Pool) teardown(_ context.Context, inst *instance) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = inst.driver.Stop(ctx)
	p.recordAudit(audit.Entry{Type: audit.SandboxStopped, Name: inst.id})
	err := inst.driver.Remove(ctx)
	p.recordAudit(audit.Entry{Type: audit.SandboxRemoved, Name: inst.id})
	return err
}

// Exec acquires an instance for key, runs command, and releases it —
// or tears it down instead of releasing it if exec itself failed. When
// no Warm instance is on hand, Acquire would otherwise create a fresh
// instance and tear it down again right after this one command; for
// backends that expose a genuine one-shot path (the container
// driver's `run --rm`), Exec takes that instead of paying the
// create/teardown round trip.
func (p *Pool) Exec(ctx context.Context, key Key, command []string) (sandbox.ExecResult, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return sandbox.ExecResult{}, kernelerr.Unavailablef("pool is shutting down")
	}
	inst := p.popWarmLocked(key)
	if inst != nil {
		p.leased[inst.id] = inst
	}
	p.mu.Unlock()

	if inst == nil {
		if result, handled, err := p.tryEphemeral(ctx, key, command); handled {
			return result, err
		}
		handle, err := p.Acquire(ctx, key)
		if err != nil {
			return sandbox.ExecResult{}, err
		}
		p.mu.Lock()
		var ok bool
		inst, ok = p.leased[handle.ID]
		p.mu.Unlock()
		if !ok {
			return sandbox.ExecResult{}, kernelerr.Internalf("acquired instance %s vanished", handle.ID)
		}
	}

	return p.execLeased(ctx, inst, command)
}

// tryEphemeral runs command via key's backend's one-shot path without
// ever registering a pool instance. handled is false when the backend
// has no ephemeral support, in which case the caller falls back to the
// normal Acquire path (which also re-surfaces any factory error).
func (p *Pool) tryEphemeral(ctx context.Context, key Key, command []string) (sandbox.ExecResult, bool, error) {
	if key.Backend != sandbox.BackendOCIContainer {
		return sandbox.ExecResult{}, false, nil
	}
	driver, image, err := p.factory(ctx, key)
	if err != nil {
		return sandbox.ExecResult{}, false, nil
	}
	eph, ok := driver.(sandbox.EphemeralDriver)
	if !ok {
		return sandbox.ExecResult{}, false, nil
	}

	result, execErr := eph.ExecEphemeral(ctx, image, command, p.defaultPerms)
	exitCode := result.ExitCode
	p.recordAudit(audit.Entry{Type: audit.CommandExecuted, Sandbox: "ephemeral", Command: command, ExitCode: &exitCode})
	return result, true, execErr
}

func (p *Pool) execLeased(ctx context.Context, inst *instance, command []string) (sandbox.ExecResult, error) {
	inst.mu.Lock()
	result, execErr := inst.driver.Exec(ctx, command)
	inst.execs++
	inst.mu.Unlock()

	exitCode := result.ExitCode
	p.recordAudit(audit.Entry{Type: audit.CommandExecuted, Sandbox: inst.id, Command: command, ExitCode: &exitCode})

	if execErr != nil {
		p.mu.Lock()
		delete(p.leased, inst.id)
		p.total[inst.key]--
		p.mu.Unlock()
		_ = p.teardown(ctx, inst)
		return result, execErr
	}

	if err := p.Release(ctx, inst.id); err != nil {
		return result, err
	}
	return result, nil
}

func (p *Pool) leasedInstance(id string) (*instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.leased[id]
	if !ok {
		return nil, kernelerr.NotFoundf("no leased instance %s", id)
	}
	return inst, nil
}

// WriteFile writes data into the leased instance id. File operations
// require a held lease; like exec, they serialize per instance and
// each successful write emits an audit event.
func (p *Pool) WriteFile(ctx context.Context, id, path string, data []byte) error {
	inst, err := p.leasedInstance(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	err = inst.driver.WriteFile(ctx, path, data)
	inst.mu.Unlock()
	if err == nil {
		p.recordAudit(audit.Entry{Type: audit.FileWritten, Sandbox: inst.id, Path: path})
	}
	return err
}

// ReadFile reads a file from the leased instance id.
func (p *Pool) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	inst, err := p.leasedInstance(id)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	data, err := inst.driver.ReadFile(ctx, path)
	inst.mu.Unlock()
	if err == nil {
		p.recordAudit(audit.Entry{Type: audit.FileRead, Sandbox: inst.id, Path: path})
	}
	return data, err
}

// RemoveFile removes a file from the leased instance id.
func (p *Pool) RemoveFile(ctx context.Context, id, path string) error {
	inst, err := p.leasedInstance(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.driver.RemoveFile(ctx, path)
}

// Prewarm creates extra Warm instances under key so the first real
// Acquire for it pays no boot cost.
func (p *Pool) Prewarm(ctx context.Context, key Key, count int) (int, error) {
	created := 0
	for i := 0; i < count; i++ {
		p.mu.Lock()
		limits := p.limitsFor(key)
		if p.total[key] >= limits.MaxWarm+limits.InUseLimit {
			p.mu.Unlock()
			break
		}
		p.total[key]++
		p.mu.Unlock()

		inst, err := p.create(ctx, key)
		if err != nil {
			p.mu.Lock()
			p.total[key]--
			p.mu.Unlock()
			return created, err
		}

		p.mu.Lock()
		p.pushWarmLocked(key, inst) // total[key] was already reserved above
		p.mu.Unlock()
		created++
	}
	return created, nil
}

// Status reports pool-wide counters for the daemon's "status" response.
// AgentStats breaks the warm count down by compatibility mode so
// clients can see which agent families have pre-warmed capacity.
type Status struct {
	Warm       int
	InUse      int
	MinWarm    int
	MaxWarm    int
	AgentStats map[string]int
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := Status{AgentStats: make(map[string]int)}
	for key, dq := range p.warm {
		status.Warm += dq.Len()
		if dq.Len() > 0 {
			mode := key.CompatibilityMode
			if mode == "" {
				mode = "native"
			}
			status.AgentStats[mode] += dq.Len()
		}
	}
	status.InUse = len(p.leased)
	for _, l := range p.limits {
		status.MinWarm += l.MinWarm
		status.MaxWarm += l.MaxWarm
	}
	if status.MinWarm == 0 {
		status.MinWarm = p.defLim.MinWarm
	}
	if status.MaxWarm == 0 {
		status.MaxWarm = p.defLim.MaxWarm
	}
	return status
}

// Shutdown disables further Acquire calls, drains Leased instances
// with a bounded wait, then tears down every Warm instance.
func (p *Pool) Shutdown(ctx context.Context, drainTimeout time.Duration) {
	p.mu.Lock()
	p.closed = true
	for _, waiters := range p.waiters {
		for _, w := range waiters {
			w.ch <- nil
		}
	}
	p.waiters = make(map[Key][]*waiter)
	p.mu.Unlock()

	if p.stopMaintenance != nil {
		close(p.stopMaintenance)
		<-p.maintenanceDone
	}

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.leased)
		p.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	p.mu.Lock()
	var all []*instance
	for _, dq := range p.warm {
		for e := dq.Front(); e != nil; e = e.Next() {
			all = append(all, e.Value.(*instance))
		}
	}
	for _, inst := range p.leased {
		all = append(all, inst)
	}
	p.warm = make(map[Key]*list.List)
	p.leased = make(map[string]*instance)
	p.mu.Unlock()

	for _, inst := range all {
		_ = p.teardown(ctx, inst)
	}
}

func (p *Pool) recordAudit(entry audit.Entry) {
	if p.auditLog != nil {
		p.auditLog.Record(entry)
	}
}
