// Package lifecycle implements the per-user agent state machine (C5):
// {stopped, starting, running, stopping}, serialized per user so at most
// one start/stop/remove/reset_data is in flight for a given user at a time,
// while distinct users proceed fully in parallel.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/pixelated/dispatcher/internal/apperr"
	"github.com/pixelated/dispatcher/internal/backend"
	"github.com/pixelated/dispatcher/internal/events"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/metrics"
	"github.com/pixelated/dispatcher/internal/notify"
	"github.com/pixelated/dispatcher/internal/portpool"
	"github.com/pixelated/dispatcher/internal/users"
)

// State is one of the four values in §4.5's diagram.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// AgentInstance is the runtime projection of a user (§3).
type AgentInstance struct {
	UserName    string
	State       State
	PublicPort  int // 0 unless State != stopped, per invariant 1
	HandleID    string
	StartedAt   time.Time
}

// Supervisor owns the canonical per-user state and is the sole writer of it.
type Supervisor struct {
	backend  backend.Backend
	pool     *portpool.Pool
	registry *users.Registry
	bus      *events.Bus
	log      *logging.Logger

	mu      sync.Mutex // protects instances and locks map membership
	locks   map[string]*sync.Mutex
	instances map[string]*AgentInstance
}

// New creates a Supervisor over the given backend, port pool, and user
// registry. Published lifecycle transitions are fanned out via bus.
func New(be backend.Backend, pool *portpool.Pool, reg *users.Registry, bus *events.Bus, log *logging.Logger) *Supervisor {
	return &Supervisor{
		backend:   be,
		pool:      pool,
		registry:  reg,
		bus:       bus,
		log:       log,
		locks:     make(map[string]*sync.Mutex),
		instances: make(map[string]*AgentInstance),
	}
}

func (s *Supervisor) lockFor(user string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[user]
	if !ok {
		l = &sync.Mutex{}
		s.locks[user] = l
	}
	return l
}

func (s *Supervisor) get(user string) *AgentInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[user]
	if !ok {
		inst = &AgentInstance{UserName: user, State: StateStopped}
		s.instances[user] = inst
	}
	return inst
}

func (s *Supervisor) set(user string, fn func(*AgentInstance)) AgentInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[user]
	if !ok {
		inst = &AgentInstance{UserName: user, State: StateStopped}
		s.instances[user] = inst
	}
	fn(inst)
	return *inst
}

func (s *Supervisor) publish(evt notify.Event) {
	metrics.LifecycleTransitionsTotal.WithLabelValues(string(evt.Type)).Inc()
	s.List() // refreshes the running/total agent gauges
	free, _, _ := s.pool.Stats()
	metrics.PortsFree.Set(float64(free))
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

// Status returns the supervisor's current view of a user, reconciling a
// lazily-detected crash first (§4.5: the next status() call that finds the
// backend reports "not running" while the supervisor believes "running"
// transitions to stopped and releases the port).
func (s *Supervisor) Status(ctx context.Context, user string) (AgentInstance, error) {
	l := s.lockFor(user)
	l.Lock()
	defer l.Unlock()

	inst := s.get(user)
	if inst.State != StateRunning {
		return *inst, nil
	}

	backendStatus, err := s.backend.Status(ctx, user)
	if err != nil {
		return *inst, err
	}
	if backendStatus.State == backend.StateRunning {
		return *inst, nil
	}

	// Crash detected: reconcile.
	s.log.Warn("agent crash detected on status check", "user", user)
	port := inst.PublicPort
	updated := s.set(user, func(i *AgentInstance) {
		i.State = StateStopped
		i.PublicPort = 0
		i.HandleID = ""
	})
	s.pool.Release(port)
	s.publish(notify.Event{Type: notify.EventAgentCrashed, User: user, Port: port, Timestamp: time.Now()})
	return updated, nil
}

// Start transitions stopped -> starting -> running.
func (s *Supervisor) Start(ctx context.Context, user string, cred backend.Credential, provider ProviderConfig) (AgentInstance, error) {
	l := s.lockFor(user)
	l.Lock()
	defer l.Unlock()

	if s.backend.Initializing() {
		return AgentInstance{}, apperr.New(apperr.ProviderInitializing, "backend is initializing")
	}

	inst := s.get(user)
	if inst.State == StateStarting || inst.State == StateRunning {
		return *inst, apperr.Newf(apperr.AlreadyRunning, "agent %q already running", user)
	}

	cfg, err := s.registry.Get(user)
	if err != nil {
		return AgentInstance{}, err
	}

	port, err := s.pool.Acquire()
	if err != nil {
		return AgentInstance{}, apperr.WrapMsg(apperr.NotEnoughFreeMemory, "port pool exhausted", err)
	}

	s.set(user, func(i *AgentInstance) {
		i.State = StateStarting
		i.PublicPort = port
	})

	handle, err := s.backend.Start(ctx, backend.StartParams{
		User:         user,
		DataDir:      cfg.DataDir(),
		Port:         port,
		ProviderHost: provider.ServerName,
		CABundlePath: provider.CABundlePath,
		Credential:   cred,
	})
	if err != nil {
		s.set(user, func(i *AgentInstance) {
			i.State = StateStopped
			i.PublicPort = 0
		})
		s.pool.Release(port)
		return AgentInstance{}, err
	}

	result := s.set(user, func(i *AgentInstance) {
		i.State = StateRunning
		i.HandleID = handle.ID
		i.StartedAt = time.Now()
	})
	s.publish(notify.Event{Type: notify.EventAgentStarted, User: user, Port: port, Timestamp: time.Now()})
	return result, nil
}

// ProviderConfig is the subset of the leap provider config a Start call
// needs to pass through to the backend.
type ProviderConfig struct {
	ServerName   string
	CABundlePath string
}

// Stop transitions running -> stopping -> stopped.
func (s *Supervisor) Stop(ctx context.Context, user string) (AgentInstance, error) {
	l := s.lockFor(user)
	l.Lock()
	defer l.Unlock()

	inst := s.get(user)
	if inst.State != StateRunning {
		return *inst, apperr.Newf(apperr.NotRunning, "agent %q not running", user)
	}

	s.set(user, func(i *AgentInstance) { i.State = StateStopping })

	if err := s.backend.Stop(ctx, user); err != nil {
		// Leave state as stopping -- an operator retry or the next status()
		// reconciliation will resolve it; we don't silently snap back to
		// running since the backend may have partially torn the agent down.
		return *s.get(user), err
	}

	port := inst.PublicPort
	result := s.set(user, func(i *AgentInstance) {
		i.State = StateStopped
		i.PublicPort = 0
		i.HandleID = ""
	})
	s.pool.Release(port)
	s.publish(notify.Event{Type: notify.EventAgentStopped, User: user, Port: port, Timestamp: time.Now()})
	return result, nil
}

// ResetData wipes a stopped user's data directory.
func (s *Supervisor) ResetData(ctx context.Context, user string) error {
	l := s.lockFor(user)
	l.Lock()
	defer l.Unlock()

	inst := s.get(user)
	if inst.State != StateStopped {
		return apperr.Newf(apperr.AlreadyRunning, "agent %q must be stopped to reset data", user)
	}

	cfg, err := s.registry.Get(user)
	if err != nil {
		return err
	}
	if err := s.backend.ResetData(ctx, user, cfg.DataDir()); err != nil {
		return err
	}
	return s.registry.Reset(user)
}

// Remove deletes a stopped user's registry row and backend-side resources.
func (s *Supervisor) Remove(ctx context.Context, user string) error {
	l := s.lockFor(user)
	l.Lock()
	defer l.Unlock()

	inst := s.get(user)
	if inst.State != StateStopped {
		return apperr.Newf(apperr.AlreadyRunning, "agent %q must be stopped to remove", user)
	}

	if err := s.backend.Remove(ctx, user); err != nil {
		return err
	}
	if err := s.registry.Remove(user); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.instances, user)
	delete(s.locks, user)
	s.mu.Unlock()

	s.publish(notify.Event{Type: notify.EventAgentRemoved, User: user, Timestamp: time.Now()})
	return nil
}

// List returns every known user's current state (without live reconciliation
// -- callers wanting a reconciled view should call Status per user).
func (s *Supervisor) List() []AgentInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentInstance, 0, len(s.instances))
	running := 0
	for _, inst := range s.instances {
		out = append(out, *inst)
		if inst.State == StateRunning {
			running++
		}
	}
	metrics.AgentsRunning.Set(float64(running))
	metrics.AgentsTotal.Set(float64(len(out)))
	return out
}

// MemoryUsage proxies to the backend's aggregate memory report.
func (s *Supervisor) MemoryUsage(ctx context.Context) (backend.MemoryUsage, error) {
	usage, err := s.backend.MemoryUsage(ctx)
	if err == nil {
		metrics.MemoryUsageBytes.Set(float64(usage.TotalBytes))
	}
	return usage, err
}
