// Package backend defines the polymorphic provider-backend contract (C3)
// shared by ForkBackend and ContainerBackend, plus the credential injector
// (C4) used by both.
package backend

import (
	"context"
	"time"
)

// State mirrors the lifecycle supervisor's state names as seen from the
// backend's point of view -- a backend only ever reports "running" or "not
// running"; "starting"/"stopping" are lifecycle-supervisor concepts layered
// on top.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Handle identifies a launched agent instance to its backend: an OS pid for
// ForkBackend, a container ID for ContainerBackend.
type Handle struct {
	ID        string
	StartedAt time.Time
}

// Status reports what a backend currently observes for one user.
type Status struct {
	State State
	Port  int // 0 when State == StateStopped
}

// AgentMemory reports one agent's resident memory usage.
type AgentMemory struct {
	Name  string
	Bytes uint64
}

// MemoryUsage is the aggregate report for §4.3's memory_usage().
type MemoryUsage struct {
	TotalBytes   uint64
	AverageBytes uint64
	PerAgent     []AgentMemory
}

// StartParams carries everything a backend needs to launch one agent.
type StartParams struct {
	User           string
	DataDir        string // <root>/<user>/data
	Port           int    // loopback port the agent must bind to
	ProviderHost   string // leap provider server name
	CABundlePath   string // provider CA file copied into DataDir before launch, or ""
	Credential     Credential
}

// Backend is the contract implemented by ForkBackend and ContainerBackend.
// The lifecycle supervisor speaks only this interface.
type Backend interface {
	// Initialize is idempotent and may take minutes (image build/pull for
	// ContainerBackend). While Initializing() is true, ContainerBackend.Start
	// returns apperr.ProviderInitializing; the other methods do not check
	// the flag.
	Initialize(ctx context.Context) error
	Initializing() bool

	// Start launches the agent. Non-blocking once the process/container is
	// launched -- it need not be listening yet.
	Start(ctx context.Context, params StartParams) (Handle, error)

	// Stop gracefully stops the agent (10s) then force-kills.
	Stop(ctx context.Context, user string) error

	// ListRunning returns the user names the backend currently believes are
	// running.
	ListRunning(ctx context.Context) ([]string, error)

	// Status reports the backend's live view for one user.
	Status(ctx context.Context, user string) (Status, error)

	// MemoryUsage aggregates resident memory across all running agents.
	MemoryUsage(ctx context.Context) (MemoryUsage, error)

	// ResetData wipes the agent's persisted data. Fails if the agent is
	// running (caller -- the lifecycle supervisor -- normally has already
	// checked this, but the backend enforces it independently too).
	ResetData(ctx context.Context, user, dataDir string) error

	// Remove tears down any backend-side resources for user (e.g. a
	// stopped container). Fails if the agent is running.
	Remove(ctx context.Context, user string) error
}
