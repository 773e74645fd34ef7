package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"golang.org/x/sync/errgroup"

	"github.com/pixelated/dispatcher/internal/apperr"
	"github.com/pixelated/dispatcher/internal/docker"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/registry"
)

// containerAPIVersion names the Docker API version this backend is written
// against. Nothing references it: internal/docker.NewClient configures no API
// version, so this constant does not pin the version the client speaks.
const containerAPIVersion = "1.45"

// agentContainerPort is the in-container port the agent binary listens on;
// it is mapped to 127.0.0.1:<allocated port> on the host.
const agentContainerPort = "4567/tcp"

const defaultMemoryLimitBytes = 300 * 1024 * 1024 // 300 MiB

// ContainerBackend supervises one Docker container per user, built or
// pulled from a single agent image shared by all users.
type ContainerBackend struct {
	docker          docker.API
	log             *logging.Logger
	imageRef        string // e.g. "dispatcher-agent" (build) or "registry.example.com/agent:tag" (pull)
	memoryLimit     int64
	registryCreds   registry.CredentialStore
	dockerConfig    string // path to a docker config.json fallback for registry auth, "" disables it
	rateLimits      *registry.RateLimitTracker
	buildFiles      map[string]string // Dockerfile + support files, embedded at startup

	initializing atomic.Bool
	initialized  atomic.Bool

	mu          sync.Mutex
	containerID map[string]string // user -> container ID, once known
}

// ContainerBackendConfig configures a ContainerBackend.
type ContainerBackendConfig struct {
	ImageRef      string
	MemoryLimit   int64 // bytes; 0 means defaultMemoryLimitBytes
	RegistryCreds registry.CredentialStore
	DockerConfig  string // path to ~/.docker/config.json, consulted when RegistryCreds has no match
	BuildFiles    map[string]string // used only when ImageRef has no "/"
}

// NewContainerBackend creates a ContainerBackend talking to dockerClient.
func NewContainerBackend(dockerClient docker.API, cfg ContainerBackendConfig, log *logging.Logger) *ContainerBackend {
	limit := cfg.MemoryLimit
	if limit <= 0 {
		limit = defaultMemoryLimitBytes
	}
	return &ContainerBackend{
		docker:        dockerClient,
		log:           log,
		imageRef:      cfg.ImageRef,
		memoryLimit:   limit,
		registryCreds: cfg.RegistryCreds,
		dockerConfig:  cfg.DockerConfig,
		rateLimits:    registry.NewRateLimitTracker(),
		buildFiles:    cfg.BuildFiles,
		containerID:   make(map[string]string),
	}
}

// registryCredential resolves the credential to use for host, first from the
// configured CredentialStore, then (if set) from a docker config.json on
// disk -- the same two sources the docker CLI itself checks.
func (c *ContainerBackend) registryCredential(host string) *registry.RegistryCredential {
	if c.registryCreds != nil {
		if creds, err := c.registryCreds.GetRegistryCredentials(); err == nil {
			if cred := registry.FindByRegistry(creds, host); cred != nil {
				return cred
			}
		}
	}
	if c.dockerConfig == "" {
		return nil
	}
	entries, err := registry.ReadDockerConfig(c.dockerConfig)
	if err != nil {
		return nil
	}
	entry, ok := entries[host]
	if !ok {
		return nil
	}
	return &registry.RegistryCredential{Registry: host, Username: entry.Username, Secret: entry.Password}
}

// checkRateLimit probes host's current rate-limit headroom and refuses to
// start a pull that would exhaust it, surfacing the wait as
// apperr.ProviderInitializing so callers retry rather than fail hard.
func (c *ContainerBackend) checkRateLimit(ctx context.Context, host string, cred *registry.RegistryCredential) error {
	c.rateLimits.Discover(host, 1)
	c.rateLimits.SetAuth(host, cred != nil)

	if headers, err := registry.ProbeRateLimit(ctx, host, cred); err == nil {
		c.rateLimits.Record(host, headers)
	} else {
		c.log.Debug("registry rate-limit probe failed, proceeding without headroom data", "host", host, "error", err)
	}

	if ok, wait := c.rateLimits.CanProceed(host, 1); !ok {
		return apperr.Newf(apperr.ProviderInitializing, "registry %s is rate-limited, retry in %s", host, wait.Round(1e9))
	}
	return nil
}

// Initialize ensures the agent image exists, building it from the embedded
// build context if imageRef has no "/" (a locally-built image name), or
// pulling it (optionally authenticated against a private registry)
// otherwise. Idempotent; safe to call again after a previous failure.
func (c *ContainerBackend) Initialize(ctx context.Context) error {
	c.initializing.Store(true)
	defer c.initializing.Store(false)

	exists, err := c.docker.ImageExists(ctx, c.imageRef)
	if err != nil {
		return fmt.Errorf("check image existence: %w", err)
	}
	if exists {
		c.initialized.Store(true)
		return nil
	}

	if !strings.Contains(c.imageRef, "/") {
		buildCtx, err := dockerBuildContext(c.buildFiles)
		if err != nil {
			return fmt.Errorf("prepare build context: %w", err)
		}
		if err := c.docker.BuildImage(ctx, c.imageRef, buildCtx); err != nil {
			return fmt.Errorf("build agent image: %w", err)
		}
		c.initialized.Store(true)
		return nil
	}

	host := registry.RegistryHost(c.imageRef)
	cred := c.registryCredential(host)

	if err := c.checkRateLimit(ctx, host, cred); err != nil {
		return err
	}

	if cred != nil {
		err = c.docker.PullImageWithAuth(ctx, c.imageRef, basicRegistryAuth(cred.Username, cred.Secret))
	} else {
		err = c.docker.PullImage(ctx, c.imageRef)
	}
	if err != nil {
		return fmt.Errorf("pull agent image: %w", err)
	}
	c.initialized.Store(true)
	return nil
}

// Initializing reports whether Initialize is currently running.
func (c *ContainerBackend) Initializing() bool {
	return c.initializing.Load()
}

func (c *ContainerBackend) requireInitialized() error {
	if c.initializing.Load() {
		return apperr.New(apperr.ProviderInitializing, "container backend is initializing")
	}
	if !c.initialized.Load() {
		return apperr.New(apperr.ProviderInitializing, "container backend has not completed initialization")
	}
	return nil
}

func containerName(user string) string { return "dispatcher-agent-" + user }

func (c *ContainerBackend) Start(ctx context.Context, params StartParams) (Handle, error) {
	if err := c.requireInitialized(); err != nil {
		return Handle{}, err
	}

	if err := copyProviderCA(params); err != nil {
		return Handle{}, err
	}

	name := containerName(params.User)

	hostCfg := &container.HostConfig{
		Binds: []string{params.DataDir + ":/data"},
		PortBindings: map[container.PortRangeProto][]container.PortBinding{
			agentContainerPort: {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(params.Port)}},
		},
		Resources: container.Resources{
			Memory: c.memoryLimit,
		},
	}
	// Inside the container the data directory is mounted at /data.
	inContainer := params
	inContainer.DataDir = "/data"
	containerCfg := &container.Config{
		Image: c.imageRef,
		Env:   agentEnv(inContainer),
		ExposedPorts: map[container.PortRangeProto]struct{}{
			agentContainerPort: {},
		},
		OpenStdin: true,
		StdinOnce: true,
	}

	id, err := c.docker.CreateContainer(ctx, name, containerCfg, hostCfg, &network.NetworkingConfig{})
	if err != nil {
		return Handle{}, fmt.Errorf("create container: %w", err)
	}

	stdin, err := c.docker.AttachStdin(ctx, id)
	if err != nil {
		return Handle{}, fmt.Errorf("attach stdin before start: %w", err)
	}

	if err := c.docker.StartContainer(ctx, id); err != nil {
		return Handle{}, fmt.Errorf("start container: %w", err)
	}

	c.mu.Lock()
	c.containerID[params.User] = id
	c.mu.Unlock()

	if err := InjectCredential(ctx, stdin, params.Credential); err != nil {
		c.log.Warn("credential injection failed", "user", params.User, "error", err)
	}

	return Handle{ID: id}, nil
}

func (c *ContainerBackend) idFor(user string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.containerID[user]
	return id, ok
}

func (c *ContainerBackend) Stop(ctx context.Context, user string) error {
	id, ok := c.idFor(user)
	if !ok {
		return apperr.Newf(apperr.NotRunning, "agent %q not running", user)
	}
	if err := c.docker.StopContainer(ctx, id, 10); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	c.mu.Lock()
	delete(c.containerID, user)
	c.mu.Unlock()
	return nil
}

func (c *ContainerBackend) ListRunning(ctx context.Context) ([]string, error) {
	summaries, err := c.docker.ListAllContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	var out []string
	for _, s := range summaries {
		name := strings.TrimPrefix(firstName(s.Names), "/")
		if strings.HasPrefix(name, "dispatcher-agent-") && strings.Contains(s.State, "running") {
			out = append(out, strings.TrimPrefix(name, "dispatcher-agent-"))
		}
	}
	return out, nil
}

func (c *ContainerBackend) Status(ctx context.Context, user string) (Status, error) {
	id, ok := c.idFor(user)
	if !ok {
		return Status{State: StateStopped}, nil
	}
	info, err := c.docker.InspectContainer(ctx, id)
	if err != nil {
		return Status{State: StateStopped}, nil //nolint:nilerr // container gone -- reconciled by the caller
	}
	if info.State == nil || !info.State.Running {
		c.mu.Lock()
		delete(c.containerID, user)
		c.mu.Unlock()
		return Status{State: StateStopped}, nil
	}
	port := hostPortOf(info)
	return Status{State: StateRunning, Port: port}, nil
}

func (c *ContainerBackend) MemoryUsage(ctx context.Context) (MemoryUsage, error) {
	c.mu.Lock()
	snapshot := make(map[string]string, len(c.containerID))
	for user, id := range c.containerID {
		snapshot[user] = id
	}
	c.mu.Unlock()

	var (
		mu      sync.Mutex
		perUser []AgentMemory
	)
	g, gctx := errgroup.WithContext(ctx)
	for user, id := range snapshot {
		user, id := user, id
		g.Go(func() error {
			used, err := c.docker.ContainerStats(gctx, id)
			if err != nil {
				c.log.Warn("container stats failed", "user", user, "error", err)
				return nil
			}
			mu.Lock()
			perUser = append(perUser, AgentMemory{Name: user, Bytes: used})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return MemoryUsage{}, err
	}

	var usage MemoryUsage
	usage.PerAgent = perUser
	for _, a := range perUser {
		usage.TotalBytes += a.Bytes
	}
	if len(perUser) > 0 {
		usage.AverageBytes = usage.TotalBytes / uint64(len(perUser))
	}
	return usage, nil
}

func (c *ContainerBackend) ResetData(_ context.Context, user, dataDir string) error {
	if _, running := c.idFor(user); running {
		return apperr.Newf(apperr.AlreadyRunning, "agent %q is running", user)
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dataDir, e.Name())); err != nil {
			return fmt.Errorf("reset data dir: %w", err)
		}
	}
	return nil
}

func (c *ContainerBackend) Remove(ctx context.Context, user string) error {
	id, running := c.idFor(user)
	if running {
		return apperr.Newf(apperr.AlreadyRunning, "agent %q is running", user)
	}
	if id == "" {
		return nil
	}
	if err := c.docker.RemoveContainer(ctx, id); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func hostPortOf(info container.InspectResponse) int {
	if info.NetworkSettings == nil {
		return 0
	}
	bindings, ok := info.NetworkSettings.Ports[agentContainerPort]
	if !ok || len(bindings) == 0 {
		return 0
	}
	port, _ := strconv.Atoi(bindings[0].HostPort)
	return port
}

func basicRegistryAuth(username, secret string) string {
	payload := map[string]string{"username": username, "password": secret}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

func dockerBuildContext(files map[string]string) (*bytes.Buffer, error) {
	return docker.TarFiles(files)
}
