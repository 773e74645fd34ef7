package docker

import (
	"bytes"
	"context"
	"io"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// API defines the subset of Docker operations used by the container backend.
// Implemented by Client for production, and by mocks for testing.
type API interface {
	ListAllContainers(ctx context.Context) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	StopContainer(ctx context.Context, id string, timeout int) error
	RemoveContainer(ctx context.Context, id string) error
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	AttachStdin(ctx context.Context, id string) (io.WriteCloser, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, refStr string) error
	PullImageWithAuth(ctx context.Context, refStr, registryAuth string) error
	BuildImage(ctx context.Context, tag string, buildContext *bytes.Buffer) error
	ContainerStats(ctx context.Context, id string) (uint64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
