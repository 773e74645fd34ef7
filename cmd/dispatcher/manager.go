package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pixelated/dispatcher/internal/audit"
	"github.com/pixelated/dispatcher/internal/backend"
	"github.com/pixelated/dispatcher/internal/config"
	"github.com/pixelated/dispatcher/internal/docker"
	"github.com/pixelated/dispatcher/internal/events"
	"github.com/pixelated/dispatcher/internal/httputil"
	"github.com/pixelated/dispatcher/internal/lifecycle"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/manager"
	"github.com/pixelated/dispatcher/internal/notify"
	"github.com/pixelated/dispatcher/internal/portpool"
	"github.com/pixelated/dispatcher/internal/users"
)

// runManager assembles and runs the manager control plane (C1, C2, C5, C6): the
// user registry, port pool, lifecycle supervisor, and the HTTPS REST API
// sitting on top of them.
func runManager(log *logging.Logger, args []string) error {
	cfg, err := config.ParseManagerFlags(args)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	reg, err := users.New(cfg.RootPath, log)
	if err != nil {
		return fmt.Errorf("open user registry: %w", err)
	}

	pool := portpool.New(cfg.PortMin, cfg.PortMax, log)
	bus := events.New()

	be, err := buildBackend(cfg, log)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}
	if err := be.Initialize(context.Background()); err != nil {
		return fmt.Errorf("initialize backend: %w", err)
	}

	supervisor := lifecycle.New(be, pool, reg, bus, log)

	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, nil))
	}
	fanout := notify.NewMulti(log, notifiers...)
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go func() {
		for evt := range ch {
			fanout.Notify(context.Background(), evt)
		}
	}()

	var auditLog *audit.Log
	if cfg.AuditDBPath != "" {
		auditLog, err = audit.Open(cfg.AuditDBPath, log)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLog.Close()
		auditLog.FollowTransitions(bus)
		if err := auditLog.StartMemorySnapshots(supervisor, cfg.MemorySnapshotEvery); err != nil {
			return fmt.Errorf("start memory snapshots: %w", err)
		}
	}

	sslcert, sslkey := cfg.SSLCert, cfg.SSLKey
	if sslcert == "" {
		sslcert, sslkey, err = httputil.EnsureSelfSignedCert(cfg.RootPath)
		if err != nil {
			return fmt.Errorf("generate self-signed certificate: %w", err)
		}
	}

	server := manager.NewServer(manager.Dependencies{
		Registry:   reg,
		Supervisor: supervisor,
		Provider: lifecycle.ProviderConfig{
			ServerName:   cfg.LeapProvider,
			CABundlePath: cfg.LeapProviderCA,
		},
		Log:     log,
		Metrics: cfg.MetricsEnabled,
	})

	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
		defer os.Remove(cfg.PIDFile)
	}

	log.Info("manager starting", "bind", cfg.Bind, "backend", cfg.Backend, "root", cfg.RootPath)
	return server.ListenAndServe(cfg.Bind, sslcert, sslkey)
}

func buildBackend(cfg *config.ManagerConfig, log *logging.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case "docker":
		dockerClient, err := docker.NewClient(cfg.DockerSock, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to docker: %w", err)
		}
		return backend.NewContainerBackend(dockerClient, backend.ContainerBackendConfig{
			ImageRef:     cfg.DockerImage,
			DockerConfig: cfg.DockerConfig,
		}, log), nil
	case "fork":
		return backend.NewForkBackend(cfg.AgentPath, log), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
