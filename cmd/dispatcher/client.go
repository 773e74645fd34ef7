package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/pixelated/dispatcher/internal/config"
	"github.com/pixelated/dispatcher/internal/managerclient"
)

// clientTimeout bounds every manager call the CLI client makes.
const clientTimeout = 15 * time.Second

// runClient implements the default (CLI client) mode: list, running, add,
// start, stop, info, and memory_usage against a remote manager.
func runClient(args []string) error {
	cfg, rest, err := config.ParseClientFlags(args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("usage: dispatcher [--server host:port] <list|running|add|start|stop|info|memory_usage> [name]")
	}

	scheme := "https://"
	if cfg.NoSSL {
		scheme = "http://"
	}
	tlsCfg := managerclient.TLSConfig{VerifyHostname: !cfg.NoCheckCertificate}
	client, err := managerclient.New(scheme+cfg.Server, serverNameOf(cfg.Server), tlsCfg)
	if err != nil {
		return fmt.Errorf("build manager client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	switch rest[0] {
	case "list":
		agents, err := client.List(ctx)
		if err != nil {
			return err
		}
		for _, a := range agents {
			fmt.Printf("%s\t%s\n", a.Name, a.State)
		}
	case "running":
		agents, err := client.List(ctx)
		if err != nil {
			return err
		}
		for _, a := range agents {
			if a.State == "running" {
				fmt.Println(a.Name)
			}
		}
	case "add":
		if len(rest) < 2 {
			return fmt.Errorf("usage: dispatcher add <name>")
		}
		password, err := promptPassword()
		if err != nil {
			return err
		}
		if err := client.Add(ctx, rest[1], password); err != nil {
			return err
		}
		fmt.Printf("added %s\n", rest[1])
	case "start":
		if len(rest) < 2 {
			return fmt.Errorf("usage: dispatcher start <name>")
		}
		runtime, err := client.Start(ctx, rest[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s (port %d)\n", rest[1], runtime.State, runtime.Port)
	case "stop":
		if len(rest) < 2 {
			return fmt.Errorf("usage: dispatcher stop <name>")
		}
		runtime, err := client.Stop(ctx, rest[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", rest[1], runtime.State)
	case "info":
		if len(rest) < 2 {
			return fmt.Errorf("usage: dispatcher info <name>")
		}
		runtime, err := client.GetAgentRuntime(ctx, rest[1])
		if err != nil {
			return err
		}
		fmt.Printf("port:\t%d\n", runtime.Port)
	case "memory_usage":
		usage, err := client.MemoryUsageReport(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("memory usage:\t%d\n", usage.TotalUsage)
		for _, a := range usage.Agents {
			fmt.Printf("\t%s:\t%d\n", a.Name, a.MemoryUsage)
		}
	default:
		return fmt.Errorf("unknown subcommand %q", rest[0])
	}
	return nil
}

func serverNameOf(hostPort string) string {
	for i := 0; i < len(hostPort); i++ {
		if hostPort[i] == ':' {
			return hostPort[:i]
		}
	}
	return hostPort
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(data), nil
}
