// Package managerclient is the strongly-typed HTTPS client the Proxy (and
// the CLI) use to talk to the Manager's REST API (C9), with the same TLS
// pinning options as the SRP authenticator.
package managerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pixelated/dispatcher/internal/apperr"
	"github.com/pixelated/dispatcher/internal/httputil"
)

// TLSConfig mirrors srp.TLSConfig -- the manager client accepts the same
// pinning knobs per §4.9.
type TLSConfig struct {
	CABundlePath      string
	VerifyHostname    bool
	AssertFingerprint string
}

func (c TLSConfig) pinning() httputil.TLSPinning {
	return httputil.TLSPinning{
		CABundlePath:      c.CABundlePath,
		VerifyHostname:    c.VerifyHostname,
		AssertFingerprint: c.AssertFingerprint,
	}
}

// Client is a thin REST client for the Manager HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client against baseURL (e.g. "https://127.0.0.1:9999"),
// verifying the manager's certificate per tlsCfg and serverName.
func New(baseURL, serverName string, tlsCfg TLSConfig) (*Client, error) {
	tlsConf, err := tlsCfg.pinning().Config(serverName)
	if err != nil {
		return nil, fmt.Errorf("build tls config: %w", err)
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConf}},
	}, nil
}

// Agent is one entry of the /agents listing.
type Agent struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Runtime is the live state+port of one agent.
type Runtime struct {
	State string `json:"state"`
	Port  int    `json:"port,omitempty"`
}

// AgentMemory is one entry of the memory_usage per-agent breakdown.
type AgentMemory struct {
	Name        string `json:"name"`
	MemoryUsage uint64 `json:"memory_usage"`
}

// MemoryUsage is the aggregate memory_usage report.
type MemoryUsage struct {
	TotalUsage   uint64        `json:"total_usage"`
	AverageUsage uint64        `json:"average_usage"`
	Agents       []AgentMemory `json:"agents"`
}

// List returns every registered agent and its current state.
func (c *Client) List(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// GetAgent returns a single agent's name and state.
func (c *Client) GetAgent(ctx context.Context, name string) (Agent, error) {
	var resp Agent
	if err := c.do(ctx, http.MethodGet, "/agents/"+name, nil, &resp); err != nil {
		return Agent{}, err
	}
	return resp, nil
}

// GetAgentRuntime returns an agent's live state and, if running, its port.
func (c *Client) GetAgentRuntime(ctx context.Context, name string) (Runtime, error) {
	var resp Runtime
	if err := c.do(ctx, http.MethodGet, "/agents/"+name+"/runtime", nil, &resp); err != nil {
		return Runtime{}, err
	}
	return resp, nil
}

// Start transitions an agent to running.
func (c *Client) Start(ctx context.Context, name string) (Runtime, error) {
	return c.setState(ctx, name, "running")
}

// Stop transitions an agent to stopped.
func (c *Client) Stop(ctx context.Context, name string) (Runtime, error) {
	return c.setState(ctx, name, "stopped")
}

func (c *Client) setState(ctx context.Context, name, state string) (Runtime, error) {
	var resp Runtime
	body := map[string]string{"state": state}
	if err := c.do(ctx, http.MethodPut, "/agents/"+name+"/state", body, &resp); err != nil {
		return Runtime{}, err
	}
	return resp, nil
}

// Add registers a new agent with the manager.
func (c *Client) Add(ctx context.Context, name, password string) error {
	body := map[string]string{"name": name, "password": password}
	return c.do(ctx, http.MethodPost, "/agents", body, nil)
}

// Authenticate checks a password against the manager's staged credential for
// name; a 403 surfaces as apperr.AuthFailed.
func (c *Client) Authenticate(ctx context.Context, name, password string) error {
	body := map[string]string{"password": password}
	return c.do(ctx, http.MethodPost, "/agents/"+name+"/authenticate", body, nil)
}

// ResetData wipes an agent's data directory.
func (c *Client) ResetData(ctx context.Context, name string) error {
	body := map[string]string{"name": name}
	return c.do(ctx, http.MethodPut, "/agents/"+name+"/reset_data", body, nil)
}

// MemoryUsageReport fetches the aggregate memory usage across all agents.
func (c *Client) MemoryUsageReport(ctx context.Context) (MemoryUsage, error) {
	var resp MemoryUsage
	if err := c.do(ctx, http.MethodGet, "/stats/memory_usage", nil, &resp); err != nil {
		return MemoryUsage{}, err
	}
	return resp, nil
}

// AgentExists reports whether name is known to the manager, per the
// original client's "try get_agent, catch not-found" idiom.
func (c *Client) AgentExists(ctx context.Context, name string) (bool, error) {
	_, err := c.GetAgent(ctx, name)
	if err == nil {
		return true, nil
	}
	if apperr.KindOf(err) == apperr.NotFound {
		return false, nil
	}
	return false, err
}

// ValidateConnection polls List every 500ms until it succeeds or timeout
// elapses. A 503 (apperr.ProviderInitializing) response counts as "up" -- the
// manager process is alive, merely not ready yet.
func (c *Client) ValidateConnection(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		_, err := c.List(ctx)
		if err == nil {
			return nil
		}
		if apperr.KindOf(err) == apperr.ProviderInitializing {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperr.WrapMsg(apperr.TransportError, "manager did not become reachable in time", ctx.Err())
		case <-ticker.C:
		}
	}
}

// do issues an HTTP request against path with an optional JSON body and
// decodes a JSON response into out (if non-nil), mapping non-2xx statuses to
// apperr kinds per §4.9's inverse of the manager's §4.6 table.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.WrapMsg(apperr.TransportError, "encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.WrapMsg(apperr.TransportError, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.WrapMsg(apperr.TransportError, "manager request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.WrapMsg(apperr.TransportError, "decode manager response", err)
		}
		return nil
	}

	return errorForStatus(resp)
}

// errorForStatus maps a non-2xx manager response to a declared apperr kind:
// 503 to ProviderInitializing, 404 to NotFound, 409 to Exists, 400 to
// ValidationError, 401 and 403 to AuthFailed, and any other status to a
// TransportError carrying the status code, with the body's message if any.
func errorForStatus(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &body)
	msg := body.Error
	if msg == "" {
		msg = fmt.Sprintf("manager returned status %d", resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		return apperr.New(apperr.ProviderInitializing, msg)
	case http.StatusNotFound:
		return apperr.New(apperr.NotFound, msg)
	case http.StatusConflict:
		return apperr.New(apperr.Exists, msg)
	case http.StatusBadRequest:
		return apperr.New(apperr.ValidationError, msg)
	case http.StatusForbidden, http.StatusUnauthorized:
		return apperr.New(apperr.AuthFailed, msg)
	default:
		return apperr.Newf(apperr.TransportError, "manager error %d: %s", resp.StatusCode, msg)
	}
}
