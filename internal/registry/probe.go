package registry

import (
	"context"
	"fmt"
	"net/http"
)

// ProbeRateLimit makes a lightweight request to a registry's /v2/ endpoint
// to discover its current rate limit headers, authenticating with cred if
// given. Returns the response headers, which may or may not carry rate
// limit information depending on the registry.
func ProbeRateLimit(ctx context.Context, host string, cred *RegistryCredential) (http.Header, error) {
	host = NormaliseRegistryHost(host)
	if host == "" {
		host = "docker.io"
	}

	url := "https://" + host + "/v2/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create probe request: %w", err)
	}
	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	return resp.Header, nil
}
