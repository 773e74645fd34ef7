package main

import (
	"crypto/rand"
	"fmt"
	"net"
	"os"

	"github.com/pixelated/dispatcher/internal/auth"
	"github.com/pixelated/dispatcher/internal/config"
	"github.com/pixelated/dispatcher/internal/httputil"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/managerclient"
	"github.com/pixelated/dispatcher/internal/proxy"
	"github.com/pixelated/dispatcher/internal/srp"
)

// runProxy assembles and runs the proxy front end (C7, C8): SRP
// authentication, a signed session cookie, and the reverse-proxy relay to
// each user's running agent.
func runProxy(log *logging.Logger, args []string) error {
	cfg, err := config.ParseProxyFlags(args)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	managerHost, _, err := net.SplitHostPort(cfg.Manager)
	if err != nil {
		managerHost = cfg.Manager
	}

	tlsCfg := managerclient.TLSConfig{
		VerifyHostname:    !cfg.DisableVerifyHostname,
		AssertFingerprint: cfg.Fingerprint,
	}
	managerClient, err := managerclient.New("https://"+cfg.Manager, managerHost, tlsCfg)
	if err != nil {
		return fmt.Errorf("build manager client: %w", err)
	}

	authenticator, err := srp.NewAuthenticator(managerHost, srp.TLSConfig{
		VerifyHostname:    !cfg.DisableVerifyHostname,
		AssertFingerprint: cfg.Fingerprint,
	})
	if err != nil {
		return fmt.Errorf("build SRP authenticator: %w", err)
	}

	key, err := sessionKey(cfg.SessionKeyFile)
	if err != nil {
		return fmt.Errorf("load session key: %w", err)
	}

	server := proxy.NewServer(proxy.Dependencies{
		Manager:       managerClient,
		Authenticator: authenticator,
		IdentityURL:   "https://" + cfg.Manager,
		Session:       auth.NewSessionSigner(key),
		RateLimiter:   auth.NewRateLimiter(),
		Banner:        cfg.Banner,
		CookieSecure:  cfg.CookieSecure,
		Log:           log,
	})

	sslcert, sslkey := cfg.SSLCert, cfg.SSLKey
	if sslcert == "" {
		dataDir, err := os.MkdirTemp("", "dispatcher-proxy-tls-")
		if err != nil {
			return fmt.Errorf("create TLS scratch dir: %w", err)
		}
		sslcert, sslkey, err = httputil.EnsureSelfSignedCert(dataDir)
		if err != nil {
			return fmt.Errorf("generate self-signed certificate: %w", err)
		}
	}

	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
		defer os.Remove(cfg.PIDFile)
	}

	log.Info("proxy starting", "bind", cfg.Bind, "manager", cfg.Manager)
	return server.ListenAndServe(cfg.Bind, sslcert, sslkey)
}

// sessionKey returns a fresh random session-signing key, held only in
// memory, when path is empty. Otherwise it loads the key stored at path,
// generating and persisting a new random one there if the file can't be read.
func sessionKey(path string) ([]byte, error) {
	if path == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, err
	}
	return key, nil
}
