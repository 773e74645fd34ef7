package httputil

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSPinning describes how a TLS client should validate the peer it connects
// to, mirroring the three knobs the identity-provider and manager clients
// both accept: a CA bundle for standard chain validation, a hostname-check
// override, and a leaf-certificate fingerprint that -- when present -- takes
// precedence over chain validation entirely.
type TLSPinning struct {
	CABundlePath     string // "" means use the system root pool
	VerifyHostname   bool
	AssertFingerprint string // lowercase hex SHA-256 of the leaf cert, "" disables
}

// Config builds a *tls.Config implementing the precedence rule from the
// component design: when AssertFingerprint is set, the connection is
// accepted iff the leaf certificate's SHA-256 fingerprint matches, and chain
// validation is bypassed entirely (InsecureSkipVerify + a manual check in
// VerifyPeerCertificate). Otherwise standard CA-bundle + hostname
// verification applies, with hostname checking individually disabled by
// VerifyHostname=false.
func (p TLSPinning) Config(serverName string) (*tls.Config, error) {
	if p.AssertFingerprint != "" {
		want := p.AssertFingerprint
		cfg := &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // verified manually below by fingerprint
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				if len(rawCerts) == 0 {
					return fmt.Errorf("no peer certificate presented")
				}
				sum := sha256.Sum256(rawCerts[0])
				got := fmt.Sprintf("%x", sum)
				if got != want {
					return fmt.Errorf("certificate fingerprint mismatch: got %s, want %s", got, want)
				}
				return nil
			},
		}
		return cfg, nil
	}

	pool := x509.NewCertPool()
	if p.CABundlePath != "" {
		data, err := os.ReadFile(p.CABundlePath)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates parsed from ca bundle %s", p.CABundlePath)
		}
	} else {
		var err error
		pool, err = x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
	}

	cfg := &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
	}
	if !p.VerifyHostname {
		// Chain is still validated; only the hostname match is skipped, by
		// performing verification ourselves without x509.VerifyOptions.DNSName.
		cfg.InsecureSkipVerify = true //nolint:gosec // chain re-verified manually below, sans hostname
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			certs := make([]*x509.Certificate, len(rawCerts))
			for i, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					return fmt.Errorf("parse peer certificate: %w", err)
				}
				certs[i] = cert
			}
			if len(certs) == 0 {
				return fmt.Errorf("no peer certificate presented")
			}
			intermediates := x509.NewCertPool()
			for _, c := range certs[1:] {
				intermediates.AddCert(c)
			}
			_, err := certs[0].Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates})
			return err
		}
	}
	return cfg, nil
}
