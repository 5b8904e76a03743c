// Package tlsconfig builds the *tls.Config a wallet peer connection
// dials with. Adapted from the teacher's core.NewTLSConfig /
// core.NewZeroTrustTLSConfig (core/security.go): same TLS 1.3 floor and
// X25519-preferred curve selection, retargeted from a server-side mTLS
// listener config to a client dialer config, since rpc.Dial is always
// the connecting side of the handshake.
package tlsconfig

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Options configures the client TLS identity presented to a peer and,
// optionally, the trust policy used to verify the peer back.
type Options struct {
	// CertPath and KeyPath name the wallet's own TLS certificate and
	// private key, presented to the peer during the handshake. Both
	// are required: every Chia-style peer connection is mutually
	// authenticated.
	CertPath string
	KeyPath  string

	// CACertPath, if set, verifies the peer's certificate against this
	// CA instead of the system root pool. Sage-style wallets
	// typically trust a single self-signed CA shared with full nodes.
	CACertPath string

	// PinnedFingerprint, if set, additionally requires the peer's leaf
	// certificate to SHA-256 hash to this exact value, rejecting the
	// connection otherwise even if CACertPath's chain validates.
	PinnedFingerprint []byte
}

// New builds a client *tls.Config per opts. InsecureSkipVerify is set
// only when PinnedFingerprint is given without CACertPath, in which
// case the fingerprint check replaces chain validation; in every other
// case it is left unset, and callers that genuinely need it (tests
// dialing a self-signed httptest server) set it on the returned config
// directly.
func New(opts Options) (*tls.Config, error) {
	if opts.CertPath == "" || opts.KeyPath == "" {
		return nil, errors.New("tlsconfig: CertPath and KeyPath are required")
	}

	certPEM, err := os.ReadFile(opts.CertPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read cert: %w", err)
	}
	keyPEM, err := os.ReadFile(opts.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: parse key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:       tls.VersionTLS13,
		Certificates:     []tls.Certificate{cert},
		CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
	}

	if opts.CACertPath != "" {
		caPEM, err := os.ReadFile(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("tlsconfig: read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("tlsconfig: failed to load ca certificate")
		}
		cfg.RootCAs = pool
	}

	if len(opts.PinnedFingerprint) > 0 {
		want := make([]byte, len(opts.PinnedFingerprint))
		copy(want, opts.PinnedFingerprint)
		cfg.InsecureSkipVerify = opts.CACertPath == ""
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("tlsconfig: no peer certificate provided")
			}
			got := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(got[:], want) {
				return errors.New("tlsconfig: peer certificate fingerprint mismatch")
			}
			return nil
		}
	}

	return cfg, nil
}

// Fingerprint returns the SHA-256 fingerprint of a PEM encoded
// certificate, for callers pinning a peer after first contact.
func Fingerprint(certPath string) ([]byte, error) {
	pemData, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: read cert: %w", err)
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("tlsconfig: failed to parse certificate PEM")
	}
	sum := sha256.Sum256(block.Bytes)
	fp := make([]byte, len(sum))
	copy(fp, sum[:])
	return fp, nil
}
