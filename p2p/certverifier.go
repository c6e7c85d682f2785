package p2p

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// certTypeNode is the issuing tier subject to revocation checks. Go's
// x509.Certificate carries no native "cert type" field, so the tier is read
// from the leaf's Subject.OrganizationalUnit (first element); an absent or
// unrecognized value defaults to certTypeNode, matching the convention that
// only node-issued leaf certificates are revocable.
const certTypeNode = "node"

// RevocationChecker is the subset of the node-connection manager consumed
// by the Cert Verifier: it reports whether a certificate serial number has
// been revoked.
type RevocationChecker interface {
	CheckCertOut(serial string) bool
}

// TLSMaterial names the on-disk PEM files the Cert Verifier loads itself
// (tls.LoadX509KeyPair for the keypair, os.ReadFile for the CA bundle).
type TLSMaterial struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Resolve joins relative paths against dataDir, matching the persisted
// state layout of SPEC_FULL.md §6.
func (m TLSMaterial) Resolve(dataDir string) TLSMaterial {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dataDir, p)
	}
	return TLSMaterial{
		CAFile:   resolve(m.CAFile),
		CertFile: resolve(m.CertFile),
		KeyFile:  resolve(m.KeyFile),
	}
}

// CertVerifier builds mutually-authenticated TLS configurations for the
// peer acceptor and installs the per-handshake verification policy of
// SPEC_FULL.md §4.1.
type CertVerifier struct {
	revocation RevocationChecker
}

// NewCertVerifier constructs a verifier backed by the given revocation
// source (typically the node-connection manager).
func NewCertVerifier(revocation RevocationChecker) *CertVerifier {
	return &CertVerifier{revocation: revocation}
}

// BuildPeerTLSConfig loads the CA/cert/key material and returns a tls.Config
// requiring and verifying client certificates with the Cert Verifier's
// callback installed, at chain depth 3.
func (v *CertVerifier) BuildPeerTLSConfig(material TLSMaterial) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(material.CertFile, material.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("p2p: load peer keypair: %w", err)
	}
	caPEM, err := os.ReadFile(material.CAFile)
	if err != nil {
		return nil, fmt.Errorf("p2p: read peer CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("p2p: failed to parse peer CA certificates from %s", material.CAFile)
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       []tls.Certificate{cert},
		ClientCAs:          pool,
		RootCAs:            pool,
		ClientAuth:         tls.RequireAndVerifyClientCert,
		InsecureSkipVerify: true, // chain trust re-derived manually below to enforce depth 3
	}
	cfg.VerifyPeerCertificate = v.verifyPeerCertificate(pool)
	return cfg, nil
}

// BuildChannelTLSConfig returns a server-authenticated (non-mutual) TLS
// config for the SDK channel acceptor, per SPEC_FULL.md §6. When
// useEncryptedCurve is set the config's curve preference is pinned to
// P-256 (NID_X9_62_prime256v1), matching the encrypted build variant.
func (v *CertVerifier) BuildChannelTLSConfig(material TLSMaterial, useEncryptedCurve bool) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(material.CertFile, material.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("p2p: load channel keypair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if useEncryptedCurve {
		cfg.CurvePreferences = []tls.CurveID{tls.CurveP256}
	}
	return cfg, nil
}

// verifyPeerCertificate implements the ordered check from HostSSL.cpp's
// sslVerifyCert: expiry first, then — for the node issuing tier only —
// revocation by serial number. Any other tier, or a serial not revoked,
// passes through unchanged.
func (v *CertVerifier) verifyPeerCertificate(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		leaf, chain, err := parseAndVerifyChain(rawCerts, pool)
		if err != nil {
			return err
		}

		if time.Now().After(leaf.NotAfter) || time.Now().Before(leaf.NotBefore) {
			return fmt.Errorf("%w: subject %q expired at %s", ErrCertExpired, leaf.Subject.CommonName, leaf.NotAfter)
		}

		if certTier(leaf) == certTypeNode && v.revocation != nil {
			serial := leaf.SerialNumber.Text(16)
			if v.revocation.CheckCertOut(serial) {
				return fmt.Errorf("%w: serial %s", ErrCertRevoked, serial)
			}
		}

		_ = chain
		return nil
	}
}

func certTier(cert *x509.Certificate) string {
	if len(cert.Subject.OrganizationalUnit) == 0 {
		return certTypeNode
	}
	switch cert.Subject.OrganizationalUnit[0] {
	case "ca", "agency":
		return cert.Subject.OrganizationalUnit[0]
	default:
		return certTypeNode
	}
}

// parseAndVerifyChain re-derives the certificate chain from the raw DER
// certificates presented during the handshake and enforces a maximum chain
// depth of 3, since Go's tls.Config does not expose a depth knob directly.
func parseAndVerifyChain(rawCerts [][]byte, pool *x509.CertPool) (*x509.Certificate, []*x509.Certificate, error) {
	const maxChainDepth = 3
	if len(rawCerts) == 0 {
		return nil, nil, fmt.Errorf("%w: no certificate presented", ErrTransport)
	}
	if len(rawCerts) > maxChainDepth+1 {
		return nil, nil, fmt.Errorf("%w: certificate chain exceeds depth %d", ErrTransport, maxChainDepth)
	}

	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parse peer certificate: %v", ErrTransport, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	opts := x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := certs[0].Verify(opts); err != nil {
		if invalid, ok := err.(x509.CertificateInvalidError); ok && invalid.Reason == x509.Expired {
			return nil, nil, fmt.Errorf("%w: subject %q valid until %s: %v", ErrCertExpired, certs[0].Subject.CommonName, certs[0].NotAfter, err)
		}
		return nil, nil, fmt.Errorf("%w: verify peer chain: %v", ErrTransport, err)
	}
	return certs[0], certs, nil
}
