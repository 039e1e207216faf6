// Package ca owns the local root CA and mints leaf certificates for the
// hosts the proxy intercepts.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// CA manages the root CA and generates certificates for MITM.
type CA struct {
	certDir          string
	certValidityDays int
	caValidityYears  int

	mu     sync.RWMutex
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	certCache sync.Map // host -> *tls.Certificate
	minting   singleflight.Group
}

// Options configures CA creation.
type Options struct {
	CertDir          string
	CAValidityYears  int
	CertValidityDays int
}

// DefaultOptions returns the default CA options.
func DefaultOptions() Options {
	return Options{
		CertDir:          "~/.gpt-tap",
		CAValidityYears:  10,
		CertValidityDays: 365,
	}
}

// New loads the CA under opts.CertDir, generating it on first use.
func New(opts Options) (*CA, error) {
	def := DefaultOptions()
	if opts.CertDir == "" {
		opts.CertDir = def.CertDir
	}
	if opts.CAValidityYears <= 0 {
		opts.CAValidityYears = def.CAValidityYears
	}
	if opts.CertValidityDays <= 0 {
		opts.CertValidityDays = def.CertValidityDays
	}

	ca := &CA{
		certDir:          expandPath(opts.CertDir),
		caValidityYears:  opts.CAValidityYears,
		certValidityDays: opts.CertValidityDays,
	}
	for _, dir := range []string{"ca", "certs"} {
		if err := os.MkdirAll(filepath.Join(ca.certDir, dir), 0755); err != nil {
			return nil, errors.Wrapf(err, "create %s dir", dir)
		}
	}

	if fileExists(ca.CertPath()) && fileExists(ca.KeyPath()) {
		err := ca.load()
		if err == nil {
			return ca, nil
		}
		log.Warn().Str("component", "ca").Err(err).Msg("existing CA unreadable, regenerating")
	}
	if err := ca.generate(); err != nil {
		return nil, err
	}
	return ca, nil
}

// CertPath returns the root certificate path.
func (ca *CA) CertPath() string {
	return filepath.Join(ca.certDir, "ca", "ca.crt")
}

// KeyPath returns the root key path.
func (ca *CA) KeyPath() string {
	return filepath.Join(ca.certDir, "ca", "ca.key")
}

// CertsDir returns the directory holding minted leaf certificates.
func (ca *CA) CertsDir() string {
	return filepath.Join(ca.certDir, "certs")
}

// Certificate returns the root certificate.
func (ca *CA) Certificate() *x509.Certificate {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.caCert
}

// PEM returns the root certificate PEM-encoded, ready to install in a
// browser trust store.
func (ca *CA) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Certificate().Raw})
}

// Fingerprint returns the SHA-256 fingerprint of the root certificate as
// colon-separated hex.
func (ca *CA) Fingerprint() string {
	sum := sha256.Sum256(ca.Certificate().Raw)
	h := strings.ToUpper(hex.EncodeToString(sum[:]))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(h); i += 2 {
		parts = append(parts, h[i:i+2])
	}
	return strings.Join(parts, ":")
}

// newTemplate creates a key pair and a certificate template around it.
func newTemplate(cn, org string, notAfter time.Time) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate serial")
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal public key")
	}
	ski := sha256.Sum256(pub)
	return key, &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn, Organization: []string{org}},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		SubjectKeyId:          ski[:20],
	}, nil
}

// generate creates a new root certificate and key and writes them to disk.
func (ca *CA) generate() error {
	key, tmpl, err := newTemplate("gpt-tap Root CA", "gpt-tap Proxy CA", time.Now().AddDate(ca.caValidityYears, 0, 0))
	if err != nil {
		return err
	}
	tmpl.IsCA = true
	tmpl.MaxPathLenZero = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return errors.Wrap(err, "create root certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return errors.Wrap(err, "parse root certificate")
	}
	if err := writePEM(ca.CertPath(), 0644, pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return errors.Wrap(err, "save root certificate")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return errors.Wrap(err, "marshal root key")
	}
	if err := writePEM(ca.KeyPath(), 0600, pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		return errors.Wrap(err, "save root key")
	}

	ca.mu.Lock()
	ca.caCert, ca.caKey = cert, key
	ca.mu.Unlock()
	log.Info().Str("component", "ca").Str("path", ca.CertPath()).Msg("generated root CA")
	return nil
}

// load reads the root certificate and key from disk.
func (ca *CA) load() error {
	pair, err := tls.LoadX509KeyPair(ca.CertPath(), ca.KeyPath())
	if err != nil {
		return errors.Wrap(err, "load root key pair")
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return errors.Wrap(err, "parse root certificate")
	}
	key, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return errors.New("root key is not ECDSA")
	}
	ca.mu.Lock()
	ca.caCert, ca.caKey = cert, key
	ca.mu.Unlock()
	return nil
}

// GetOrCreateCert returns a certificate for host, minting it at most once
// even under concurrent handshakes.
func (ca *CA) GetOrCreateCert(host string) (*tls.Certificate, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if cert, ok := ca.certCache.Load(host); ok {
		return cert.(*tls.Certificate), nil
	}

	v, err, _ := ca.minting.Do(host, func() (interface{}, error) {
		if cert, ok := ca.certCache.Load(host); ok {
			return cert, nil
		}
		certPath := filepath.Join(ca.CertsDir(), host+".crt")
		keyPath := filepath.Join(ca.CertsDir(), host+".key")
		if fileExists(certPath) && fileExists(keyPath) {
			if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil && ca.issuedByRoot(&cert) {
				ca.certCache.Store(host, &cert)
				return &cert, nil
			}
		}

		cert, err := ca.generateCert(host)
		if err != nil {
			return nil, err
		}
		if err := saveCertKeyPair(cert, certPath, keyPath); err != nil {
			log.Warn().Str("component", "ca").Str("host", host).Err(err).Msg("save leaf certificate")
		}
		ca.certCache.Store(host, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// issuedByRoot reports whether a cached leaf chains to the current root.
func (ca *CA) issuedByRoot(cert *tls.Certificate) bool {
	if len(cert.Certificate) == 0 {
		return false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return false
	}
	return leaf.CheckSignatureFrom(ca.Certificate()) == nil && time.Now().Before(leaf.NotAfter)
}

// generateCert signs a new leaf certificate for host.
func (ca *CA) generateCert(host string) (*tls.Certificate, error) {
	ca.mu.RLock()
	root, rootKey := ca.caCert, ca.caKey
	ca.mu.RUnlock()

	key, tmpl, err := newTemplate(host, "gpt-tap Proxy", time.Now().AddDate(0, 0, ca.certValidityDays))
	if err != nil {
		return nil, err
	}
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	tmpl.AuthorityKeyId = root.SubjectKeyId
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, root, &key.PublicKey, rootKey)
	if err != nil {
		return nil, errors.Wrapf(err, "create certificate for %s", host)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate")
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, root.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// saveCertKeyPair writes the chain and key of cert to disk.
func saveCertKeyPair(cert *tls.Certificate, certPath, keyPath string) error {
	blocks := make([]pem.Block, 0, len(cert.Certificate))
	for _, der := range cert.Certificate {
		blocks = append(blocks, pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	if err := writePEM(certPath, 0644, blocks...); err != nil {
		return err
	}
	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return errors.New("leaf key is not ECDSA")
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return errors.Wrap(err, "marshal leaf key")
	}
	return writePEM(keyPath, 0600, pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func writePEM(path string, perm os.FileMode, blocks ...pem.Block) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	for i := range blocks {
		if err := pem.Encode(f, &blocks[i]); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// CertCount returns the number of leaf certificates on disk.
func (ca *CA) CertCount() int {
	count := 0
	entries, _ := os.ReadDir(ca.CertsDir())
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".crt" {
			count++
		}
	}
	return count
}

// CleanCerts removes all minted leaf certificates.
func (ca *CA) CleanCerts() error {
	entries, err := os.ReadDir(ca.CertsDir())
	if err != nil {
		return errors.Wrap(err, "read certs dir")
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(ca.CertsDir(), e.Name())); err != nil {
			return errors.Wrap(err, "remove certificate")
		}
	}
	ca.certCache.Range(func(k, _ any) bool {
		ca.certCache.Delete(k)
		return true
	})
	return nil
}

// Regenerate creates a new root and drops every leaf signed by the old one.
func (ca *CA) Regenerate() error {
	if err := ca.CleanCerts(); err != nil {
		return errors.Wrap(err, "clean certs")
	}
	return errors.Wrap(ca.generate(), "generate ca")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
