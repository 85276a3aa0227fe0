// Package ca implements the on-demand certificate authority: a persistent
// self-signed root and per-host leaf certificates minted on demand,
// carrying the exact subject, extension and validity rules this proxy's
// certificates must present.
package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"mitmproxy/internal/workpool"
)

// rootKeyBits and leafKeyBits both size the RSA keys this authority mints.
const (
	rootKeyBits  = 2048
	leafKeyBits  = 2048
	rootValidity = 20 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	serialBits   = 159
)

var rootSubject = pkix.Name{
	Country:      []string{"CN"},
	Province:     []string{"GuangDong"},
	Organization: []string{"thlstsul"},
	CommonName:   "thlstsul.github.io",
}

// RootCA is the long-lived self-signed authority that signs every leaf.
type RootCA struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// LeafCA is a short-lived per-host certificate chained to a RootCA.
type LeafCA struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
	DER  []byte
}

// LoadOrCreate loads a root CA from the given PEM files, or generates and
// persists a new one if either file is absent. Parsing and generation are
// CPU-bound and are routed through pool so callers never block their own
// I/O goroutine on them.
func LoadOrCreate(ctx context.Context, certPath, keyPath string, pool *workpool.Pool) (*RootCA, error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		return workpool.Submit(ctx, pool, func() (*RootCA, error) {
			return parseRoot(certPEM, keyPEM)
		})
	}

	root, err := workpool.Submit(ctx, pool, generateRoot)
	if err != nil {
		return nil, fmt.Errorf("generate root ca: %w", err)
	}
	if err := persistRoot(root, certPath, keyPath); err != nil {
		return nil, fmt.Errorf("persist root ca: %w", err)
	}
	return root, nil
}

func parseRoot(certPEM, keyPEM []byte) (*RootCA, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("no PEM block in root certificate file")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("no PEM block in root key file")
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root key: %w", err)
	}

	return &RootCA{Cert: cert, Key: key}, nil
}

func parsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("root key is not RSA")
	}
	return rsaKey, nil
}

func generateRoot() (*RootCA, error) {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               rootSubject,
		Issuer:                rootSubject,
		NotBefore:             now,
		NotAfter:              now.Add(rootValidity),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create root certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated root certificate: %w", err)
	}

	return &RootCA{Cert: cert, Key: key}, nil
}

func persistRoot(root *RootCA, certPath, keyPath string) error {
	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create cert file: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: root.Cert.Raw}); err != nil {
		return fmt.Errorf("write cert pem: %w", err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer keyOut.Close()
	keyDER, err := x509.MarshalPKCS8PrivateKey(root.Key)
	if err != nil {
		return fmt.Errorf("marshal root key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}); err != nil {
		return fmt.Errorf("write key pem: %w", err)
	}
	return nil
}

// Sign mints a fresh leaf certificate for host, signed by the root.
func (r *RootCA) Sign(host string) (*LeafCA, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	subject := pkix.Name{
		Country:      []string{"CN"},
		Province:     []string{"GuangDong"},
		Organization: []string{"thlstsul"},
		CommonName:   host,
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                r.Cert.Subject,
		NotBefore:             now,
		NotAfter:              now.Add(leafValidity),
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment | x509.KeyUsageKeyEncipherment,
		DNSNames:              []string{host},
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
		AuthorityKeyId:        r.Cert.SubjectKeyId,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, r.Cert, &key.PublicKey, r.Key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse signed leaf certificate: %w", err)
	}

	return &LeafCA{Cert: cert, Key: key, DER: der}, nil
}

// Clone returns a shallow copy suitable for safe concurrent hand-out from a
// cache; the parsed certificate and key are immutable once minted, so this
// only guards against callers mutating the returned struct's fields.
func (l *LeafCA) Clone() *LeafCA {
	if l == nil {
		return nil
	}
	clone := *l
	return &clone
}

func subjectKeyID(pub *rsa.PublicKey) []byte {
	// SHA-1 of the raw modulus bytes is the conventional SKI derivation used
	// by most CAs; it need not be cryptographically strong, only stable and
	// unique per key.
	sum := sha1.Sum(pub.N.Bytes())
	return sum[:]
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
