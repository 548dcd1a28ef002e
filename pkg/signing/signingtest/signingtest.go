// Package signingtest issues throwaway certificate authorities and developer
// certificates for tests.
package signingtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Identity is a key pair plus certificate in both parsed and PEM form
type Identity struct {
	Key     *ecdsa.PrivateKey
	Cert    *x509.Certificate
	KeyPEM  []byte
	CertPEM []byte
}

// NewCA creates a self-signed root
func NewCA(t testing.TB, name string) *Identity {
	t.Helper()
	return issue(t, name, nil, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour), true)
}

// Issue creates a developer certificate signed by ca
func (ca *Identity) Issue(t testing.TB, name string) *Identity {
	t.Helper()
	return issue(t, name, ca, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour), false)
}

// IssueValidity creates a developer certificate with an explicit window
func (ca *Identity) IssueValidity(t testing.TB, name string, notBefore, notAfter time.Time) *Identity {
	t.Helper()
	return issue(t, name, ca, notBefore, notAfter, false)
}

// WriteFiles stores the key and certificate under dir and returns the paths
func (id *Identity) WriteFiles(t testing.TB, dir string) (keyPath, certPath string) {
	t.Helper()
	keyPath = filepath.Join(dir, "developer.key")
	certPath = filepath.Join(dir, "developer.pem")
	if err := os.WriteFile(keyPath, id.KeyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(certPath, id.CertPEM, 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	return keyPath, certPath
}

// Pool returns a cert pool trusting only id
func (id *Identity) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(id.Cert)
	return pool
}

func issue(t testing.TB, name string, parent *Identity, notBefore, notAfter time.Time, isCA bool) *Identity {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	if isCA {
		tmpl.IsCA = true
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}

	signerCert, signerKey := tmpl, key
	if parent != nil {
		signerCert, signerKey = parent.Cert, parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	return &Identity{
		Key:     key,
		Cert:    cert,
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}
}
