package signing

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/smallstep/pkcs7"
)

// ErrSigning is returned when key material is unreadable, mismatched or
// outside its validity window, or when a signature does not verify.
var ErrSigning = errors.New("signing error")

// PEMType is the armor label of the detached signature
const PEMType = "CMS"

// Credentials is a developer identity: the signing key, its certificate and
// any intermediates that should travel with the signature.
type Credentials struct {
	Key   crypto.Signer
	Cert  *x509.Certificate
	Chain []*x509.Certificate
}

// ParseCredentials decodes a private key and a certificate bundle. The first
// certificate in certPEM is the signer; the rest are carried as its chain.
func ParseCredentials(keyPEM, certPEM []byte) (*Credentials, error) {
	key, err := parseKey(keyPEM)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse certificate: %v", ErrSigning, err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificate found", ErrSigning)
	}

	if !publicKeysEqual(key.Public(), certs[0].PublicKey) {
		return nil, fmt.Errorf("%w: private key does not match certificate %q", ErrSigning, certs[0].Subject.CommonName)
	}

	return &Credentials{Key: key, Cert: certs[0], Chain: certs[1:]}, nil
}

// LoadCredentials reads the key and certificate files from disk
func LoadCredentials(keyPath, certPath string) (*Credentials, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read key: %v", ErrSigning, err)
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read certificate: %v", ErrSigning, err)
	}
	return ParseCredentials(keyPEM, certPEM)
}

func parseKey(data []byte) (crypto.Signer, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no private key found", ErrSigning)
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to parse RSA key: %v", ErrSigning, err)
			}
			return k, nil
		case "EC PRIVATE KEY":
			k, err := x509.ParseECPrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to parse EC key: %v", ErrSigning, err)
			}
			return k, nil
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to parse PKCS#8 key: %v", ErrSigning, err)
			}
			switch k := k.(type) {
			case *rsa.PrivateKey:
				return k, nil
			case *ecdsa.PrivateKey:
				return k, nil
			default:
				return nil, fmt.Errorf("%w: unsupported key type %T", ErrSigning, k)
			}
		}
	}
}

type publicKey interface {
	Equal(crypto.PublicKey) bool
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	pk, ok := a.(publicKey)
	return ok && pk.Equal(b)
}

// Signer produces detached CMS signatures
type Signer struct {
	creds *Credentials
	now   func() time.Time
}

// NewSigner creates a signer for creds
func NewSigner(creds *Credentials) *Signer {
	return &Signer{creds: creds, now: time.Now}
}

// WithClock overrides the time used for the certificate validity check
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Certificate returns the signer certificate
func (s *Signer) Certificate() *x509.Certificate {
	return s.creds.Cert
}

// Sign returns a PEM encoded, detached CMS SignedData over content with a
// SHA-256 digest and the signer certificate (plus chain) embedded.
func (s *Signer) Sign(content []byte) ([]byte, error) {
	cert := s.creds.Cert
	now := s.now()
	if now.Before(cert.NotBefore) {
		return nil, fmt.Errorf("%w: certificate %q is not valid until %s", ErrSigning, cert.Subject.CommonName, cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return nil, fmt.Errorf("%w: certificate %q expired at %s", ErrSigning, cert.Subject.CommonName, cert.NotAfter.Format(time.RFC3339))
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(cert, s.creds.Key, s.creds.Chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("%w: failed to add signer: %v", ErrSigning, err)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to finish signed data: %v", ErrSigning, err)
	}

	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: PEMType, Bytes: der}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return buf.Bytes(), nil
}

// Verify checks a detached signature over content. When roots is non-nil
// the signer certificate must also chain to one of them.
func Verify(content, signature []byte, roots *x509.CertPool) (*x509.Certificate, error) {
	p7, err := parse(content, signature)
	if err != nil {
		return nil, err
	}
	if roots == nil {
		err = p7.Verify()
	} else {
		err = p7.VerifyWithChain(roots)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("%w: expected exactly one signer", ErrSigning)
	}
	return signer, nil
}

// VerifyWithCertificate checks the signature and that it was made by the key
// certified by cert.
func VerifyWithCertificate(content, signature []byte, cert *x509.Certificate) error {
	signer, err := Verify(content, signature, nil)
	if err != nil {
		return err
	}
	if !publicKeysEqual(signer.PublicKey, cert.PublicKey) {
		return fmt.Errorf("%w: signed by %q, not %q", ErrSigning, signer.Subject.CommonName, cert.Subject.CommonName)
	}
	return nil
}

func parse(content, signature []byte) (*pkcs7.PKCS7, error) {
	der := signature
	if block, _ := pem.Decode(signature); block != nil {
		der = block.Bytes
	}
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse signature: %v", ErrSigning, err)
	}
	p7.Content = content
	return p7, nil
}

// FuseCertKey writes the certificate followed by the key into dst with
// owner-only permissions.
func FuseCertKey(certPath, keyPath, dst string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("%w: failed to read certificate: %v", ErrSigning, err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("%w: failed to read key: %v", ErrSigning, err)
	}

	fused := make([]byte, 0, len(certPEM)+len(keyPEM)+1)
	fused = append(fused, certPEM...)
	if len(certPEM) > 0 && certPEM[len(certPEM)-1] != '\n' {
		fused = append(fused, '\n')
	}
	fused = append(fused, keyPEM...)

	if err := os.WriteFile(dst, fused, 0o600); err != nil {
		return fmt.Errorf("failed to write fused credentials: %w", err)
	}
	return nil
}
