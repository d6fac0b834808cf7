package certutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

const defaultSerialBits = 128 // Bit size for serial number randomness

// EncodePrivateKey encodes a crypto.Signer (RSA or ECDSA) into PEM format.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	var pemType string
	var keyBytes []byte
	var err error

	switch k := key.(type) {
	case *rsa.PrivateKey:
		pemType = "RSA PRIVATE KEY"
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
	case *ecdsa.PrivateKey:
		pemType = "EC PRIVATE KEY"
		keyBytes, err = x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("certutil: unable to marshal ECDSA private key: %w", err)
		}
	default:
		return nil, errors.New("certutil: unsupported private key type")
	}

	return pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: keyBytes}), nil
}

// ParsePrivateKey parses a PEM-encoded private key (PKCS#1 RSA, SEC1 EC or PKCS#8).
func ParsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("certutil: failed to decode PEM block containing private key")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certutil: failed to parse private key: %w", err)
		}
		return k, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certutil: failed to parse private key: %w", err)
		}
		return k, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("certutil: failed to parse private key: %w", err)
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("certutil: PKCS#8 key of type %T is not a signer", k)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("certutil: unsupported private key type: %s", block.Type)
	}
}

// EncodeCertificate encodes an x509 certificate into PEM format.
func EncodeCertificate(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// ParseCertificate parses the first PEM-encoded x509 certificate in pemBytes.
func ParseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("certutil: failed to decode PEM block containing certificate")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("certutil: unexpected PEM block type: %s", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certutil: failed to parse certificate: %w", err)
	}
	return cert, nil
}

// SplitChain splits a concatenated PEM bundle into its CERTIFICATE blocks, in order.
func SplitChain(bundle string) []string {
	var out []string
	rest := []byte(bundle)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return out
		}
		if block.Type == "CERTIFICATE" {
			out = append(out, string(pem.EncodeToMemory(block)))
		}
	}
}

// FormatSerial renders a serial as colon-separated lowercase hex pairs, the form Vault uses.
func FormatSerial(serial *big.Int) string {
	h := serial.Text(16)
	if len(h)%2 == 1 {
		h = "0" + h
	}
	pairs := make([]string, 0, len(h)/2)
	for i := 0; i < len(h); i += 2 {
		pairs = append(pairs, h[i:i+2])
	}
	return strings.Join(pairs, ":")
}

// NormalizeSerial lowercases a serial and strips separators so that "0A:1B" and "0a-1b" compare equal.
func NormalizeSerial(s string) string {
	r := strings.NewReplacer(":", "", "-", "", " ", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(s)))
}

// GenerateSerialNumber creates a secure random serial number.
func GenerateSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serialNumber, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("certutil: failed to generate serial number: %w", err)
	}
	if serialNumber.Sign() != 1 {
		return nil, errors.New("certutil: generated non-positive serial number")
	}
	return serialNumber, nil
}

// CSRRequest describes the subject of a generated CSR.
type CSRRequest struct {
	CommonName         string
	AltNames           []string // DNS names, IPs and email addresses are sorted into their SAN fields
	Organization       string
	OrganizationalUnit string
}

// GenerateCSR creates a fresh ECDSA P-256 key and a CSR for it. Both are returned PEM-encoded.
func GenerateCSR(req CSRRequest) (csrPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("certutil: failed to generate key: %w", err)
	}

	subject := pkix.Name{CommonName: req.CommonName}
	if req.Organization != "" {
		subject.Organization = []string{req.Organization}
	}
	if req.OrganizationalUnit != "" {
		subject.OrganizationalUnit = []string{req.OrganizationalUnit}
	}
	template := &x509.CertificateRequest{Subject: subject}
	for _, name := range req.AltNames {
		switch {
		case net.ParseIP(name) != nil:
			template.IPAddresses = append(template.IPAddresses, net.ParseIP(name))
		case strings.Contains(name, "@"):
			template.EmailAddresses = append(template.EmailAddresses, name)
		default:
			template.DNSNames = append(template.DNSNames, name)
		}
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, nil, fmt.Errorf("certutil: failed to create certificate request: %w", err)
	}
	keyPEM, err = EncodePrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), keyPEM, nil
}

// SelfSignedOptions controls NewSelfSigned.
type SelfSignedOptions struct {
	CommonName string
	DNSNames   []string
	NotBefore  time.Time
	NotAfter   time.Time
	IsCA       bool
	RSABits    int // 0 selects an ECDSA P-256 key
}

// NewSelfSigned creates a self-signed certificate and its key, both PEM-encoded.
// Used for local CA fixtures and by the fake provider endpoints in tests.
func NewSelfSigned(opts SelfSignedOptions) (certPEM, keyPEM []byte, err error) {
	var key crypto.Signer
	if opts.RSABits > 0 {
		key, err = rsa.GenerateKey(rand.Reader, opts.RSABits)
	} else {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("certutil: failed to generate key: %w", err)
	}

	serialNumber, err := GenerateSerialNumber()
	if err != nil {
		return nil, nil, err
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-5 * time.Minute)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = opts.NotBefore.Add(365 * 24 * time.Hour)
	}

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: opts.CommonName},
		DNSNames:              opts.DNSNames,
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		template.ExtKeyUsage = nil
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return nil, nil, fmt.Errorf("certutil: failed to create self-signed certificate: %w", err)
	}
	keyPEM, err = EncodePrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM, nil
}
