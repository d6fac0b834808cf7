package certutil

import (
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCSR(t *testing.T) {
	csrPEM, keyPEM, err := GenerateCSR(CSRRequest{
		CommonName:   "svc.internal",
		AltNames:     []string{"svc.internal", "10.0.0.1", "ops@example.com"},
		Organization: "Example Corp",
	})
	require.NoError(t, err)

	block, _ := pem.Decode(csrPEM)
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE REQUEST", block.Type)
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	assert.Equal(t, "svc.internal", csr.Subject.CommonName)
	assert.Equal(t, []string{"Example Corp"}, csr.Subject.Organization)
	assert.Equal(t, []string{"svc.internal"}, csr.DNSNames)
	assert.Len(t, csr.IPAddresses, 1)
	assert.Equal(t, []string{"ops@example.com"}, csr.EmailAddresses)

	key, err := ParsePrivateKey(keyPEM)
	require.NoError(t, err)
	assert.NotNil(t, key.Public())
}

func TestParseCertificate_Errors(t *testing.T) {
	_, err := ParseCertificate([]byte("not pem"))
	assert.Error(t, err)

	_, keyPEM, err := GenerateCSR(CSRRequest{CommonName: "x"})
	require.NoError(t, err)
	_, err = ParseCertificate(keyPEM)
	assert.ErrorContains(t, err, "unexpected PEM block type")
}

func TestSplitChain(t *testing.T) {
	a, _, err := NewSelfSigned(SelfSignedOptions{CommonName: "a", IsCA: true})
	require.NoError(t, err)
	b, _, err := NewSelfSigned(SelfSignedOptions{CommonName: "b", IsCA: true})
	require.NoError(t, err)

	chain := SplitChain(string(a) + "\n" + string(b))
	require.Len(t, chain, 2)
	ca, err := ParseCertificate([]byte(chain[0]))
	require.NoError(t, err)
	assert.Equal(t, "a", ca.Subject.CommonName)
	assert.Empty(t, SplitChain("garbage"))
}

func TestSerialFormatting(t *testing.T) {
	assert.Equal(t, "0a:1b:2c", FormatSerial(big.NewInt(0x0a1b2c)))
	assert.Equal(t, "0a1b2c", NormalizeSerial("0A:1B:2C"))
	assert.Equal(t, NormalizeSerial("0a-1b-2c"), NormalizeSerial("0A:1B:2C"))
}

func TestAnalyze_HealthyLeaf(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	certPEM, _, err := NewSelfSigned(SelfSignedOptions{
		CommonName: "svc.internal",
		DNSNames:   []string{"svc.internal"},
		NotBefore:  now.Add(-time.Hour),
		NotAfter:   now.Add(90 * 24 * time.Hour),
	})
	require.NoError(t, err)

	a, err := Analyze(certPEM, now)
	require.NoError(t, err)
	assert.Equal(t, "svc.internal", a.CommonName)
	assert.Equal(t, 256, a.KeySize)
	assert.False(t, a.IsExpired)
	assert.Equal(t, 90, a.DaysToExpiry)
	assert.True(t, a.ComplianceStatus["key_strength"])
	assert.True(t, a.ComplianceStatus["subject_alt_names"])
	// Self-signed is the only finding for this fixture.
	assert.False(t, a.ComplianceStatus["issuer_trust"])
	assert.Equal(t, riskSelfSignedLeaf, a.RiskScore)
	assert.Equal(t, "warning", a.OverallStatus)
}

func TestAnalyze_ExpiredAndWeak(t *testing.T) {
	now := time.Now()
	certPEM, _, err := NewSelfSigned(SelfSignedOptions{
		CommonName: "legacy.internal",
		NotBefore:  now.Add(-800 * 24 * time.Hour),
		NotAfter:   now.Add(-24 * time.Hour),
		RSABits:    1024,
	})
	require.NoError(t, err)

	a, err := Analyze(certPEM, now)
	require.NoError(t, err)
	assert.True(t, a.IsExpired)
	assert.Equal(t, 1024, a.KeySize)
	assert.False(t, a.ComplianceStatus["key_strength"])
	assert.False(t, a.ComplianceStatus["not_expired"])
	assert.False(t, a.ComplianceStatus["validity_period"])
	assert.Equal(t, 100, a.RiskScore)
	assert.Equal(t, "expired", a.OverallStatus)
	assert.NotEmpty(t, a.Recommendations)
}

func TestAnalyze_ExpiryWindow(t *testing.T) {
	now := time.Now()
	certPEM, _, err := NewSelfSigned(SelfSignedOptions{
		CommonName: "soon.internal",
		DNSNames:   []string{"soon.internal"},
		NotBefore:  now.Add(-time.Hour),
		NotAfter:   now.Add(5*24*time.Hour + time.Hour),
	})
	require.NoError(t, err)

	a, err := Analyze(certPEM, now)
	require.NoError(t, err)
	assert.Equal(t, 5, a.DaysToExpiry)
	assert.False(t, a.ComplianceStatus["expiry_window"])
	assert.Equal(t, riskExpiryCritical+riskSelfSignedLeaf, a.RiskScore)
}
