package certutil

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"github.com/blockadesystems/certfleet/internal/model"
)

// Thresholds used by the compliance checks.
const (
	minRSAKeyBits        = 2048
	minECKeyBits         = 256
	maxLeafValidityDays  = 398 // CA/B Forum baseline for TLS server certificates
	expiryWarningDays    = 30
	expiryCriticalDays   = 7
	riskWeakKey          = 30
	riskWeakSignature    = 30
	riskExpired          = 40
	riskExpiryCritical   = 25
	riskExpiryWarning    = 10
	riskLongValidity     = 10
	riskMissingSAN       = 10
	riskSelfSignedLeaf   = 15
	riskMissingKeyUsage  = 5
	overallStatusHealthy = "healthy"
)

// Analysis is the result of inspecting a single certificate.
type Analysis struct {
	CertificateID      string          `json:"certificate_id,omitempty"`
	CommonName         string          `json:"common_name"`
	Issuer             string          `json:"issuer"`
	SerialNumber       string          `json:"serial_number"`
	ValidFrom          time.Time       `json:"valid_from"`
	ValidTo            time.Time       `json:"valid_to"`
	IsExpired          bool            `json:"is_expired"`
	DaysToExpiry       int             `json:"days_to_expiry"`
	SignatureAlgorithm string          `json:"signature_algorithm"`
	PublicKeyAlgorithm string          `json:"public_key_algorithm"`
	KeySize            int             `json:"key_size"`
	KeyUsage           []string        `json:"key_usage"`
	ExtendedKeyUsage   []string        `json:"extended_key_usage"`
	SubjectAltNames    []string        `json:"subject_alt_names"`
	IsCA               bool            `json:"is_ca"`
	ComplianceStatus   map[string]bool `json:"compliance_status"`
	SecurityIssues     []string        `json:"security_issues"`
	Recommendations    []string        `json:"recommendations"`
	RiskScore          int             `json:"risk_score"`
	OverallStatus      string          `json:"overall_status"`
}

// Analyze parses certPEM and runs the compliance checks against it at time now.
func Analyze(certPEM []byte, now time.Time) (*Analysis, error) {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}
	return AnalyzeCertificate(cert, now), nil
}

// AnalyzeCertificate runs the compliance checks against an already parsed certificate.
func AnalyzeCertificate(cert *x509.Certificate, now time.Time) *Analysis {
	a := &Analysis{
		CommonName:         cert.Subject.CommonName,
		Issuer:             cert.Issuer.String(),
		SerialNumber:       FormatSerial(cert.SerialNumber),
		ValidFrom:          cert.NotBefore.UTC(),
		ValidTo:            cert.NotAfter.UTC(),
		IsExpired:          now.After(cert.NotAfter),
		DaysToExpiry:       model.DaysBetween(now, cert.NotAfter),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		KeySize:            publicKeySize(cert),
		KeyUsage:           keyUsageNames(cert.KeyUsage),
		ExtendedKeyUsage:   extKeyUsageNames(cert.ExtKeyUsage),
		SubjectAltNames:    subjectAltNames(cert),
		IsCA:               cert.IsCA,
		ComplianceStatus:   make(map[string]bool),
		SecurityIssues:     []string{},
		Recommendations:    []string{},
	}

	risk := 0
	check := func(name string, ok bool, weight int, issue, recommendation string) {
		a.ComplianceStatus[name] = ok
		if ok {
			return
		}
		risk += weight
		a.SecurityIssues = append(a.SecurityIssues, issue)
		if recommendation != "" {
			a.Recommendations = append(a.Recommendations, recommendation)
		}
	}

	check("key_strength", keyStrong(cert, a.KeySize), riskWeakKey,
		fmt.Sprintf("weak %s key (%d bits)", a.PublicKeyAlgorithm, a.KeySize),
		"Reissue with an RSA key of at least 2048 bits or an ECDSA P-256 key")
	check("signature_algorithm", !weakSignature(cert.SignatureAlgorithm), riskWeakSignature,
		"deprecated signature algorithm "+a.SignatureAlgorithm,
		"Reissue with a SHA-256 or stronger signature")
	check("not_expired", !a.IsExpired, riskExpired,
		"certificate expired on "+a.ValidTo.Format(time.RFC3339),
		"Renew the certificate immediately")
	if !a.IsExpired {
		switch {
		case a.DaysToExpiry <= expiryCriticalDays:
			check("expiry_window", false, riskExpiryCritical,
				fmt.Sprintf("certificate expires in %d days", a.DaysToExpiry), "Renew within the next few days")
		case a.DaysToExpiry <= expiryWarningDays:
			check("expiry_window", false, riskExpiryWarning,
				fmt.Sprintf("certificate expires in %d days", a.DaysToExpiry), "Schedule renewal")
		default:
			check("expiry_window", true, 0, "", "")
		}
	}
	if !cert.IsCA {
		validityDays := int(cert.NotAfter.Sub(cert.NotBefore).Hours() / 24)
		check("validity_period", validityDays <= maxLeafValidityDays, riskLongValidity,
			fmt.Sprintf("validity period of %d days exceeds %d", validityDays, maxLeafValidityDays),
			"Use shorter-lived certificates")
		check("subject_alt_names", len(a.SubjectAltNames) > 0, riskMissingSAN,
			"no subject alternative names", "Include the common name as a DNS SAN")
		check("issuer_trust", !isSelfSigned(cert), riskSelfSignedLeaf,
			"self-signed end-entity certificate", "Issue from a managed CA")
		check("key_usage", cert.KeyUsage != 0, riskMissingKeyUsage,
			"no key usage extension", "")
	}

	if risk > 100 {
		risk = 100
	}
	a.RiskScore = risk
	a.OverallStatus = overallStatus(a, risk)
	return a
}

func overallStatus(a *Analysis, risk int) string {
	switch {
	case a.IsExpired:
		return string(model.StatusExpired)
	case risk >= 50:
		return "critical"
	case risk > 0:
		return "warning"
	default:
		return overallStatusHealthy
	}
}

func publicKeySize(cert *x509.Certificate) int {
	switch k := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return k.N.BitLen()
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case ed25519.PublicKey:
		return 256
	}
	return 0
}

func keyStrong(cert *x509.Certificate, bits int) bool {
	switch cert.PublicKeyAlgorithm {
	case x509.RSA:
		return bits >= minRSAKeyBits
	case x509.ECDSA:
		return bits >= minECKeyBits
	case x509.Ed25519:
		return true
	}
	return false
}

func weakSignature(alg x509.SignatureAlgorithm) bool {
	switch alg {
	case x509.MD2WithRSA, x509.MD5WithRSA, x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1:
		return true
	}
	return false
}

func isSelfSigned(cert *x509.Certificate) bool {
	if cert.Subject.String() != cert.Issuer.String() {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

func subjectAltNames(cert *x509.Certificate) []string {
	names := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses)+len(cert.EmailAddresses))
	names = append(names, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		names = append(names, ip.String())
	}
	names = append(names, cert.EmailAddresses...)
	for _, u := range cert.URIs {
		names = append(names, u.String())
	}
	return names
}

var keyUsageLabels = []struct {
	usage x509.KeyUsage
	name  string
}{
	{x509.KeyUsageDigitalSignature, "digital_signature"},
	{x509.KeyUsageContentCommitment, "content_commitment"},
	{x509.KeyUsageKeyEncipherment, "key_encipherment"},
	{x509.KeyUsageDataEncipherment, "data_encipherment"},
	{x509.KeyUsageKeyAgreement, "key_agreement"},
	{x509.KeyUsageCertSign, "key_cert_sign"},
	{x509.KeyUsageCRLSign, "crl_sign"},
	{x509.KeyUsageEncipherOnly, "encipher_only"},
	{x509.KeyUsageDecipherOnly, "decipher_only"},
}

func keyUsageNames(ku x509.KeyUsage) []string {
	names := []string{}
	for _, l := range keyUsageLabels {
		if ku&l.usage != 0 {
			names = append(names, l.name)
		}
	}
	return names
}

func extKeyUsageNames(ekus []x509.ExtKeyUsage) []string {
	names := make([]string, 0, len(ekus))
	for _, eku := range ekus {
		switch eku {
		case x509.ExtKeyUsageServerAuth:
			names = append(names, "server_auth")
		case x509.ExtKeyUsageClientAuth:
			names = append(names, "client_auth")
		case x509.ExtKeyUsageCodeSigning:
			names = append(names, "code_signing")
		case x509.ExtKeyUsageEmailProtection:
			names = append(names, "email_protection")
		case x509.ExtKeyUsageTimeStamping:
			names = append(names, "time_stamping")
		case x509.ExtKeyUsageOCSPSigning:
			names = append(names, "ocsp_signing")
		default:
			names = append(names, strings.ToLower(fmt.Sprintf("eku_%d", eku)))
		}
	}
	return names
}
