package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/certutil"
	"github.com/blockadesystems/certfleet/internal/model"
)

var logger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("provider: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "provider"))
}

// DefaultRevocationReason is used when the caller gives no reason.
const DefaultRevocationReason = "unspecified"

// Provider is the capability every CA backend implements.
type Provider interface {
	Name() model.CAProvider
	// Connect acquires the adapter's network session. It must be called before first use.
	Connect(ctx context.Context) error
	// Close releases the session. The adapter may be connected again afterwards.
	Close() error
	Issue(ctx context.Context, req *IssueRequest) (*CertificateResult, error)
	Revoke(ctx context.Context, identifier, reason string) (*RevocationResult, error)
	Fetch(ctx context.Context, identifier string) (*CertificateResult, error)
	List(ctx context.Context) ([]string, error)
}

// HealthChecker is implemented by providers that can report reachability cheaply.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// CAInspector is implemented by providers that expose their own CA certificates (Vault mounts).
type CAInspector interface {
	CAMounts(ctx context.Context) ([]CAMount, error)
}

// IssueRequest is the provider-neutral issuance request.
type IssueRequest struct {
	CommonName         string
	AltNames           []string
	Organization       string
	OrganizationalUnit string
	CertificateType    model.CertificateType
	Validity           time.Duration // Zero selects the provider default
	CSR                string        // PEM; generated by commercial adapters when empty
	Role               string        // Vault role override
	Metadata           map[string]any
}

// CertificateResult is the provider-neutral view of a certificate or pending order.
type CertificateResult struct {
	Identifier     string         `json:"identifier"` // What Revoke and Fetch accept for this provider
	SerialNumber   string         `json:"serial_number,omitempty"`
	Status         model.Status   `json:"status"`
	CertificatePEM string         `json:"certificate_pem,omitempty"`
	PrivateKeyPEM  string         `json:"-"`
	CAChain        []string       `json:"ca_chain,omitempty"`
	IssuedAt       *time.Time     `json:"issued_at,omitempty"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	RevokedAt      *time.Time     `json:"revoked_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RevocationResult reports the outcome of a revoke call.
type RevocationResult struct {
	Identifier     string       `json:"identifier"`
	Status         model.Status `json:"status"`
	Reason         string       `json:"reason"`
	RevokedAt      time.Time    `json:"revoked_at"`
	AlreadyRevoked bool         `json:"already_revoked"`
}

// CAMount describes one issuing CA exposed by a provider.
type CAMount struct {
	Mount        string    `json:"mount"`
	CommonName   string    `json:"common_name"`
	SerialNumber string    `json:"serial_number"`
	NotAfter     time.Time `json:"not_after"`
	Error        string    `json:"error,omitempty"`
}

// ProviderError is any non-success answer from a remote CA.
type ProviderError struct {
	Provider   model.CAProvider
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// ErrorKind maps a 404 to not_found so dispatch reports it distinctly from provider failures.
func (e *ProviderError) ErrorKind() apperr.Kind {
	if e.StatusCode == http.StatusNotFound {
		return apperr.KindNotFound
	}
	return apperr.KindProvider
}

// IsNotFound reports whether err is a provider-side 404.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

// transportError converts a failed round trip into a ProviderError. Timeouts become 504.
func transportError(name model.CAProvider, err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ProviderError{Provider: name, StatusCode: http.StatusGatewayTimeout, Message: "request timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Provider: name, Message: "request canceled"}
	}
	return &ProviderError{Provider: name, StatusCode: http.StatusServiceUnavailable, Message: err.Error()}
}

// NormalizeReason canonicalizes a revocation reason to lower-case hyphenated form.
func NormalizeReason(reason string) string {
	r := strings.TrimSpace(reason)
	if r == "" {
		return DefaultRevocationReason
	}
	if strings.ToUpper(r) == r {
		r = strings.ToLower(r)
	}
	// keyCompromise -> key-compromise
	var b strings.Builder
	for i, c := range r {
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(c + ('a' - 'A'))
			continue
		}
		if c == '_' || c == ' ' {
			b.WriteByte('-')
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// validityDays returns the validity rounded up to whole days, or 0 when unset.
func validityDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

// validityMonths converts a validity to whole 30-day months, rounding up, minimum 1.
func validityMonths(d time.Duration, fallback int) int {
	days := validityDays(d)
	if days == 0 {
		return fallback
	}
	return max(1, int(math.Ceil(float64(days)/30)))
}

// validityYears converts a validity to whole 365-day years, rounding up, minimum 1.
func validityYears(d time.Duration, fallback int) int {
	days := validityDays(d)
	if days == 0 {
		return fallback
	}
	return max(1, int(math.Ceil(float64(days)/365)))
}

// ensureCSR fills req.CSR with a generated one when the caller supplied none, returning the new key PEM.
func ensureCSR(req *IssueRequest) (string, error) {
	if strings.TrimSpace(req.CSR) != "" {
		return "", nil
	}
	csrPEM, keyPEM, err := certutil.GenerateCSR(certutil.CSRRequest{
		CommonName:         req.CommonName,
		AltNames:           req.AltNames,
		Organization:       req.Organization,
		OrganizationalUnit: req.OrganizationalUnit,
	})
	if err != nil {
		return "", err
	}
	req.CSR = string(csrPEM)
	return string(keyPEM), nil
}

// completeFromPEM fills serial and validity from the certificate PEM when the provider did not return them.
func completeFromPEM(res *CertificateResult) {
	if res.CertificatePEM == "" {
		return
	}
	cert, err := certutil.ParseCertificate([]byte(res.CertificatePEM))
	if err != nil {
		logger.Warn("Provider returned unparsable certificate PEM", zap.String("identifier", res.Identifier), zap.Error(err))
		return
	}
	if res.SerialNumber == "" {
		res.SerialNumber = certutil.FormatSerial(cert.SerialNumber)
	}
	if res.IssuedAt == nil {
		t := cert.NotBefore.UTC()
		res.IssuedAt = &t
	}
	if res.ExpiresAt == nil {
		t := cert.NotAfter.UTC()
		res.ExpiresAt = &t
	}
}

// remoteStatus maps the free-form status strings commercial CAs use onto the local state machine.
func remoteStatus(s string) model.Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "issued", "active", "approved", "valid", "completed":
		return model.StatusIssued
	case "revoked":
		return model.StatusRevoked
	case "expired":
		return model.StatusExpired
	case "suspended", "on_hold":
		return model.StatusSuspended
	default:
		return model.StatusPending
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func nowUTC() time.Time { return time.Now().UTC() }
