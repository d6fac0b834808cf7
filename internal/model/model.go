package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CAProvider names a certificate authority backend. Dispatch routes by this tag.
type CAProvider string

const (
	ProviderInternalPKI CAProvider = "internal-pki" // Vault PKI secrets engine
	ProviderGlobalSign  CAProvider = "globalsign"
	ProviderDigiCert    CAProvider = "digicert"
	ProviderEntrust     CAProvider = "entrust"
)

// AllProviders lists every provider tag in registration order.
var AllProviders = []CAProvider{ProviderInternalPKI, ProviderGlobalSign, ProviderDigiCert, ProviderEntrust}

// ParseCAProvider normalizes a provider name. "vault" is accepted as an alias of internal-pki.
func ParseCAProvider(s string) (CAProvider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "internal-pki", "internal_pki", "vault":
		return ProviderInternalPKI, nil
	case "globalsign":
		return ProviderGlobalSign, nil
	case "digicert":
		return ProviderDigiCert, nil
	case "entrust":
		return ProviderEntrust, nil
	}
	return "", fmt.Errorf("unknown CA provider %q", s)
}

// ToolPrefix is the prefix used for per-provider tool aliases.
func (p CAProvider) ToolPrefix() string {
	if p == ProviderInternalPKI {
		return "vault"
	}
	return string(p)
}

// CertificateType classifies what a certificate is used for.
type CertificateType string

const (
	TypeSSL         CertificateType = "ssl"
	TypeCodeSigning CertificateType = "code-signing"
	TypeEmail       CertificateType = "email"
	TypeUserAuth    CertificateType = "user-auth"
	TypeDevice      CertificateType = "device"
)

// ParseCertificateType normalizes a certificate type; empty defaults to ssl.
func ParseCertificateType(s string) (CertificateType, error) {
	v := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	switch CertificateType(v) {
	case "":
		return TypeSSL, nil
	case TypeSSL, TypeCodeSigning, TypeEmail, TypeUserAuth, TypeDevice:
		return CertificateType(v), nil
	}
	return "", fmt.Errorf("unknown certificate type %q", s)
}

// Status is the lifecycle state of a certificate.
type Status string

const (
	StatusPending   Status = "pending"
	StatusIssued    Status = "issued"
	StatusActive    Status = "active"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusIssued, StatusActive, StatusRevoked, StatusExpired, StatusSuspended:
		return st, nil
	}
	return "", fmt.Errorf("unknown certificate status %q", s)
}

// IsTerminal reports whether no further transitions leave this status.
func (s Status) IsTerminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// allowedTransitions holds the forward edges of the certificate state machine.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusIssued, StatusRevoked},
	StatusIssued:    {StatusActive, StatusRevoked, StatusExpired},
	StatusActive:    {StatusSuspended, StatusRevoked, StatusExpired},
	StatusSuspended: {StatusActive, StatusRevoked, StatusExpired},
}

// TransitionKind is the outcome of checking a requested status change.
type TransitionKind int

const (
	TransitionApply   TransitionKind = iota // write the new status
	TransitionNoop                          // same state or terminal source: succeed without writing
	TransitionInvalid                       // reject
)

// CheckTransition decides what a status change from -> to should do.
// Transitions out of a terminal state are a no-op so that retried revocations stay safe.
func CheckTransition(from, to Status) TransitionKind {
	if from == to || from.IsTerminal() {
		return TransitionNoop
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return TransitionApply
		}
	}
	return TransitionInvalid
}

// Certificate is the stored record of one certificate, whatever CA issued it.
type Certificate struct {
	ID                 int64           `json:"-" db:"id"`                                  // Internal numeric id, ordering tie-breaker
	CertificateID      string          `json:"certificate_id" db:"certificate_id"`         // Provider-assigned or generated, unique
	SerialNumber       string          `json:"serial_number,omitempty" db:"serial_number"` // CA-assigned, empty until issuance completes
	CommonName         string          `json:"common_name" db:"common_name"`               // Required
	Organization       string          `json:"organization,omitempty" db:"organization"`
	OrganizationalUnit string          `json:"organizational_unit,omitempty" db:"organizational_unit"`
	CAProvider         CAProvider      `json:"ca_provider" db:"ca_provider"`
	CertificateType    CertificateType `json:"certificate_type" db:"certificate_type"`
	Status             Status          `json:"status" db:"status"`
	CertificatePEM     string          `json:"certificate_pem,omitempty" db:"certificate_pem"`
	PrivateKeyPEM      string          `json:"private_key_pem,omitempty" db:"private_key_pem"` // Only when the flow produced key material
	CAChain            []string        `json:"ca_chain,omitempty" db:"ca_chain"`               // Ordered PEM blocks
	AltNames           []string        `json:"alt_names,omitempty" db:"alt_names"`
	ValidityDays       int             `json:"validity_period,omitempty" db:"validity_period"` // Requested validity in days
	IssuedAt           *time.Time      `json:"issued_at,omitempty" db:"issued_at"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt          *time.Time      `json:"revoked_at,omitempty" db:"revoked_at"` // Set iff Status == revoked
	RevocationReason   string          `json:"revocation_reason,omitempty" db:"revocation_reason"`
	Metadata           map[string]any  `json:"metadata,omitempty" db:"metadata"` // Provider-specific extension data (JSONB)
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Validate checks the record-level invariants.
func (c *Certificate) Validate() error {
	if c.CertificateID == "" {
		return errors.New("certificate_id is required")
	}
	if strings.TrimSpace(c.CommonName) == "" {
		return errors.New("common_name is required")
	}
	if _, err := ParseStatus(string(c.Status)); err != nil {
		return err
	}
	if (c.Status == StatusRevoked) != (c.RevokedAt != nil) {
		return errors.New("revoked_at must be set if and only if status is revoked")
	}
	if c.IssuedAt != nil && c.ExpiresAt != nil && !c.ExpiresAt.After(*c.IssuedAt) {
		return errors.New("expires_at must be after issued_at")
	}
	return nil
}

// DaysUntilExpiry returns whole days until expiry (negative once expired) and false when no expiry is known.
func (c *Certificate) DaysUntilExpiry(now time.Time) (int, bool) {
	if c.ExpiresAt == nil {
		return 0, false
	}
	return DaysBetween(now, *c.ExpiresAt), true
}

// DaysBetween returns the number of whole days from now until t, truncated toward zero.
func DaysBetween(now, t time.Time) int {
	return int(t.Sub(now).Hours() / 24)
}

// Redacted returns a copy without private key material, for caching and listing.
func (c *Certificate) Redacted() *Certificate {
	cp := *c
	cp.PrivateKeyPEM = ""
	return &cp
}

// OperationType names the kind of audited operation.
type OperationType string

const (
	OperationIssue        OperationType = "issue"
	OperationRevoke       OperationType = "revoke"
	OperationStatusUpdate OperationType = "status_update"
	OperationAnalyze      OperationType = "analyze"
)

// Operation is an append-only audit record. It is never updated or deleted.
type Operation struct {
	ID            int64           `json:"id" db:"id"`
	CertificateID string          `json:"certificate_id" db:"certificate_id"` // May reference a certificate that was never persisted (failed issue)
	OperationType OperationType   `json:"operation_type" db:"operation_type"`
	OperationData json.RawMessage `json:"operation_data,omitempty" db:"operation_data"` // Request snapshot
	Result        json.RawMessage `json:"result,omitempty" db:"result"`                 // Response snapshot
	ErrorMessage  string          `json:"error_message,omitempty" db:"error_message"`
	PerformedAt   time.Time       `json:"performed_at" db:"performed_at"`
	PerformedBy   string          `json:"performed_by" db:"performed_by"`
}

// NewOperation builds an Operation, marshaling the snapshots. Unmarshalable snapshots are recorded as null.
func NewOperation(certificateID string, opType OperationType, data, result any, errMsg, performedBy string) *Operation {
	op := &Operation{
		CertificateID: certificateID,
		OperationType: opType,
		ErrorMessage:  errMsg,
		PerformedBy:   performedBy,
	}
	if performedBy == "" {
		op.PerformedBy = "system"
	}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			op.OperationData = b
		}
	}
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			op.Result = b
		}
	}
	return op
}

// ProviderConfig is the per-provider activation row. Credentials never live here; they come from the environment.
type ProviderConfig struct {
	ProviderName  CAProvider     `json:"provider_name" db:"provider_name"`
	IsActive      bool           `json:"is_active" db:"is_active"`
	Endpoint      string         `json:"api_endpoint,omitempty" db:"-"` // Mirrored into Configuration["endpoint"]
	Configuration map[string]any `json:"configuration,omitempty" db:"provider_config"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}
