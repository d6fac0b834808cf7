package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/config"
	"github.com/blockadesystems/certfleet/internal/model"
)

var logger *zap.Logger

// init initializes the package logger.
func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

const (
	DefaultInventoryLimit = 100
	MaxInventoryLimit     = 1000
	DefaultOperationLimit = 100
)

// --- Interfaces ---

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
// This allows storage helpers to work with either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage defines the interface for certificates, their audit log and provider activation.
type Storage interface {
	// Certificate Methods
	SaveCertificate(ctx context.Context, cert *model.Certificate, op *model.Operation) error // INSERT only, op is recorded best-effort
	GetCertificate(ctx context.Context, lookup Lookup) (*model.Certificate, error)          // nil, nil when absent
	ListCertificates(ctx context.Context, query InventoryQuery) (*InventoryPage, error)
	UpdateCertificateStatus(ctx context.Context, update StatusUpdate) (*StatusUpdateResult, error)
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*model.Certificate, error)

	// Operation (audit) Methods. There is deliberately no update or delete.
	RecordOperation(ctx context.Context, op *model.Operation) error
	ListOperations(ctx context.Context, certificateID string, limit int) ([]*model.Operation, error)

	// Provider Config Methods
	UpsertProviderConfig(ctx context.Context, cfg *model.ProviderConfig) error
	GetProviderConfig(ctx context.Context, name string) (*model.ProviderConfig, error) // nil, nil when absent
	ListProviderConfigs(ctx context.Context) ([]*model.ProviderConfig, error)
	EnsureProviderConfig(ctx context.Context, name string, endpoint string) error // INSERT if missing, active

	// API Key Methods
	SaveAPIKey(ctx context.Context, apiKey string, roles []string) error // UPSERT
	GetAPIKey(ctx context.Context, apiKey string) ([]string, error)

	Ping(ctx context.Context) error

	// Transaction Helper
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error

	Close() error
}

// Lookup identifies one certificate by exactly one of its keys.
type Lookup struct {
	CertificateID string `json:"certificate_id,omitempty"`
	SerialNumber  string `json:"serial_number,omitempty"`
}

// Validate rejects a lookup carrying both keys or neither.
func (l Lookup) Validate(op string) error {
	hasID := strings.TrimSpace(l.CertificateID) != ""
	hasSerial := strings.TrimSpace(l.SerialNumber) != ""
	if hasID == hasSerial {
		return apperr.New(op, apperr.KindConflict, apperr.ErrAmbiguousLookup)
	}
	return nil
}

func (l Lookup) String() string {
	if l.CertificateID != "" {
		return "certificate_id=" + l.CertificateID
	}
	return "serial_number=" + l.SerialNumber
}

// InventoryQuery filters and pages the certificate inventory. Zero fields do not filter.
type InventoryQuery struct {
	CAProvider   model.CAProvider `json:"ca_provider,omitempty"`
	Status       model.Status     `json:"status,omitempty"`
	CommonName   string           `json:"common_name,omitempty"`
	Organization string           `json:"organization,omitempty"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

// Normalize applies the default limit and rejects out-of-range paging.
func (q *InventoryQuery) Normalize() error {
	if q.Limit == 0 {
		q.Limit = DefaultInventoryLimit
	}
	if q.Limit < 1 || q.Limit > MaxInventoryLimit {
		return apperr.Validation("get_certificate_inventory", "limit must be between 1 and %d", MaxInventoryLimit)
	}
	if q.Offset < 0 {
		return apperr.Validation("get_certificate_inventory", "offset must not be negative")
	}
	return nil
}

// InventoryPage is one page of certificates plus the total matching count.
type InventoryPage struct {
	Certificates []*model.Certificate `json:"certificates"`
	Total        int                  `json:"total"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

// Material carries certificate content learned when a pending issuance completes.
type Material struct {
	SerialNumber   string     `json:"serial_number,omitempty"`
	CertificatePEM string     `json:"-"`
	PrivateKeyPEM  string     `json:"-"`
	CAChain        []string   `json:"-"`
	IssuedAt       *time.Time `json:"issued_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// StatusUpdate is a request to move one certificate to a new status.
type StatusUpdate struct {
	Lookup
	Status        model.Status
	Reason        string              // Revocation reason when Status is revoked
	RevokedAt     *time.Time          // Provider-reported revocation time; now when nil
	Material      *Material           // Optional content patch
	PerformedBy   string              // Recorded on the audit row
	OperationType model.OperationType // Defaults to status_update
	OperationData any                 // Request snapshot for the audit row; a summary is built when nil
}

// StatusUpdateResult reports what UpdateCertificateStatus did.
type StatusUpdateResult struct {
	Certificate    *model.Certificate `json:"certificate"`
	PreviousStatus model.Status       `json:"previous_status"`
	Changed        bool               `json:"changed"`
	AuditRecorded  bool               `json:"audit_recorded"`
}

// NewStorage is the factory function.
func NewStorage(cfg *config.Config) (Storage, error) {
	switch strings.ToLower(cfg.StorageType) {
	case "postgres":
		return NewPostgreSQLStorage(cfg)
	case "memory":
		logger.Warn("Using in-memory storage; data is lost on restart")
		return NewMemoryStorage(), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", cfg.StorageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", cfg.StorageType)
	}
}

// checkTransition resolves an update against the current row. It returns false with a nil error for no-ops.
func checkTransition(op string, cert *model.Certificate, update StatusUpdate) (bool, error) {
	switch model.CheckTransition(cert.Status, update.Status) {
	case model.TransitionNoop:
		return false, nil
	case model.TransitionInvalid:
		return false, apperr.New(op, apperr.KindValidation,
			fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, cert.Status, update.Status))
	}
	return true, nil
}

// applyStatusUpdate mutates cert in place for an accepted transition.
func applyStatusUpdate(cert *model.Certificate, update StatusUpdate, now time.Time) {
	cert.Status = update.Status
	cert.UpdatedAt = now
	if update.Status == model.StatusRevoked {
		revokedAt := now
		if update.RevokedAt != nil {
			revokedAt = update.RevokedAt.UTC()
		}
		cert.RevokedAt = &revokedAt
		cert.RevocationReason = update.Reason
		if cert.RevocationReason == "" {
			cert.RevocationReason = "unspecified"
		}
	}
	if m := update.Material; m != nil {
		if m.SerialNumber != "" {
			cert.SerialNumber = m.SerialNumber
		}
		if m.CertificatePEM != "" {
			cert.CertificatePEM = m.CertificatePEM
		}
		if m.PrivateKeyPEM != "" {
			cert.PrivateKeyPEM = m.PrivateKeyPEM
		}
		if len(m.CAChain) > 0 {
			cert.CAChain = m.CAChain
		}
		if m.IssuedAt != nil {
			cert.IssuedAt = m.IssuedAt
		}
		if m.ExpiresAt != nil {
			cert.ExpiresAt = m.ExpiresAt
		}
	}
	if update.Status == model.StatusIssued && cert.IssuedAt == nil {
		cert.IssuedAt = &now
	}
}

// statusOperation builds the audit row for an applied update.
func statusOperation(cert *model.Certificate, previous model.Status, update StatusUpdate, now time.Time) *model.Operation {
	opType := update.OperationType
	if opType == "" {
		opType = model.OperationStatusUpdate
	}
	data := update.OperationData
	if data == nil {
		summary := map[string]any{"status": update.Status, "previous_status": previous}
		if update.Reason != "" {
			summary["reason"] = update.Reason
		}
		if update.Material != nil {
			summary["material"] = update.Material
		}
		data = summary
	}
	result := map[string]any{
		"certificate_id": cert.CertificateID,
		"status":         cert.Status,
		"revoked_at":     cert.RevokedAt,
	}
	op := model.NewOperation(cert.CertificateID, opType, data, result, "", update.PerformedBy)
	op.PerformedAt = now
	return op
}
