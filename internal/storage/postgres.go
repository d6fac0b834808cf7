package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq" // Import the PostgreSQL driver AND helpers like pq.Array
	"go.uber.org/zap"

	"github.com/blockadesystems/certfleet/internal/apperr"
	"github.com/blockadesystems/certfleet/internal/config"
	"github.com/blockadesystems/certfleet/internal/model"
)

// --- PostgreSQL Implementation ---

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db          *sql.DB
	waitTimeout time.Duration // Bounds every call, pool acquisition included
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	tx *sql.Tx
}

// Ensure PostgreSQLStorage implements Storage (compile-time check).
var _ Storage = (*PostgreSQLStorage)(nil)

// Ensure postgresTxStore implements Storage (compile-time check).
var _ Storage = (*postgresTxStore)(nil)

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures schema exists.
func NewPostgreSQLStorage(cfg *config.Config) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode,
	)
	// Add optional SSL params
	if cfg.DBCert != "" {
		connStr += " sslcert=" + cfg.DBCert
	}
	if cfg.DBKey != "" {
		connStr += " sslkey=" + cfg.DBKey
	}
	if cfg.DBRootCert != "" {
		connStr += " sslrootcert=" + cfg.DBRootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Ping database to verify connection
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = db.PingContext(pingCtx)
	if err != nil {
		db.Close() // Close pool if ping fails
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", cfg.DBHost), zap.Int("port", cfg.DBPort), zap.String("dbname", cfg.DBName))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database", zap.String("host", cfg.DBHost), zap.Int("port", cfg.DBPort), zap.String("dbname", cfg.DBName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second) // Longer timeout for DDL
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err // Error already logged in ensureSchema
	}

	logger.Info("PostgreSQLStorage initialized")
	return NewPostgreSQLStorageFromDB(db, cfg.DBPoolWaitTimeout), nil
}

// NewPostgreSQLStorageFromDB wraps an existing pool without touching the schema.
func NewPostgreSQLStorageFromDB(db *sql.DB, waitTimeout time.Duration) *PostgreSQLStorage {
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Second
	}
	return &PostgreSQLStorage{db: db, waitTimeout: waitTimeout}
}

// schemaStatements creates tables, indexes and the audit trigger function if they don't exist.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS certificates (
            id BIGSERIAL PRIMARY KEY,
            certificate_id TEXT NOT NULL UNIQUE,
            serial_number TEXT,
            common_name TEXT NOT NULL,
            organization TEXT,
            organizational_unit TEXT,
            ca_provider TEXT NOT NULL,
            certificate_type TEXT NOT NULL DEFAULT 'ssl',
            status TEXT NOT NULL,
            certificate_pem TEXT,
            private_key_pem TEXT,
            ca_chain TEXT[] NOT NULL DEFAULT '{}',
            alt_names TEXT[] NOT NULL DEFAULT '{}',
            validity_period INTEGER,
            issued_at TIMESTAMP WITH TIME ZONE,
            expires_at TIMESTAMP WITH TIME ZONE,
            revoked_at TIMESTAMP WITH TIME ZONE,
            revocation_reason TEXT,
            metadata JSONB NOT NULL DEFAULT '{}',
            created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
            CONSTRAINT certificates_status_check CHECK (status IN ('pending','issued','active','revoked','expired','suspended')),
            CONSTRAINT certificates_provider_check CHECK (ca_provider IN ('internal-pki','globalsign','digicert','entrust')),
            CONSTRAINT certificates_type_check CHECK (certificate_type IN ('ssl','code-signing','email','user-auth','device')),
            CONSTRAINT certificates_revoked_at_check CHECK ((status = 'revoked') = (revoked_at IS NOT NULL)),
            CONSTRAINT certificates_validity_check CHECK (issued_at IS NULL OR expires_at IS NULL OR expires_at > issued_at)
        );`,
	`CREATE INDEX IF NOT EXISTS idx_certificates_serial_number ON certificates (lower(serial_number));`,
	`CREATE INDEX IF NOT EXISTS idx_certificates_provider_status ON certificates (ca_provider, status);`,
	`CREATE INDEX IF NOT EXISTS idx_certificates_created_at ON certificates (created_at DESC, id ASC);`,
	`CREATE INDEX IF NOT EXISTS idx_certificates_expires_at ON certificates (expires_at) WHERE status IN ('issued','active','suspended');`,
	// No foreign key: a failed issue is audited before any certificate row exists.
	`CREATE TABLE IF NOT EXISTS certificate_operations (
            id BIGSERIAL PRIMARY KEY,
            certificate_id TEXT NOT NULL,
            operation_type TEXT NOT NULL CHECK (operation_type IN ('issue','revoke','status_update','analyze')),
            operation_data JSONB,
            result JSONB,
            error_message TEXT,
            performed_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
            performed_by TEXT NOT NULL
        );`,
	`CREATE INDEX IF NOT EXISTS idx_certificate_operations_certificate_id ON certificate_operations (certificate_id, performed_at DESC);`,
	`CREATE TABLE IF NOT EXISTS ca_providers (
            provider_name TEXT PRIMARY KEY,
            is_active BOOLEAN NOT NULL DEFAULT true,
            provider_config JSONB NOT NULL DEFAULT '{}',
            created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS api_keys ( api_key TEXT PRIMARY KEY, roles TEXT[] NOT NULL );`,
	`CREATE OR REPLACE FUNCTION certificate_operations_append_only() RETURNS trigger AS $$
        BEGIN
            RAISE EXCEPTION 'certificate_operations is append-only';
        END;
        $$ LANGUAGE plpgsql;`,
}

// auditTriggerStatement installs the append-only trigger once.
const auditTriggerStatement = `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_certificate_operations_append_only') THEN
                CREATE TRIGGER trg_certificate_operations_append_only
                    BEFORE UPDATE OR DELETE ON certificate_operations
                    FOR EACH ROW EXECUTE FUNCTION certificate_operations_append_only();
            END IF;
        END $$;`

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	// Phase 1: Create Tables and Indexes
	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range schemaStatements {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			logger.Error("Failed to execute schema statement (Table/Index Phase)", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema (Table/Index Phase): %w", err)
		}
	}
	logger.Info("Table and index creation phase complete.")

	// Phase 2: Append-only trigger on the audit log
	logger.Info("Executing audit trigger statement...")
	if _, err := db.ExecContext(ctx, auditTriggerStatement); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			logger.Error("Failed to create audit trigger", zap.Error(err),
				zap.String("severity", pqErr.Severity),
				zap.String("code", string(pqErr.Code)),
				zap.String("message", pqErr.Message),
				zap.String("detail", pqErr.Detail),
				zap.String("hint", pqErr.Hint),
			)
		} else {
			logger.Error("Failed to execute schema statement (Trigger Phase)", zap.Error(err), zap.String("statement", "DO $$ ... $$"))
		}
		return fmt.Errorf("storage: failed to initialize database schema (Trigger Phase): %w", err)
	}

	logger.Info("Database schema initialization check complete.")
	return nil
}

// =============================================
// PostgreSQLStorage Method Implementations
// =============================================

// bound applies the pool-wait timeout so a saturated pool surfaces as an error instead of a hang.
func (s *PostgreSQLStorage) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.waitTimeout)
}

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", fmt.Errorf("storage: ping failed: %w", err))
	}
	return nil
}

// WithinTransaction executes the given function within a database transaction.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin", fmt.Errorf("storage: failed to begin transaction: %w", err))
	}
	txStore := &postgresTxStore{tx: tx}
	err = fn(ctx, txStore)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("storage: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		logger.Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit transaction", zap.Error(err))
		return storeErr("commit", fmt.Errorf("storage: failed to commit transaction: %w", err))
	}
	return nil
}

// --- Certificates ---
func (s *PostgreSQLStorage) SaveCertificate(ctx context.Context, cert *model.Certificate, op *model.Operation) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.WithinTransaction(ctx, func(ctx context.Context, tx Storage) error {
		return tx.SaveCertificate(ctx, cert, op)
	})
}
func (s *PostgreSQLStorage) GetCertificate(ctx context.Context, lookup Lookup) (*model.Certificate, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return getCertificate(ctx, s.db, lookup, false)
}
func (s *PostgreSQLStorage) ListCertificates(ctx context.Context, query InventoryQuery) (*InventoryPage, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return listCertificates(ctx, s.db, query)
}
func (s *PostgreSQLStorage) UpdateCertificateStatus(ctx context.Context, update StatusUpdate) (*StatusUpdateResult, error) {
	if err := update.Lookup.Validate("update_certificate_status"); err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var result *StatusUpdateResult
	err := s.WithinTransaction(ctx, func(ctx context.Context, tx Storage) error {
		var err error
		result, err = tx.UpdateCertificateStatus(ctx, update)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
func (s *PostgreSQLStorage) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*model.Certificate, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return listExpiring(ctx, s.db, before, limit)
}

// --- Operations ---
func (s *PostgreSQLStorage) RecordOperation(ctx context.Context, op *model.Operation) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return recordOperation(ctx, s.db, op)
}
func (s *PostgreSQLStorage) ListOperations(ctx context.Context, certificateID string, limit int) ([]*model.Operation, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return listOperations(ctx, s.db, certificateID, limit)
}

// --- Provider Configs ---
func (s *PostgreSQLStorage) UpsertProviderConfig(ctx context.Context, cfg *model.ProviderConfig) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return upsertProviderConfig(ctx, s.db, cfg)
}
func (s *PostgreSQLStorage) GetProviderConfig(ctx context.Context, name string) (*model.ProviderConfig, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return getProviderConfig(ctx, s.db, name)
}
func (s *PostgreSQLStorage) ListProviderConfigs(ctx context.Context) ([]*model.ProviderConfig, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return listProviderConfigs(ctx, s.db)
}
func (s *PostgreSQLStorage) EnsureProviderConfig(ctx context.Context, name string, endpoint string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return ensureProviderConfig(ctx, s.db, name, endpoint)
}

// --- API Keys ---
func (s *PostgreSQLStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return saveAPIKey(ctx, s.db, apiKey, roles)
}
func (s *PostgreSQLStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return getAPIKey(ctx, s.db, apiKey)
}

// =============================================
// postgresTxStore Method Implementations
// =============================================

// Close is a no-op for transaction store.
func (s *postgresTxStore) Close() error { return nil }

// Ping is a no-op inside a transaction; the connection is already held.
func (s *postgresTxStore) Ping(ctx context.Context) error { return nil }

// WithinTransaction for txStore just executes the function with itself.
func (s *postgresTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return fn(ctx, s)
}

func (s *postgresTxStore) SaveCertificate(ctx context.Context, cert *model.Certificate, op *model.Operation) error {
	return saveCertificate(ctx, s.tx, cert, op)
}
func (s *postgresTxStore) GetCertificate(ctx context.Context, lookup Lookup) (*model.Certificate, error) {
	return getCertificate(ctx, s.tx, lookup, false)
}
func (s *postgresTxStore) ListCertificates(ctx context.Context, query InventoryQuery) (*InventoryPage, error) {
	return listCertificates(ctx, s.tx, query)
}
func (s *postgresTxStore) UpdateCertificateStatus(ctx context.Context, update StatusUpdate) (*StatusUpdateResult, error) {
	return updateCertificateStatus(ctx, s.tx, update, time.Now().UTC())
}
func (s *postgresTxStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*model.Certificate, error) {
	return listExpiring(ctx, s.tx, before, limit)
}
func (s *postgresTxStore) RecordOperation(ctx context.Context, op *model.Operation) error {
	return recordOperation(ctx, s.tx, op)
}
func (s *postgresTxStore) ListOperations(ctx context.Context, certificateID string, limit int) ([]*model.Operation, error) {
	return listOperations(ctx, s.tx, certificateID, limit)
}
func (s *postgresTxStore) UpsertProviderConfig(ctx context.Context, cfg *model.ProviderConfig) error {
	return upsertProviderConfig(ctx, s.tx, cfg)
}
func (s *postgresTxStore) GetProviderConfig(ctx context.Context, name string) (*model.ProviderConfig, error) {
	return getProviderConfig(ctx, s.tx, name)
}
func (s *postgresTxStore) ListProviderConfigs(ctx context.Context) ([]*model.ProviderConfig, error) {
	return listProviderConfigs(ctx, s.tx)
}
func (s *postgresTxStore) EnsureProviderConfig(ctx context.Context, name string, endpoint string) error {
	return ensureProviderConfig(ctx, s.tx, name, endpoint)
}
func (s *postgresTxStore) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	return saveAPIKey(ctx, s.tx, apiKey, roles)
}
func (s *postgresTxStore) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	return getAPIKey(ctx, s.tx, apiKey)
}

// =============================================
// Querier Helper Functions
// =============================================

func storeErr(op string, err error) error {
	return apperr.New(op, apperr.KindStore, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func jsonOrNull(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// --- Certificate Helpers ---

const certificateColumns = `id, certificate_id, serial_number, common_name, organization, organizational_unit, ca_provider,
        certificate_type, status, certificate_pem, private_key_pem, ca_chain, alt_names, validity_period, issued_at,
        expires_at, revoked_at, revocation_reason, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCertificate(row rowScanner) (*model.Certificate, error) {
	var cert model.Certificate
	var serial, org, ou, certPEM, keyPEM, reason sql.NullString
	var validity sql.NullInt32
	var issuedAt, expiresAt, revokedAt sql.NullTime
	var chain, altNames pq.StringArray
	var metadata []byte
	err := row.Scan(&cert.ID, &cert.CertificateID, &serial, &cert.CommonName, &org, &ou, &cert.CAProvider,
		&cert.CertificateType, &cert.Status, &certPEM, &keyPEM, &chain, &altNames, &validity, &issuedAt,
		&expiresAt, &revokedAt, &reason, &metadata, &cert.CreatedAt, &cert.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cert.SerialNumber = serial.String
	cert.Organization = org.String
	cert.OrganizationalUnit = ou.String
	cert.CertificatePEM = certPEM.String
	cert.PrivateKeyPEM = keyPEM.String
	cert.RevocationReason = reason.String
	cert.ValidityDays = int(validity.Int32)
	cert.CAChain = []string(chain)
	cert.AltNames = []string(altNames)
	cert.IssuedAt = timeFromNull(issuedAt)
	cert.ExpiresAt = timeFromNull(expiresAt)
	cert.RevokedAt = timeFromNull(revokedAt)
	cert.CreatedAt = cert.CreatedAt.UTC()
	cert.UpdatedAt = cert.UpdatedAt.UTC()
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &cert.Metadata); err != nil {
			logger.Warn("Failed to decode certificate metadata", zap.String("certificate_id", cert.CertificateID), zap.Error(err))
		}
	}
	return &cert, nil
}

func saveCertificate(ctx context.Context, q Querier, cert *model.Certificate, op *model.Operation) error {
	if err := cert.Validate(); err != nil {
		return apperr.New("save_certificate", apperr.KindValidation, err)
	}
	now := time.Now().UTC()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	cert.UpdatedAt = cert.CreatedAt
	if cert.CertificateType == "" {
		cert.CertificateType = model.TypeSSL
	}
	metadata := []byte("{}")
	if len(cert.Metadata) > 0 {
		b, err := json.Marshal(cert.Metadata)
		if err != nil {
			return apperr.New("save_certificate", apperr.KindValidation, fmt.Errorf("metadata is not JSON encodable: %w", err))
		}
		metadata = b
	}
	var validity sql.NullInt32
	if cert.ValidityDays > 0 {
		validity = sql.NullInt32{Int32: int32(cert.ValidityDays), Valid: true}
	}

	query := `
        INSERT INTO certificates
            (certificate_id, serial_number, common_name, organization, organizational_unit, ca_provider, certificate_type,
             status, certificate_pem, private_key_pem, ca_chain, alt_names, validity_period, issued_at, expires_at,
             revoked_at, revocation_reason, metadata, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
        RETURNING id`
	err := q.QueryRowContext(ctx, query,
		cert.CertificateID, nullString(cert.SerialNumber), cert.CommonName, nullString(cert.Organization),
		nullString(cert.OrganizationalUnit), string(cert.CAProvider), string(cert.CertificateType), string(cert.Status),
		nullString(cert.CertificatePEM), nullString(cert.PrivateKeyPEM), pq.Array(nonNil(cert.CAChain)),
		pq.Array(nonNil(cert.AltNames)), validity, nullTime(cert.IssuedAt), nullTime(cert.ExpiresAt),
		nullTime(cert.RevokedAt), nullString(cert.RevocationReason), metadata, cert.CreatedAt, cert.UpdatedAt,
	).Scan(&cert.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.New("save_certificate", apperr.KindConflict, fmt.Errorf("certificate '%s' already exists", cert.CertificateID))
		}
		return storeErr("save_certificate", fmt.Errorf("storage: failed to save certificate '%s': %w", cert.CertificateID, err))
	}
	logger.Debug("Certificate saved", zap.String("certificate_id", cert.CertificateID), zap.Int64("id", cert.ID))

	if op != nil {
		if op.PerformedAt.IsZero() {
			op.PerformedAt = now
		}
		recordOperationBestEffort(ctx, q, op)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// getCertificate resolves a lookup. forUpdate locks the row for the rest of the transaction.
func getCertificate(ctx context.Context, q Querier, lookup Lookup, forUpdate bool) (*model.Certificate, error) {
	if err := lookup.Validate("get_certificate"); err != nil {
		return nil, err
	}
	var where string
	var arg string
	if lookup.CertificateID != "" {
		where, arg = "certificate_id = $1", lookup.CertificateID
	} else {
		where, arg = "lower(serial_number) = lower($1)", lookup.SerialNumber
	}
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE ` + where + ` ORDER BY id ASC LIMIT 2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, storeErr("get_certificate", fmt.Errorf("storage: failed to get certificate (%s): %w", lookup, err))
	}
	defer rows.Close()
	var found []*model.Certificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, storeErr("get_certificate", fmt.Errorf("storage: failed to scan certificate row: %w", err))
		}
		found = append(found, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get_certificate", fmt.Errorf("storage: error iterating certificate rows: %w", err))
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	}
	return nil, apperr.New("get_certificate", apperr.KindConflict,
		fmt.Errorf("serial number %s matches more than one certificate; use certificate_id", lookup.SerialNumber))
}

// inventoryFilter renders the WHERE clause shared by the page and count queries.
func inventoryFilter(query InventoryQuery) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if query.CAProvider != "" {
		add("ca_provider = $%d", string(query.CAProvider))
	}
	if query.Status != "" {
		add("status = $%d", string(query.Status))
	}
	if query.CommonName != "" {
		add("common_name ILIKE $%d", "%"+query.CommonName+"%")
	}
	if query.Organization != "" {
		add("organization = $%d", query.Organization)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func listCertificates(ctx context.Context, q Querier, query InventoryQuery) (*InventoryPage, error) {
	if err := query.Normalize(); err != nil {
		return nil, err
	}
	where, args := inventoryFilter(query)

	page := &InventoryPage{Certificates: make([]*model.Certificate, 0), Limit: query.Limit, Offset: query.Offset}
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM certificates`+where, args...).Scan(&page.Total); err != nil {
		return nil, storeErr("get_certificate_inventory", fmt.Errorf("storage: failed to count certificates: %w", err))
	}

	pageArgs := append(append([]interface{}{}, args...), query.Limit, query.Offset)
	stmt := fmt.Sprintf(`SELECT %s FROM certificates%s ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`,
		certificateColumns, where, len(args)+1, len(args)+2)
	rows, err := q.QueryContext(ctx, stmt, pageArgs...)
	if err != nil {
		return nil, storeErr("get_certificate_inventory", fmt.Errorf("storage: failed to query certificates: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, storeErr("get_certificate_inventory", fmt.Errorf("storage: failed to scan certificate row: %w", err))
		}
		page.Certificates = append(page.Certificates, cert.Redacted())
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get_certificate_inventory", fmt.Errorf("storage: error iterating certificate rows: %w", err))
	}
	return page, nil
}

func listExpiring(ctx context.Context, q Querier, before time.Time, limit int) ([]*model.Certificate, error) {
	if limit <= 0 {
		limit = MaxInventoryLimit
	}
	query := `SELECT ` + certificateColumns + ` FROM certificates
        WHERE status IN ('issued','active','suspended') AND expires_at IS NOT NULL AND expires_at <= $1
        ORDER BY expires_at ASC, id ASC LIMIT $2`
	rows, err := q.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, storeErr("list_expiring", fmt.Errorf("storage: failed to query expiring certificates: %w", err))
	}
	defer rows.Close()
	certs := make([]*model.Certificate, 0)
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, storeErr("list_expiring", fmt.Errorf("storage: failed to scan certificate row: %w", err))
		}
		certs = append(certs, cert.Redacted())
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_expiring", fmt.Errorf("storage: error iterating certificate rows: %w", err))
	}
	return certs, nil
}

// updateCertificateStatus must run inside a transaction: it locks the row, writes it and appends the
// audit row behind a savepoint so an audit failure does not undo the status change.
func updateCertificateStatus(ctx context.Context, q Querier, update StatusUpdate, now time.Time) (*StatusUpdateResult, error) {
	const op = "update_certificate_status"
	if err := update.Lookup.Validate(op); err != nil {
		return nil, err
	}
	if _, err := model.ParseStatus(string(update.Status)); err != nil {
		return nil, apperr.New(op, apperr.KindValidation, err)
	}

	cert, err := getCertificate(ctx, q, update.Lookup, true)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, apperr.New(op, apperr.KindNotFound, fmt.Errorf("%w: %s", apperr.ErrCertificateNotFound, update.Lookup))
	}
	previous := cert.Status
	apply, err := checkTransition(op, cert, update)
	if err != nil {
		return nil, err
	}
	if !apply {
		logger.Debug("Status update is a no-op", zap.String("certificate_id", cert.CertificateID), zap.String("status", string(cert.Status)), zap.String("requested", string(update.Status)))
		return &StatusUpdateResult{Certificate: cert, PreviousStatus: previous}, nil
	}

	applyStatusUpdate(cert, update, now)
	if err := cert.Validate(); err != nil {
		return nil, apperr.New(op, apperr.KindValidation, err)
	}

	query := `UPDATE certificates SET status = $2, serial_number = $3, certificate_pem = $4, private_key_pem = $5,
            ca_chain = $6, issued_at = $7, expires_at = $8, revoked_at = $9, revocation_reason = $10, updated_at = $11
        WHERE id = $1`
	_, err = q.ExecContext(ctx, query, cert.ID, string(cert.Status), nullString(cert.SerialNumber),
		nullString(cert.CertificatePEM), nullString(cert.PrivateKeyPEM), pq.Array(nonNil(cert.CAChain)),
		nullTime(cert.IssuedAt), nullTime(cert.ExpiresAt), nullTime(cert.RevokedAt), nullString(cert.RevocationReason), now)
	if err != nil {
		return nil, storeErr(op, fmt.Errorf("storage: failed to update status of certificate '%s': %w", cert.CertificateID, err))
	}
	logger.Info("Certificate status updated", zap.String("certificate_id", cert.CertificateID),
		zap.String("from", string(previous)), zap.String("to", string(cert.Status)))

	audited := recordOperationBestEffort(ctx, q, statusOperation(cert, previous, update, now))
	return &StatusUpdateResult{Certificate: cert, PreviousStatus: previous, Changed: true, AuditRecorded: audited}, nil
}

// --- Operation Helpers ---

func recordOperation(ctx context.Context, q Querier, op *model.Operation) error {
	if op.PerformedAt.IsZero() {
		op.PerformedAt = time.Now().UTC()
	}
	if op.PerformedBy == "" {
		op.PerformedBy = "system"
	}
	query := `INSERT INTO certificate_operations
            (certificate_id, operation_type, operation_data, result, error_message, performed_at, performed_by)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	err := q.QueryRowContext(ctx, query, op.CertificateID, string(op.OperationType), jsonOrNull(op.OperationData),
		jsonOrNull(op.Result), nullString(op.ErrorMessage), op.PerformedAt, op.PerformedBy).Scan(&op.ID)
	if err != nil {
		return storeErr("record_operation", fmt.Errorf("storage: failed to record %s operation for '%s': %w", op.OperationType, op.CertificateID, err))
	}
	logger.Debug("Operation recorded", zap.String("certificate_id", op.CertificateID), zap.String("operation_type", string(op.OperationType)))
	return nil
}

// recordOperationBestEffort inserts op inside the caller's transaction behind a savepoint. A failed insert
// is rolled back to the savepoint and logged; the surrounding transaction stays usable.
func recordOperationBestEffort(ctx context.Context, q Querier, op *model.Operation) bool {
	if _, err := q.ExecContext(ctx, `SAVEPOINT audit_operation`); err != nil {
		logger.Error("Failed to create audit savepoint", zap.String("certificate_id", op.CertificateID), zap.Error(err))
		return false
	}
	if err := recordOperation(ctx, q, op); err != nil {
		logger.Error("Audit write failed; certificate change kept", zap.String("certificate_id", op.CertificateID), zap.Error(err))
		if _, rbErr := q.ExecContext(ctx, `ROLLBACK TO SAVEPOINT audit_operation`); rbErr != nil {
			logger.Error("Failed to roll back audit savepoint", zap.Error(rbErr))
		}
		return false
	}
	if _, err := q.ExecContext(ctx, `RELEASE SAVEPOINT audit_operation`); err != nil {
		logger.Warn("Failed to release audit savepoint", zap.Error(err))
	}
	return true
}

func listOperations(ctx context.Context, q Querier, certificateID string, limit int) ([]*model.Operation, error) {
	if limit <= 0 {
		limit = DefaultOperationLimit
	}
	query := `SELECT id, certificate_id, operation_type, operation_data, result, error_message, performed_at, performed_by
        FROM certificate_operations WHERE certificate_id = $1 ORDER BY performed_at DESC, id DESC LIMIT $2`
	rows, err := q.QueryContext(ctx, query, certificateID, limit)
	if err != nil {
		return nil, storeErr("get_certificate_operations", fmt.Errorf("storage: failed to query operations for '%s': %w", certificateID, err))
	}
	defer rows.Close()
	ops := make([]*model.Operation, 0)
	for rows.Next() {
		var op model.Operation
		var data, result []byte
		var errMsg sql.NullString
		if err := rows.Scan(&op.ID, &op.CertificateID, &op.OperationType, &data, &result, &errMsg, &op.PerformedAt, &op.PerformedBy); err != nil {
			return nil, storeErr("get_certificate_operations", fmt.Errorf("storage: failed to scan operation row: %w", err))
		}
		op.OperationData = data
		op.Result = result
		op.ErrorMessage = errMsg.String
		op.PerformedAt = op.PerformedAt.UTC()
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get_certificate_operations", fmt.Errorf("storage: error iterating operation rows: %w", err))
	}
	return ops, nil
}

// --- Provider Config Helpers ---

func encodeProviderConfig(cfg *model.ProviderConfig) ([]byte, error) {
	conf := make(map[string]any, len(cfg.Configuration)+1)
	for k, v := range cfg.Configuration {
		conf[k] = v
	}
	if cfg.Endpoint != "" {
		conf["endpoint"] = cfg.Endpoint
	}
	return json.Marshal(conf)
}

func upsertProviderConfig(ctx context.Context, q Querier, cfg *model.ProviderConfig) error {
	conf, err := encodeProviderConfig(cfg)
	if err != nil {
		return apperr.New("upsert_provider_config", apperr.KindValidation, err)
	}
	now := time.Now().UTC()
	query := `INSERT INTO ca_providers (provider_name, is_active, provider_config, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $4)
        ON CONFLICT (provider_name) DO UPDATE SET
            is_active = EXCLUDED.is_active, provider_config = EXCLUDED.provider_config, updated_at = EXCLUDED.updated_at`
	if _, err := q.ExecContext(ctx, query, string(cfg.ProviderName), cfg.IsActive, conf, now); err != nil {
		return storeErr("upsert_provider_config", fmt.Errorf("storage: failed to save provider config '%s': %w", cfg.ProviderName, err))
	}
	cfg.UpdatedAt = now
	logger.Info("Provider config saved", zap.String("provider", string(cfg.ProviderName)), zap.Bool("is_active", cfg.IsActive))
	return nil
}

func ensureProviderConfig(ctx context.Context, q Querier, name string, endpoint string) error {
	conf, _ := json.Marshal(map[string]any{"endpoint": endpoint})
	query := `INSERT INTO ca_providers (provider_name, is_active, provider_config) VALUES ($1, true, $2)
        ON CONFLICT (provider_name) DO NOTHING`
	if _, err := q.ExecContext(ctx, query, name, conf); err != nil {
		return storeErr("ensure_provider_config", fmt.Errorf("storage: failed to ensure provider config '%s': %w", name, err))
	}
	return nil
}

func scanProviderConfig(row rowScanner) (*model.ProviderConfig, error) {
	var cfg model.ProviderConfig
	var conf []byte
	if err := row.Scan(&cfg.ProviderName, &cfg.IsActive, &conf, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	if len(conf) > 0 {
		if err := json.Unmarshal(conf, &cfg.Configuration); err != nil {
			logger.Warn("Failed to decode provider config", zap.String("provider", string(cfg.ProviderName)), zap.Error(err))
		}
	}
	if ep, ok := cfg.Configuration["endpoint"].(string); ok {
		cfg.Endpoint = ep
	}
	return &cfg, nil
}

func getProviderConfig(ctx context.Context, q Querier, name string) (*model.ProviderConfig, error) {
	query := `SELECT provider_name, is_active, provider_config, created_at, updated_at FROM ca_providers WHERE provider_name = $1`
	cfg, err := scanProviderConfig(q.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("get_provider_config", fmt.Errorf("storage: failed to get provider config '%s': %w", name, err))
	}
	return cfg, nil
}

func listProviderConfigs(ctx context.Context, q Querier) ([]*model.ProviderConfig, error) {
	query := `SELECT provider_name, is_active, provider_config, created_at, updated_at FROM ca_providers ORDER BY provider_name ASC`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list_provider_configs", fmt.Errorf("storage: failed to query provider configs: %w", err))
	}
	defer rows.Close()
	configs := make([]*model.ProviderConfig, 0)
	for rows.Next() {
		cfg, err := scanProviderConfig(rows)
		if err != nil {
			return nil, storeErr("list_provider_configs", fmt.Errorf("storage: failed to scan provider config row: %w", err))
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_provider_configs", fmt.Errorf("storage: error iterating provider config rows: %w", err))
	}
	return configs, nil
}

// --- API Key Helpers ---

func saveAPIKey(ctx context.Context, q Querier, apiKey string, roles []string) error {
	query := `INSERT INTO api_keys (api_key, roles) VALUES ($1, $2) ON CONFLICT (api_key) DO UPDATE SET roles = EXCLUDED.roles`
	_, err := q.ExecContext(ctx, query, apiKey, pq.Array(roles))
	if err != nil {
		apiKeyPrefix := apiKey[:min(8, len(apiKey))] + "..."
		return storeErr("save_api_key", fmt.Errorf("storage: failed to save API key '%s': %w", apiKeyPrefix, err))
	}
	logger.Debug("API key saved/updated")
	return nil
}

func getAPIKey(ctx context.Context, q Querier, apiKey string) ([]string, error) {
	query := `SELECT roles FROM api_keys WHERE api_key = $1`
	var roles pq.StringArray
	err := q.QueryRowContext(ctx, query, apiKey).Scan(&roles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		apiKeyPrefix := apiKey[:min(8, len(apiKey))] + "..."
		return nil, storeErr("get_api_key", fmt.Errorf("storage: failed to get API key '%s': %w", apiKeyPrefix, err))
	}
	return []string(roles), nil
}
